package sendfile

import (
	"container/list"
	"io/fs"
	"sync"
)

// contentCache is a small LRU of buffered file contents for the
// small-file path. Entries are keyed by path and invalidated when size or
// mtime changes. Caching bytes instead of open descriptors keeps the
// close-exactly-once rule trivial: the descriptor never outlives the read.
type contentCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lru        *list.List
	maxEntries int
}

type cacheEntry struct {
	data    []byte
	size    int64
	modTime int64
	element *list.Element
}

func newContentCache(maxEntries int) *contentCache {
	return &contentCache{
		entries:    make(map[string]*cacheEntry),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

func (cc *contentCache) get(path string, st fs.FileInfo) ([]byte, bool) {
	if cc == nil {
		return nil, false
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	entry, ok := cc.entries[path]
	if !ok {
		return nil, false
	}
	if entry.size != st.Size() || entry.modTime != st.ModTime().UnixNano() {
		cc.lru.Remove(entry.element)
		delete(cc.entries, path)
		return nil, false
	}
	cc.lru.MoveToFront(entry.element)
	return entry.data, true
}

func (cc *contentCache) put(path string, st fs.FileInfo, data []byte) {
	if cc == nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if old, ok := cc.entries[path]; ok {
		cc.lru.Remove(old.element)
	}
	entry := &cacheEntry{
		data:    data,
		size:    st.Size(),
		modTime: st.ModTime().UnixNano(),
	}
	entry.element = cc.lru.PushFront(path)
	cc.entries[path] = entry

	for cc.lru.Len() > cc.maxEntries {
		oldest := cc.lru.Back()
		if oldest == nil {
			break
		}
		delete(cc.entries, oldest.Value.(string))
		cc.lru.Remove(oldest)
	}
}

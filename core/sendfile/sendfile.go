// Package sendfile serves filesystem content through the request
// lifecycle in one of two modes: small files are read whole and committed
// in a single corked write, large files stream in fixed-size chunks with
// the abort flag checked before every read.
package sendfile

import (
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/searchktools/relay/core/http"
)

const (
	// DefaultSmallFileLimit is the buffered-path ceiling.
	DefaultSmallFileLimit = 1 << 20

	// DefaultChunkSize is the streamed-path read size.
	DefaultChunkSize = 64 << 10
)

// Server resolves request paths inside a root directory and serves them.
type Server struct {
	root           string
	smallFileLimit int64
	chunkSize      int
	cache          *contentCache
}

// Options configures a file Server.
type Options struct {
	// Root is the directory every request path resolves against.
	Root string

	// SmallFileLimit splits the buffered path from the streamed path.
	// Zero means DefaultSmallFileLimit.
	SmallFileLimit int64

	// ChunkSize is the streamed read size. Zero means DefaultChunkSize.
	ChunkSize int

	// CacheEntries bounds the small-file content cache. Zero disables it.
	CacheEntries int
}

// New builds a file Server. Root is made absolute once, up front, so the
// containment check compares stable paths.
func New(opts Options) (*Server, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	s := &Server{
		root:           root,
		smallFileLimit: opts.SmallFileLimit,
		chunkSize:      opts.ChunkSize,
	}
	if s.smallFileLimit <= 0 {
		s.smallFileLimit = DefaultSmallFileLimit
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if opts.CacheEntries > 0 {
		s.cache = newContentCache(opts.CacheEntries)
	}
	return s, nil
}

// Serve maps reqPath into the root and commits the file as the response.
// Idempotent no-op when the Context is already committed or aborted. The
// returned error reports the outcome for logging; every failure path has
// already committed its response.
func (s *Server) Serve(c *http.Context, reqPath string) error {
	if c.IsCommitted() || c.IsAborted() {
		return nil
	}

	target, ok := s.resolve(reqPath)
	if !ok {
		// Containment breach is a security event, not a routing miss.
		log.Printf("sendfile: path escape rejected: %q", reqPath)
		c.CommitError(http.ErrForbiddenPath, false)
		return http.ErrForbiddenPath
	}

	st, err := os.Stat(target)
	if err != nil || !st.Mode().IsRegular() {
		c.CommitError(http.ErrNotFound, false)
		return http.ErrNotFound
	}

	if st.Size() <= s.smallFileLimit {
		return s.serveBuffered(c, target, st)
	}
	return s.serveStreamed(c, target, st)
}

// resolve joins reqPath under the root and rejects any result that
// escapes it. The check runs on cleaned absolute paths; traversal
// segments never reach the filesystem.
func (s *Server) resolve(reqPath string) (string, bool) {
	target := filepath.Join(s.root, filepath.Clean("/"+reqPath))
	if target != s.root && !strings.HasPrefix(target, s.root+string(os.PathSeparator)) {
		return "", false
	}
	return target, true
}

// serveBuffered reads the whole file and commits it in one framed write:
// one descriptor open/close, one commit.
func (s *Server) serveBuffered(c *http.Context, target string, st fs.FileInfo) error {
	data, ok := s.cache.get(target, st)
	if !ok {
		var err error
		data, err = os.ReadFile(target)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.CommitError(http.ErrNotFound, false)
				return http.ErrNotFound
			}
			c.CommitError(http.WrapError(http.StatusInternalError, "file read failed", err), false)
			return err
		}
		s.cache.put(target, st, data)
	}
	c.SetStatus(http.StatusOK)
	c.SetBody(ContentType(target), data)
	c.Commit()
	return nil
}

// serveStreamed opens the descriptor, flushes the header frame, then
// loops chunked reads under flow-controlled writes. The descriptor is
// closed on every exit path; the abort flag is checked before each read
// so a dead client stops the transfer early.
func (s *Server) serveStreamed(c *http.Context, target string, st fs.FileInfo) error {
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.CommitError(http.ErrNotFound, false)
			return http.ErrNotFound
		}
		c.CommitError(http.WrapError(http.StatusInternalError, "file open failed", err), false)
		return err
	}
	defer f.Close()

	headers := map[string]string{
		"Content-Type":   ContentType(target),
		"Content-Length": strconv.FormatInt(st.Size(), 10),
	}
	if !c.StartStream(http.StatusOK, headers) {
		return nil
	}

	buf := make([]byte, s.chunkSize)
	for {
		if c.IsAborted() {
			return nil
		}
		n, err := f.Read(buf)
		if n > 0 {
			if !c.StreamChunk(buf[:n]) {
				return nil
			}
		}
		if err == io.EOF {
			c.EndStream()
			return nil
		}
		if err != nil {
			// Headers are on the wire already; all we can do is stop and
			// let the transport tear the connection down.
			log.Printf("sendfile: read failed mid-stream: %v", err)
			c.Abort()
			return http.WrapError(http.StatusInternalError, "file read failed", err)
		}
	}
}

// mimeTypes maps file extensions the way the rest of the engine frames
// responses: explicit and static.
var mimeTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".xml":   "application/xml; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".wasm":  "application/wasm",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".woff2": "font/woff2",
}

// ContentType infers a MIME type from the file extension.
func ContentType(path string) string {
	if ct, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}

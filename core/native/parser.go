package native

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

var (
	// errHeadIncomplete means more bytes are needed; not a protocol error.
	errHeadIncomplete = errors.New("incomplete request head")

	// ErrMalformedRequest is a protocol violation; the connection is torn
	// down after a 400.
	ErrMalformedRequest = errors.New("malformed HTTP request")
)

// head is one parsed request head. All strings are owned copies: the read
// buffer they were parsed from is recycled immediately after.
type head struct {
	method   string
	path     string
	rawQuery string
	proto    string
	headers  [][2]string

	contentLength int64
	keepAlive     bool

	// consumed is the head's byte length including the blank-line
	// terminator; everything after it in the buffer is body.
	consumed int
}

var crlfcrlf = []byte("\r\n\r\n")

// parseHead parses one request head out of data. Returns
// errHeadIncomplete until the terminating blank line has arrived.
func parseHead(data []byte) (*head, error) {
	end := bytes.Index(data, crlfcrlf)
	if end == -1 {
		return nil, errHeadIncomplete
	}
	h := &head{consumed: end + len(crlfcrlf), contentLength: 0}

	block := data[:end]
	lineEnd := bytes.IndexByte(block, '\n')
	if lineEnd == -1 {
		lineEnd = len(block)
	}
	if err := h.parseRequestLine(trimCR(block[:lineEnd])); err != nil {
		return nil, err
	}

	rest := block
	if lineEnd < len(block) {
		rest = block[lineEnd+1:]
	} else {
		rest = nil
	}
	h.parseHeaders(rest)
	return h, nil
}

func (h *head) parseRequestLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrMalformedRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrMalformedRequest
	}
	sp2 += sp1 + 1

	h.method = string(line[:sp1])
	target := string(line[sp1+1 : sp2])
	h.proto = string(line[sp2+1:])

	if i := strings.IndexByte(target, '?'); i != -1 {
		h.path, h.rawQuery = target[:i], target[i+1:]
	} else {
		h.path = target
	}

	// HTTP/1.1 defaults to keep-alive, 1.0 to close; a Connection header
	// overrides either way.
	h.keepAlive = h.proto != "HTTP/1.0"
	return nil
}

func (h *head) parseHeaders(block []byte) {
	for len(block) > 0 {
		lineEnd := bytes.IndexByte(block, '\n')
		line := block
		if lineEnd == -1 {
			block = nil
		} else {
			line = block[:lineEnd]
			block = block[lineEnd+1:]
		}
		line = trimCR(line)
		if len(line) == 0 {
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		key := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))
		h.headers = append(h.headers, [2]string{key, value})

		switch {
		case strings.EqualFold(key, "Content-Length"):
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				h.contentLength = n
			}
		case strings.EqualFold(key, "Connection"):
			switch {
			case strings.EqualFold(value, "close"):
				h.keepAlive = false
			case strings.EqualFold(value, "keep-alive"):
				h.keepAlive = true
			}
		}
	}
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

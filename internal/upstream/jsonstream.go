package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrBufferOverflow indicates the buffer exceeded maximum size.
	ErrBufferOverflow = errors.New("json stream buffer overflow")
	// ErrMalformedStream indicates bytes that can never start a JSON object.
	ErrMalformedStream = errors.New("malformed json stream")
)

const (
	// Initial buffer capacity for stream parsing
	initialBufferCap = 8192
	// Maximum buffer size to prevent unbounded memory growth (8MB, inline images are large)
	maxBufferSize = 8 * 1024 * 1024
)

// parserPool provides reusable StreamParser instances to reduce GC pressure.
var parserPool = sync.Pool{
	New: func() interface{} {
		return &StreamParser{
			buffer: make([]byte, 0, initialBufferCap),
		}
	},
}

// GetStreamParser gets a parser from the pool.
// Call ReleaseStreamParser when done.
func GetStreamParser() *StreamParser {
	return parserPool.Get().(*StreamParser)
}

// ReleaseStreamParser returns a parser to the pool.
func ReleaseStreamParser(p *StreamParser) {
	p.Reset()
	parserPool.Put(p)
}

// StreamParser splits an upstream response stream into complete JSON objects.
//
// The upstream sends either a JSON array of objects or newline separated objects,
// optionally preceded by the )]}' marker. Network chunks may split anywhere,
// including inside the marker.
type StreamParser struct {
	buffer []byte
}

// NewStreamParser creates a new stream parser.
// Prefer GetStreamParser/ReleaseStreamParser on hot paths.
func NewStreamParser() *StreamParser {
	return &StreamParser{
		buffer: make([]byte, 0, initialBufferCap),
	}
}

// Parse appends data to the buffer and returns every complete object now available.
// Incomplete trailing data is kept for the next call.
func (p *StreamParser) Parse(data []byte) ([]json.RawMessage, error) {
	if len(p.buffer)+len(data) > maxBufferSize {
		return nil, ErrBufferOverflow
	}
	p.buffer = append(p.buffer, data...)

	var objects []json.RawMessage
	for {
		p.skipSeparators()
		if len(p.buffer) == 0 {
			return objects, nil
		}
		if bytes.HasPrefix([]byte(SafetyPrefix), p.buffer) {
			// Marker split across chunks
			return objects, nil
		}
		if p.buffer[0] != '{' {
			return objects, fmt.Errorf("%w: unexpected byte %q", ErrMalformedStream, p.buffer[0])
		}

		dec := json.NewDecoder(bytes.NewReader(p.buffer))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				// Wait for more data
				return objects, nil
			}
			return objects, fmt.Errorf("%w: %v", ErrMalformedStream, err)
		}

		consumed := dec.InputOffset()
		obj := make(json.RawMessage, len(raw))
		copy(obj, raw)
		objects = append(objects, obj)
		p.buffer = p.buffer[consumed:]
	}
}

// skipSeparators drops whitespace, array punctuation and the safety prefix from the buffer head.
// A partial safety prefix at the very end of the buffer is kept until it can be decided.
func (p *StreamParser) skipSeparators() {
	for len(p.buffer) > 0 {
		switch p.buffer[0] {
		case ' ', '\t', '\r', '\n', '[', ']', ',':
			p.buffer = p.buffer[1:]
			continue
		case ')':
			if bytes.HasPrefix(p.buffer, []byte(SafetyPrefix)) {
				p.buffer = p.buffer[len(SafetyPrefix):]
				continue
			}
		}
		return
	}
}

// Buffered reports whether a partial object is waiting for more data.
func (p *StreamParser) Buffered() bool {
	return len(bytes.TrimSpace(p.buffer)) > 0
}

// Reset clears the parser buffer while retaining capacity for reuse.
func (p *StreamParser) Reset() {
	if cap(p.buffer) > maxBufferSize {
		p.buffer = make([]byte, 0, initialBufferCap)
	} else {
		p.buffer = p.buffer[:0]
	}
}

// StripSafetyPrefix removes the )]}' marker and surrounding whitespace from a JSON body.
func StripSafetyPrefix(body []byte) []byte {
	body = bytes.TrimSpace(body)
	body = bytes.TrimPrefix(body, []byte(SafetyPrefix))
	return bytes.TrimSpace(body)
}

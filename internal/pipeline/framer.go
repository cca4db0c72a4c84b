package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DefaultMaxResponseSize bounds a single framed response.
const DefaultMaxResponseSize = 64 << 20

const readChunkSize = 4096

var (
	headerTerminator    = []byte("\r\n\r\n")
	contentLengthHeader = []byte("\r\nContent-Length:")
	httpPrefix          = []byte("HTTP")
)

// ErrFraming is wrapped by every error the framer raises itself. I/O errors
// from the underlying reader are returned unwrapped.
var ErrFraming = errors.New("response framing")

// Framer splits a byte stream carrying pipelined HTTP/1.1 responses into
// individual messages. Responses must be delimited by Content-Length; chunked
// bodies and interim 1xx responses are not supported.
type Framer struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	maxSize int
}

// NewFramer returns a framer reading from r. A maxSize of zero selects
// DefaultMaxResponseSize.
func NewFramer(r io.Reader, maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}
	return &Framer{
		r:       r,
		chunk:   make([]byte, readChunkSize),
		maxSize: maxSize,
	}
}

// Buffered returns the number of bytes read but not yet returned as part of a
// message.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Next returns the next complete response. Bytes following the response stay
// buffered for the following call.
func (f *Framer) Next() ([]byte, error) {
	headerEnd := bytes.Index(f.buf, headerTerminator)
	for headerEnd == -1 {
		if len(f.buf) > f.maxSize {
			return nil, fmt.Errorf("%w: header block exceeds %d bytes", ErrFraming, f.maxSize)
		}
		if err := f.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream ended before header terminator: %w", ErrFraming, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		headerEnd = bytes.Index(f.buf, headerTerminator)
	}
	headerEnd += len(headerTerminator)

	contentLength, err := parseContentLength(f.buf[:headerEnd])
	if err != nil {
		return nil, err
	}
	if contentLength > f.maxSize-headerEnd {
		return nil, fmt.Errorf("%w: body of %d bytes after %d header bytes exceeds %d", ErrFraming, contentLength, headerEnd, f.maxSize)
	}
	total := headerEnd + contentLength

	for len(f.buf) < total {
		if err := f.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream ended with %d of %d bytes: %w", ErrFraming, len(f.buf), total, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}

	msg := make([]byte, total)
	copy(msg, f.buf[:total])
	f.buf = append(f.buf[:0], f.buf[total:]...)

	if !bytes.HasPrefix(msg, httpPrefix) {
		return nil, fmt.Errorf("%w: message does not start with %q", ErrFraming, httpPrefix)
	}
	return msg, nil
}

// fill performs one read and appends whatever arrived. A read that returns
// data together with io.EOF keeps the data and reports success; the EOF shows
// up on the following call.
func (f *Framer) fill() error {
	n, err := f.r.Read(f.chunk)
	if n > 0 {
		f.buf = append(f.buf, f.chunk[:n]...)
		return nil
	}
	if err == nil {
		return nil
	}
	return err
}

// parseContentLength finds the Content-Length header in a header block. The
// header name is matched case-sensitively and only at the start of a line, and
// the value must be plain decimal digits.
func parseContentLength(header []byte) (int, error) {
	idx := bytes.Index(header, contentLengthHeader)
	if idx == -1 {
		return 0, fmt.Errorf("%w: missing Content-Length", ErrFraming)
	}
	value := header[idx+len(contentLengthHeader):]
	if end := bytes.IndexByte(value, '\r'); end != -1 {
		value = value[:end]
	}
	value = bytes.Trim(value, " \t")

	if len(value) == 0 || bytes.IndexFunc(value, notDigit) != -1 {
		return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrFraming, value)
	}
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrFraming, value)
	}
	return n, nil
}

func notDigit(r rune) bool {
	return r < '0' || r > '9'
}

// StatusCode parses the status code from a framed response's status line.
func StatusCode(resp []byte) (int, bool) {
	line := resp
	if end := bytes.IndexByte(line, '\r'); end != -1 {
		line = line[:end]
	}
	sp := bytes.IndexByte(line, ' ')
	if sp == -1 || len(line) < sp+4 {
		return 0, false
	}
	code, err := strconv.Atoi(string(line[sp+1 : sp+4]))
	if err != nil {
		return 0, false
	}
	return code, true
}

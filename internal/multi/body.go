package multi

import (
	"bytes"
	"fmt"
	"strconv"
)

const maxChunkLine = 4096

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// bodyDecoder frames a response body as it arrives in arbitrary pieces.
type bodyDecoder struct {
	mode      bodyMode
	remaining int64
	chunked   chunkedDecoder
}

// feed passes the body bytes contained in p to emit and reports whether the
// body is complete. Bytes past the end of the body are ignored.
func (d *bodyDecoder) feed(p []byte, emit func([]byte) error) (bool, error) {
	switch d.mode {
	case bodyNone:
		return true, nil
	case bodyLength:
		if int64(len(p)) > d.remaining {
			p = p[:d.remaining]
		}
		if len(p) > 0 {
			if err := emit(p); err != nil {
				return false, err
			}
		}
		d.remaining -= int64(len(p))
		return d.remaining == 0, nil
	case bodyChunked:
		return d.chunked.feed(p, emit)
	default:
		if len(p) == 0 {
			return false, nil
		}
		return false, emit(p)
	}
}

// eof reports the terminal error for a connection that closed while the
// body was being read.
func (d *bodyDecoder) eof() error {
	switch d.mode {
	case bodyUntilClose, bodyNone:
		return nil
	case bodyLength:
		if d.remaining == 0 {
			return nil
		}
		return fmt.Errorf("%w: %d bytes missing", ErrPartialBody, d.remaining)
	default:
		if d.chunked.state == chunkDone {
			return nil
		}
		return fmt.Errorf("%w: chunked body truncated", ErrPartialBody)
	}
}

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkedDecoder decodes the chunked transfer coding incrementally.
type chunkedDecoder struct {
	state     chunkState
	line      []byte
	remaining int64
}

func (c *chunkedDecoder) feed(p []byte, emit func([]byte) error) (bool, error) {
	for len(p) > 0 && c.state != chunkDone {
		if c.state == chunkData {
			n := int64(len(p))
			if n > c.remaining {
				n = c.remaining
			}
			if err := emit(p[:n]); err != nil {
				return false, err
			}
			p = p[n:]
			c.remaining -= n
			if c.remaining == 0 {
				c.state = chunkDataEnd
			}
			continue
		}

		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			c.line = append(c.line, p...)
			if len(c.line) > maxChunkLine {
				return false, fmt.Errorf("%w: chunk line too long", ErrMalformedResponse)
			}
			return false, nil
		}
		c.line = append(c.line, p[:i]...)
		p = p[i+1:]
		line := bytes.TrimSuffix(c.line, []byte("\r"))
		c.line = c.line[:0]

		if err := c.handleLine(line); err != nil {
			return false, err
		}
	}
	return c.state == chunkDone, nil
}

func (c *chunkedDecoder) handleLine(line []byte) error {
	switch c.state {
	case chunkDataEnd:
		if len(line) != 0 {
			return fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformedResponse)
		}
		c.state = chunkSize
	case chunkSize:
		if j := bytes.IndexByte(line, ';'); j >= 0 {
			line = line[:j]
		}
		size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("%w: bad chunk size %q", ErrMalformedResponse, line)
		}
		if size == 0 {
			c.state = chunkTrailer
		} else {
			c.remaining = size
			c.state = chunkData
		}
	case chunkTrailer:
		if len(line) == 0 {
			c.state = chunkDone
		}
	}
	return nil
}

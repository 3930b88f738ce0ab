package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineSize bounds a single inbound line. mpv replies with whole
// playlists and track lists in one line, so this is generous.
const DefaultMaxLineSize = 4 << 20

const readBufferSize = 64 << 10

// LineReader splits a byte stream into newline-terminated lines without
// letting a single partial line grow past a fixed ceiling.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewLineReader(r io.Reader, maxLineSize int) *LineReader {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	return &LineReader{r: bufio.NewReaderSize(r, min(readBufferSize, maxLineSize+1)), max: maxLineSize}
}

// ReadLine returns the next line without its terminator. A line longer than
// the ceiling is consumed and discarded, and ErrFrameTooLarge is returned so
// the caller can keep reading. At end of stream it returns io.EOF, or
// io.ErrUnexpectedEOF when an unterminated partial line was pending.
func (lr *LineReader) ReadLine() ([]byte, error) {
	lr.buf = lr.buf[:0]
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if len(lr.buf)+len(chunk) > lr.max+1 {
			size := len(lr.buf) + len(chunk)
			lr.buf = lr.buf[:0]
			if errors.Is(err, bufio.ErrBufferFull) {
				n, derr := lr.discardLine()
				size += n
				if derr != nil {
					return nil, derr
				}
			} else if err != nil {
				return nil, lr.eof(err, true)
			}
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, size, lr.max)
		}
		lr.buf = append(lr.buf, chunk...)

		switch {
		case err == nil:
			line := lr.buf[:len(lr.buf)-1]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			out := make([]byte, len(line))
			copy(out, line)
			return out, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, lr.eof(err, len(lr.buf) > 0)
		}
	}
}

// discardLine drops input up to and including the next newline.
func (lr *LineReader) discardLine() (int, error) {
	n := 0
	for {
		chunk, err := lr.r.ReadSlice('\n')
		n += len(chunk)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return n, lr.eof(err, true)
		}
	}
}

func (lr *LineReader) eof(err error, partial bool) error {
	if errors.Is(err, io.EOF) && partial {
		return io.ErrUnexpectedEOF
	}
	return err
}

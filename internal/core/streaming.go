package core

// streaming.go prepares an uploaded CSV body for parsing without buffering
// it: the UTF-8 BOM written by Windows programs is dropped, invalid UTF-8 is
// replaced with '?' and the body is cut off at the configured size.
//
// Use newImportReader to apply all of them in the correct order.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM returns a reader over r without a leading UTF-8 BOM.
func skipBOM(r io.Reader) (*bufio.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(utf8BOM))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if bytes.Equal(head, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, err
		}
	}
	return br, nil
}

// utf8Sanitizer replaces every byte that does not start a valid UTF-8
// sequence with '?'. Replacing with a single byte keeps the output no longer
// than the input.
type utf8Sanitizer struct {
	r *bufio.Reader
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		r, size, err := s.r.ReadRune()
		if err != nil {
			return n, err
		}
		if r == utf8.RuneError && size == 1 {
			p[n] = '?'
			n++
			continue
		}
		if n+size > len(p) {
			if err := s.r.UnreadRune(); err != nil {
				return n, err
			}
			if n == 0 {
				return 0, io.ErrShortBuffer
			}
			break
		}
		n += utf8.EncodeRune(p[n:], r)
	}
	return n, nil
}

// countingReader tracks bytes read and fails once more than max were read.
// A max of zero disables the limit.
type countingReader struct {
	r    io.Reader
	max  int64
	read int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.max > 0 && c.read > c.max {
		return n, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, c.max)
	}
	return n, err
}

// BytesRead returns the number of bytes consumed from the upload.
func (c *countingReader) BytesRead() int64 { return c.read }

// newImportReader wraps an upload body for CSV parsing.
//
// Counting sits directly on the body so the size limit applies to the bytes
// the client sent. The BOM check runs before sanitizing, which would
// otherwise keep the BOM as a valid rune.
func newImportReader(body io.Reader, maxSize int64) (io.Reader, *countingReader, error) {
	counter := &countingReader{r: body, max: maxSize}
	br, err := skipBOM(counter)
	if err != nil {
		return nil, counter, err
	}
	return &utf8Sanitizer{r: br}, counter, nil
}

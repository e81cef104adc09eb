package source

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// NewReader wraps r so batch documents saved by spreadsheet tools decode:
// a leading UTF-8 BOM is dropped and bytes that are not valid UTF-8 are
// replaced with '?'. The YAML decoder rejects invalid UTF-8 outright, so a
// single Latin-1 name would otherwise fail the whole batch.
func NewReader(r io.Reader) io.Reader {
	return &utf8Sanitizer{r: skipBOM(r)}
}

// skipBOM drops a leading BOM. Fewer than three bytes are passed through.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// utf8Sanitizer rewrites invalid UTF-8. Input is read in chunks into an
// internal buffer, so callers may read with buffers of any size. A multi-byte
// rune split across two chunks is held back until the rest of it arrives.
type utf8Sanitizer struct {
	r       io.Reader
	chunk   []byte
	pending []byte // start of an incomplete rune
	out     []byte // sanitized bytes not yet returned
	err     error
}

const (
	sanitizerChunkSize = 4096
	maxEmptyReads      = 100
)

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for empty := 0; len(s.out) == 0; empty++ {
		if s.err != nil {
			return 0, s.err
		}
		if empty == maxEmptyReads {
			return 0, io.ErrNoProgress
		}
		s.fill()
	}

	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// fill reads one chunk and moves every complete rune into out.
func (s *utf8Sanitizer) fill() {
	if s.chunk == nil {
		s.chunk = make([]byte, sanitizerChunkSize)
	}

	m, err := s.r.Read(s.chunk)
	s.err = err
	data := append(s.pending, s.chunk[:m]...)

	k := 0
	if err == nil {
		k = partialRuneSuffix(data)
	}
	s.out = appendSanitized(s.out[:0], data[:len(data)-k])
	s.pending = append(s.pending[:0:0], data[len(data)-k:]...)
}

// appendSanitized appends src to dst with each invalid byte replaced by '?'.
func appendSanitized(dst, src []byte) []byte {
	if utf8.Valid(src) {
		return append(dst, src...)
	}
	for i := 0; i < len(src); {
		_, size := utf8.DecodeRune(src[i:])
		if size == 1 && src[i] >= utf8.RuneSelf {
			dst = append(dst, '?')
		} else {
			dst = append(dst, src[i:i+size]...)
		}
		i += size
	}
	return dst
}

// partialRuneSuffix reports how many trailing bytes of data begin a rune that
// is not complete yet.
func partialRuneSuffix(data []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(data); i++ {
		b := data[len(data)-i]
		if b < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[len(data)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

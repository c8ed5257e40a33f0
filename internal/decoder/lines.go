package decoder

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// lineReader frames newline-delimited input with a bounded line size and
// supports a single mark/rewind window used by version detection.
type lineReader struct {
	r       *bufio.Reader
	maxLine int

	marking  bool
	marked   [][]byte
	markSize int
	replay   [][]byte

	// err is the first non-EOF read error; every later read returns it.
	err error
}

// oversizedLine reports a line that was discarded for exceeding maxLine.
type oversizedLine struct {
	size int
}

func (e *oversizedLine) Error() string { return "line exceeds maximum size" }

func newLineReader(r io.Reader, maxLine int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), maxLine: maxLine}
}

// mark starts recording returned lines so they can be replayed by rewind.
func (lr *lineReader) mark() {
	lr.marking = true
	lr.marked = nil
	lr.markSize = 0
}

// markedBytes is the size of the lines read since mark.
func (lr *lineReader) markedBytes() int { return lr.markSize }

// rewind replays every line read since mark before reading new input.
func (lr *lineReader) rewind() {
	lr.marking = false
	lr.replay = append(lr.marked, lr.replay...)
	lr.marked = nil
	lr.markSize = 0
}

// next returns the next line without its terminator. An over-long line is
// consumed in full and reported as *oversizedLine. io.EOF is returned once
// the input is exhausted.
func (lr *lineReader) next() ([]byte, error) {
	if len(lr.replay) > 0 {
		line := lr.replay[0]
		lr.replay = lr.replay[1:]
		return line, nil
	}

	line, err := lr.read()
	if err != nil {
		return nil, err
	}
	if lr.marking {
		lr.marked = append(lr.marked, line)
		lr.markSize += len(line)
	}
	return line, nil
}

func (lr *lineReader) read() ([]byte, error) {
	if lr.err != nil {
		return nil, lr.err
	}
	var (
		buf      []byte
		size     int
		overflow bool
	)
	for {
		chunk, err := lr.r.ReadSlice('\n')
		size += len(chunk)
		if !overflow {
			if lr.maxLine > 0 && size > lr.maxLine+1 {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if overflow {
				return nil, &oversizedLine{size: size}
			}
			return trimEOL(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if size == 0 {
				return nil, io.EOF
			}
			if overflow {
				return nil, &oversizedLine{size: size}
			}
			return trimEOL(buf), nil
		default:
			lr.err = err
			return nil, err
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

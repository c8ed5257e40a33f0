package connector

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/bft-labs/connbridge/pkg/log"
)

const (
	colorReset            = "\x1b[0m"
	colorBlueBackground   = "\x1b[44m"
	colorYellowBackground = "\x1b[43m"
	maxStderrLineBytes    = 1024 * 1024
)

// prefix returns the colored "name >" tag put in front of connector output.
func prefix(name, color string) string {
	return color + name + colorReset + " >"
}

// gobble logs every line of r until EOF and then closes done.
func gobble(r io.Reader, logger log.Logger, tag string, done chan<- struct{}) {
	gobbleLines(r, logger, tag, maxStderrLineBytes, done)
}

// gobbleLines is gobble with an explicit line bound. Lines longer than
// maxLine are dropped with a warning; reading continues with the next line.
func gobbleLines(r io.Reader, logger log.Logger, tag string, maxLine int, done chan<- struct{}) {
	defer close(done)

	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf      []byte
		size     int
		overflow bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if !overflow {
			if size > maxLine+1 {
				overflow = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		switch {
		case overflow:
			logger.Warn(tag+" dropped over-long connector stderr line", log.Int("bytes", size))
		case size > 0:
			line := bytes.TrimRight(buf, "\r\n")
			logger.Info(tag + " " + string(line))
		}
		buf, size, overflow = buf[:0], 0, false

		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn(tag+" stopped reading connector stderr", log.Err(err))
				// Keep draining so the connector never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}

package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/loggysh/loggy-go/pkg/types"
)

// maxLine bounds a single shipped line.
const maxLine = 256 * 1024

type lineSink interface {
	Log(level types.Level, tag, message string, err error)
}

// shipLines logs every non-blank line of r until EOF or ctx is done and
// returns how many were logged.
func shipLines(ctx context.Context, r io.Reader, sink lineSink, level types.Level, tag string) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	n := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return n, nil
		}
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		sink.Log(level, tag, line, nil)
		n++
	}
	return n, sc.Err()
}

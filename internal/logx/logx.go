// Package logx builds the process logger.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog logger writing to stderr. Console output is
// human readable; json selects one JSON object per line.
func NewLogger(verbose, json bool) zerolog.Logger {
	return newLogger(os.Stderr, verbose, json)
}

func newLogger(w io.Writer, verbose, json bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	out := w
	if !json {
		out = zerolog.ConsoleWriter{
			Out:          w,
			TimeFormat:   time.RFC3339,
			FormatCaller: shortCaller,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
}

// shortCaller keeps the file name of a file:line caller only, padded so
// console messages line up. JSON output keeps the full path.
func shortCaller(i any) string {
	caller, ok := i.(string)
	if !ok || caller == "" {
		return ""
	}
	if slash := strings.LastIndexByte(caller, '/'); slash >= 0 {
		caller = caller[slash+1:]
	}
	return fmt.Sprintf("%-24s", caller)
}

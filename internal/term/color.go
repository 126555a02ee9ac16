// Package term renders colored CLI output for piteams commands.
//
// Colors turn off when NO_COLOR is set (https://no-color.org/), when stdout
// is not a terminal, or when Disable(true) was called for a --no-color flag.
package term

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
)

// SGR sequences.
const (
	reset  = "\x1b[0m"
	bold   = "\x1b[1m"
	dim    = "\x1b[2m"
	red    = "\x1b[31m"
	green  = "\x1b[32m"
	yellow = "\x1b[33m"
	cyan   = "\x1b[36m"
)

var (
	mu       sync.Mutex
	disabled bool

	initOnce sync.Once
	noColor  bool
)

// Disable forces colors off. It cannot force them on: NO_COLOR and
// non-terminal stdout still win.
func Disable(off bool) {
	mu.Lock()
	defer mu.Unlock()
	disabled = off
}

func enabled() bool {
	initOnce.Do(func() {
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			noColor = true
			return
		}
		if !isTerminal(os.Stdout) {
			noColor = true
		}
	})

	mu.Lock()
	defer mu.Unlock()
	return !disabled && !noColor
}

func wrap(code, s string) string {
	if !enabled() {
		return s
	}
	return code + s + reset
}

// Green marks online workers and success.
func Green(s string) string { return wrap(green, s) }

// Red marks errors and dead workers.
func Red(s string) string { return wrap(red, s) }

// Yellow marks warnings and stale claims.
func Yellow(s string) string { return wrap(yellow, s) }

// Dim marks secondary detail.
func Dim(s string) string { return wrap(dim, s) }

// Bold marks headers.
func Bold(s string) string { return wrap(bold, s) }

// Cyan marks names and identifiers.
func Cyan(s string) string { return wrap(cyan, s) }

// Dimf formats and dims.
func Dimf(format string, a ...any) string { return Dim(fmt.Sprintf(format, a...)) }

// Redf formats in red.
func Redf(format string, a ...any) string { return Red(fmt.Sprintf(format, a...)) }

// Pad pads s to width terminal cells before coloring. %-Ns pads by byte
// length, which breaks on wide runes and on the invisible SGR bytes the
// color wrapper adds.
func Pad(s string, width int, color func(string) string) string {
	w := runewidth.StringWidth(s)
	if w >= width {
		return color(s)
	}
	return color(s + strings.Repeat(" ", width-w))
}

// Truncate shortens s to max cells with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}

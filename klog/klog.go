// Package klog is the kernel log. Messages are filtered by a mask of levels,
// prefixed with the core that emitted them and, on a terminal, coloured per
// core so interleaved output from both cores stays readable.
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type MaskLevel int32

const (
	Nothing   MaskLevel = 0x0
	ErrorMask MaskLevel = 0x1
	WarnMask  MaskLevel = 0x2
	InfoMask  MaskLevel = 0x4
	DebugMask MaskLevel = 0x8
	StatsMask MaskLevel = 0x10
	fatalMask MaskLevel = 0x80
)

// NoCore is used for messages that do not come from a particular core (boot,
// host tooling).
const NoCore = -1

// Halt is the panic value raised by Fatalf. The core loop recovers it and
// stops the core; nothing else should recover it.
type Halt struct {
	Core int
	Msg  string
}

func (h *Halt) Error() string {
	if h.Core == NoCore {
		return "kernel halted: " + h.Msg
	}
	return fmt.Sprintf("core %d halted: %s", h.Core, h.Msg)
}

// output is shared by all loggers derived from the same root, so that lines
// from both cores never interleave mid-line.
type output struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	level atomic.Int32
}

type Logger struct {
	out  *output
	core int
}

// New returns a logger writing plain text to w.
func New(w io.Writer, level MaskLevel) *Logger {
	o := &output{w: w}
	o.level.Store(int32(level | fatalMask))
	return &Logger{out: o, core: NoCore}
}

// Stdout returns a logger on the process stdout. Colour is only used when
// stdout is a terminal.
func Stdout(level MaskLevel) *Logger {
	l := New(colorable.NewColorableStdout(), level)
	fd := os.Stdout.Fd()
	l.out.color = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return l
}

// Discard returns a logger that drops everything except fatal messages,
// which still halt.
func Discard() *Logger {
	return New(io.Discard, Nothing)
}

// Core returns a logger that tags its messages with the given core.
func (l *Logger) Core(n int) *Logger {
	return &Logger{out: l.out, core: n}
}

// SetLevel replaces the level mask and returns the previous one.
func (l *Logger) SetLevel(mask MaskLevel) MaskLevel {
	old := l.out.level.Swap(int32(mask | fatalMask))
	return MaskLevel(old) &^ fatalMask
}

func (l *Logger) Level() MaskLevel {
	return MaskLevel(l.out.level.Load()) &^ fatalMask
}

// ParseLevel turns a level name into the mask that enables it and every
// more severe level. "stats" is additive and can be combined with a comma.
func ParseLevel(s string) (MaskLevel, error) {
	var mask MaskLevel
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "", "none", "off":
		case "error":
			mask |= ErrorMask
		case "warn", "warning":
			mask |= ErrorMask | WarnMask
		case "info":
			mask |= ErrorMask | WarnMask | InfoMask
		case "debug":
			mask |= ErrorMask | WarnMask | InfoMask | DebugMask
		case "stats":
			mask |= StatsMask
		default:
			return Nothing, fmt.Errorf("klog: unknown log level %q", part)
		}
	}
	return mask, nil
}

// coreColor mirrors the per-hart colouring used for print output on
// multicore targets. Core 0 keeps the terminal default.
func coreColor(core int) string {
	switch core {
	case 1:
		return "\x1b[32m" // green
	case 2:
		return "\x1b[33m" // yellow
	case 3:
		return "\x1b[34m" // blue
	}
	return ""
}

func (l *Logger) logf(lvl MaskLevel, format string, params ...interface{}) {
	if MaskLevel(l.out.level.Load())&lvl == 0 {
		return
	}
	var prefix string
	switch {
	case lvl&fatalMask != 0:
		prefix = "FATAL:"
	case lvl&ErrorMask != 0:
		prefix = "ERROR:"
	case lvl&WarnMask != 0:
		prefix = " WARN:"
	case lvl&InfoMask != 0:
		prefix = " INFO:"
	case lvl&DebugMask != 0:
		prefix = "DEBUG:"
	case lvl&StatsMask != 0:
		prefix = "STATS"
	}
	var b strings.Builder
	color := ""
	if l.out.color {
		color = coreColor(l.core)
	}
	b.WriteString(color)
	if l.core != NoCore {
		fmt.Fprintf(&b, "[cpu%d] ", l.core)
	}
	b.WriteString(prefix)
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, params...)
	if color != "" {
		b.WriteString("\x1b[0m")
	}
	if !strings.HasSuffix(format, "\n") {
		b.WriteByte('\n')
	}

	l.out.mu.Lock()
	io.WriteString(l.out.w, b.String())
	l.out.mu.Unlock()
}

// Fatalf logs the message and halts the calling core. It is not maskable and
// does not return.
func (l *Logger) Fatalf(format string, params ...interface{}) {
	msg := fmt.Sprintf(format, params...)
	l.logf(fatalMask, "%s", msg)
	panic(&Halt{Core: l.core, Msg: msg})
}

// Errorf logs using the ErrorMask level.
func (l *Logger) Errorf(format string, params ...interface{}) {
	l.logf(ErrorMask, format, params...)
}

// Warnf logs using the WarnMask level.
func (l *Logger) Warnf(format string, params ...interface{}) {
	l.logf(WarnMask, format, params...)
}

// Infof logs using the InfoMask level.
func (l *Logger) Infof(format string, params ...interface{}) {
	l.logf(InfoMask, format, params...)
}

// Debugf logs using the DebugMask level.
func (l *Logger) Debugf(format string, params ...interface{}) {
	l.logf(DebugMask, format, params...)
}

// Statsf logs using the StatsMask level; category shows up in brackets.
func (l *Logger) Statsf(category string, format string, params ...interface{}) {
	l.logf(StatsMask, "["+category+"] "+format, params...)
}

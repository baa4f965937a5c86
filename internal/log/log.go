// Package log is a small leveled logger: plain key/value pairs,
// colorized when attached to a terminal.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "EROR"
	default:
		return "????"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, key/value structured log lines. It is safe
// for concurrent use by many worker goroutines; subsystems derive
// child loggers from one root via New.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
	min      Level
	ctx      []interface{}
}

// Root is the process-wide default logger. Components may derive a
// scoped child via New.
var Root = NewStderr(LevelInfo)

func NewStderr(min Level) *Logger {
	colorize := isatty.IsTerminal(os.Stderr.Fd())
	var out io.Writer = os.Stderr
	if colorize {
		out = colorable.NewColorableStderr()
	}
	return &Logger{out: out, colorize: colorize, min: min}
}

// New returns a child logger that prefixes every line with extra context.
func (l *Logger) New(ctx ...interface{}) *Logger {
	n := &Logger{out: l.out, colorize: l.colorize, min: l.min}
	n.ctx = append(append([]interface{}{}, l.ctx...), ctx...)
	return n
}

func (l *Logger) SetLevel(lv Level) { l.min = lv }

func (l *Logger) log(lv Level, msg string, ctx []interface{}) {
	if lv < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	lvStr := lv.String()
	if l.colorize {
		lvStr = levelColor[lv].Sprint(lvStr)
	}
	fmt.Fprintf(l.out, "%s [%s] %s", ts, lvStr, msg)
	all := append(append([]interface{}{}, l.ctx...), ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Debug(msg string, ctx ...interface{}) { l.log(LevelDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.log(LevelInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.log(LevelWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.log(LevelError, msg, ctx) }

func Debug(msg string, ctx ...interface{}) { Root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root.Error(msg, ctx...) }

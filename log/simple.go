package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

var DefaultSimpleLogger Logger = NewLogger()

type SimpleLogger struct {
	lock       sync.Mutex
	output     io.Writer
	formatFunc func(level, s string) string
	debug      bool
	color      bool
}

func NewLogger() *SimpleLogger {
	return &SimpleLogger{
		output:     os.Stderr,
		formatFunc: DefaultFormatFunc,
	}
}

func (s *SimpleLogger) SetOutput(w io.Writer) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if w != nil {
		s.output = w
	} else {
		s.output = io.Discard
	}
}

func (s *SimpleLogger) SetFormatFunc(f func(level, s string) string) {
	if f != nil {
		s.formatFunc = f
	}
}

func (s *SimpleLogger) SetDebug(debug bool) {
	s.debug = debug
}

func (s *SimpleLogger) SetColor(color bool) {
	s.color = color
}

func (s *SimpleLogger) EnableColor() bool {
	return s.color
}

func (s *SimpleLogger) Print(level Level, a ...any) {
	if level == Debug && !s.debug {
		return
	}
	str := strings.TrimSpace(fmt.Sprint(a...))
	levelStr := string(level)
	if s.color {
		levelStr = GetColor(level.color()).Sprint(levelStr)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	fmt.Fprintln(s.output, s.formatFunc(levelStr, str))
}

func (s *SimpleLogger) Info(a ...any) {
	s.Print(Info, a...)
}

func (s *SimpleLogger) Warn(a ...any) {
	s.Print(Warn, a...)
}

func (s *SimpleLogger) Error(a ...any) {
	s.Print(Error, a...)
}

func (s *SimpleLogger) Debug(a ...any) {
	s.Print(Debug, a...)
}

func (s *SimpleLogger) Fatal(a ...any) {
	s.Print(Fatal, a...)
}

// NopLogger drops everything. Library callers that do not care about logs
// pass it to the backends.
type NopLogger struct{}

func (NopLogger) Info(...any)         {}
func (NopLogger) Warn(...any)         {}
func (NopLogger) Error(...any)        {}
func (NopLogger) Debug(...any)        {}
func (NopLogger) Fatal(...any)        {}
func (NopLogger) Print(Level, ...any) {}

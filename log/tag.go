package log

import (
	"fmt"

	"github.com/fatih/color"
)

type tagLogger struct {
	tag   string
	color color.Attribute
	Logger
}

func NewTagLogger(rootLogger Logger, tag string) Logger {
	return &tagLogger{
		tag:    tag,
		Logger: rootLogger,
	}
}

func (t *tagLogger) SetColor(c color.Attribute) {
	t.color = c
}

func (t *tagLogger) EnableColor() bool {
	if cl, ok := t.Logger.(ColorLogger); ok {
		return cl.EnableColor()
	}
	return false
}

func (t *tagLogger) prefix() string {
	if t.color != 0 && t.EnableColor() {
		return fmt.Sprintf("[%s]", GetColor(t.color).Sprint(t.tag))
	}
	return fmt.Sprintf("[%s]", t.tag)
}

func (t *tagLogger) Print(level Level, a ...any) {
	t.Logger.Print(level, fmt.Sprintf("%s %s", t.prefix(), fmt.Sprint(a...)))
}

func (t *tagLogger) Info(a ...any) {
	t.Print(Info, a...)
}

func (t *tagLogger) Warn(a ...any) {
	t.Print(Warn, a...)
}

func (t *tagLogger) Error(a ...any) {
	t.Print(Error, a...)
}

func (t *tagLogger) Debug(a ...any) {
	t.Print(Debug, a...)
}

func (t *tagLogger) Fatal(a ...any) {
	t.Print(Fatal, a...)
}

package log

import (
	"context"
	"fmt"
	"time"

	"github.com/yaotthaha/nlset/lib/tools"

	"github.com/fatih/color"
)

type contextTag struct{}

type contextMsg struct {
	id    string
	op    string
	color color.Attribute
	start time.Time
}

// AddContextTag marks ctx as one operation. Every line logged through a
// ContextLogger with this ctx carries the id, the operation name and the
// elapsed time.
func AddContextTag(ctx context.Context, op string) context.Context {
	msg := &contextMsg{
		id:    tools.RandomNumStr(6),
		op:    op,
		color: RandomColor(),
		start: time.Now(),
	}
	return context.WithValue(ctx, (*contextTag)(nil), msg)
}

func GetContextTag(ctx context.Context) string {
	v, _ := ctx.Value((*contextTag)(nil)).(*contextMsg)
	if v == nil {
		return ""
	}
	return v.id
}

type contextLogger struct {
	Logger
}

func NewContextLogger(rootLogger Logger) ContextLogger {
	return &contextLogger{
		Logger: rootLogger,
	}
}

func (c *contextLogger) EnableColor() bool {
	if cl, ok := c.Logger.(ColorLogger); ok {
		return cl.EnableColor()
	}
	return false
}

func (c *contextLogger) PrintContext(ctx context.Context, level Level, a ...any) {
	v, _ := ctx.Value((*contextTag)(nil)).(*contextMsg)
	if v == nil {
		c.Print(level, a...)
		return
	}
	tag := fmt.Sprintf("%s %s %dms", v.id, v.op, time.Since(v.start).Milliseconds())
	if c.EnableColor() {
		tag = GetColor(v.color).Sprint(tag)
	}
	c.Print(level, fmt.Sprintf("[%s] %s", tag, fmt.Sprint(a...)))
}

func (c *contextLogger) InfoContext(ctx context.Context, a ...any) {
	c.PrintContext(ctx, Info, a...)
}

func (c *contextLogger) WarnContext(ctx context.Context, a ...any) {
	c.PrintContext(ctx, Warn, a...)
}

func (c *contextLogger) ErrorContext(ctx context.Context, a ...any) {
	c.PrintContext(ctx, Error, a...)
}

func (c *contextLogger) DebugContext(ctx context.Context, a ...any) {
	c.PrintContext(ctx, Debug, a...)
}

package log

import (
	"math/rand"
	"sync"

	"github.com/fatih/color"
)

var colors sync.Map

func GetColor(c color.Attribute) *color.Color {
	cc, _ := colors.LoadOrStore(c, color.New(c))
	return cc.(*color.Color)
}

// RandomColor picks one of the six foreground colours between red and cyan.
func RandomColor() color.Attribute {
	return color.Attribute(int(color.FgRed) + rand.Intn(6))
}

package main

import (
	"os"

	"github.com/yaotthaha/nlset/cmd/nlset"
)

func main() {
	if err := nlset.Run(); err != nil {
		os.Exit(1)
	}
}

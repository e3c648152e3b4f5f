package main

import (
	"os"

	"github.com/leftmike/kvcore/cmd"
)

func main() {
	if cmd.Execute() != nil {
		os.Exit(1)
	}
}

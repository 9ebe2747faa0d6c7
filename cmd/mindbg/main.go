package main

import (
	"os"

	"github.com/mindbg/mindbg/cmd/mindbg/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}

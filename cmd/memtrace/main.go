package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/memtrace/memtrace/cmd/memtrace/command"
)

func main() {
	if err := command.Execute(); err != nil {
		os.Stderr.Write([]byte(color.RedString("Error: ") + err.Error() + "\n"))
		os.Exit(1)
	}
}

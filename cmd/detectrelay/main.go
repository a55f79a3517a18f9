package main

import (
	"os"

	"github.com/psantana5/detectrelay/cmd/detectrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

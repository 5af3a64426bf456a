package main

import (
	"os"

	"github.com/psantana5/wasmhost/cmd/wasmhost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

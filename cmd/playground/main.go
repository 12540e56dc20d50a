package main

import (
	"os"

	"github.com/kit-playground/playground/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the ocimirror server.
package main

import (
	"os"

	"github.com/ocimirror/ocimirror/cmd/ocimirror/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

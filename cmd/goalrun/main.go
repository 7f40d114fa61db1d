// Package main is the entry point for the goalrun CLI.
package main

import (
	"os"

	"github.com/KafClaw/goalrun/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main provides the entry point for the notewise CLI.
package main

import (
	"os"

	"github.com/notewise/notewise/cmd/notewise/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

// Package main is the entrypoint for fieldctl, the fieldops admin CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/fieldops/internal/cli"
)

func main() {
	_ = godotenv.Load()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

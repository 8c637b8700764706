package main

import (
	"os"

	"github.com/edisonhq/edison/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

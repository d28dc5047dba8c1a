package main

import (
	"os"

	"github.com/lazypower/karmagraph/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

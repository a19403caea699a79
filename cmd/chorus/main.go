package main

import (
	"os"

	"github.com/ent0n29/chorus/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

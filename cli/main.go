package main

import (
	"os"

	"github.com/edamame-systems/edamame-stack/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/marmos91/fabstream/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/lvcoi/ytgate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/refsmith/downloader/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"taskwarden/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/RomainBuono/Emergency-manager/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

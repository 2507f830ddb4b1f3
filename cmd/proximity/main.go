package main

import (
	"os"

	"github.com/charmbracelet/log"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		log.Error("proximity failed", "err", err)
		os.Exit(1)
	}
}

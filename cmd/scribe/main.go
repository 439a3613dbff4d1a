package main

import (
	"os"

	"github.com/meetsynth/transcribe-gateway/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

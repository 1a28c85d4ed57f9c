package main

import (
	"github.com/awnumar/memguard"

	"github.com/jmcleod/certkeep/cmd/certkeep/cmd"
)

func main() {
	// Wipe guarded password buffers on SIGINT/SIGTERM and on exit.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}

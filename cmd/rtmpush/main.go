// Package main is the entry point for the rtmpush relay.
package main

import (
	"os"

	"github.com/jmylchreest/rtmpush/cmd/rtmpush/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

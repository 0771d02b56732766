// Package main is the entry point for the pulsetree CLI application
package main

import (
	"fmt"
	"os"

	"github.com/pulsepoint/pulsetree/internal/cli"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"go.uber.org/zap"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	defer logger.Sync()

	// Set version info for CLI
	cli.SetVersionInfo(Version, BuildDate)

	// Execute the root command
	if err := cli.Execute(); err != nil {
		logger.Error("pulsetree execution failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
}

// Package cli implements the command-line interface for pulsetree
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/pulsepoint/pulsetree/internal/config"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	verboseMode bool
	version     = "dev"
	buildDate   = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pulsetree",
	Short: "pulsetree - serve a live instance tree of your project",
	Long: `pulsetree watches a project directory, turns it into a tree of typed
instances described by the project manifest, and serves that tree plus an
incremental change feed over HTTP.

Clients read the tree by instance id and long-poll (or open a WebSocket) for
changes after a cursor, so they stay in sync without re-reading everything.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, bd string) {
	version = v
	buildDate = bd
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildDate)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pulsetree/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseMode, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(historyCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.Configure(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.DefaultDir())
		viper.AddConfigPath("/etc/pulsetree/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// A missing config file is fine, the defaults apply
	if err := viper.ReadInConfig(); err == nil && verboseMode {
		logger.Info("Using config file", zap.String("file", viper.ConfigFileUsed()))
	}
}

// loadConfig decodes the merged configuration and sets up logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.LogConfig(verboseMode)); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// configFilePath is where config set and init write to
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(config.DefaultDir(), "config.yaml")
}

package main

import (
	"fmt"
	"os"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/spf13/cobra"

	"github.com/unixpickle/primeempire/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "primeempire",
	Short:        "Distributed non-prime search with redundant verification",
	SilenceUsage: true,
}

func init() {
	cobra.EnablePrefixMatching = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.AddCommand(newMasterCommand(), newWorkerCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "primeempire failed:", err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file, or the defaults when
// no file was given.
func loadConfig() (*config.Config, error) {
	var c *config.Config
	if configPath == "" {
		c = config.Default()
	} else {
		var err error
		c, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	return c, nil
}

func newLogger(c *config.Config, name string) (logging.Logger, error) {
	level, err := logging.ToLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", config.ErrInvalidConfig, c.LogLevel)
	}
	core := logging.NewWrappedCore(level, os.Stderr, logging.Colors.ConsoleEncoder())
	return logging.NewLogger(name, core), nil
}

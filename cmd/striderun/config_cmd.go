package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/codefionn/striderun/internal/config"
	"github.com/spf13/cobra"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default settings",
	Long: `Write the default configuration to the file given by --config, or to the
user config directory. An existing file is left alone unless --force is set.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing configuration file")
}

func resolveConfigPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetConfigPath()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()

	if _, err := os.Stat(path); err == nil {
		if !configInitForce {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by the linker: -ldflags "-X main.version=..."
var version = "dev"

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "striderun",
	Short: "Compile-and-run server for the Stride editor",
	Long: `striderun accepts WebSocket connections from the Stride editor, writes the
submitted source to a per-session workspace file, runs the cstride compiler
on it and streams the output back.

Use 'striderun help <command>' for more information on a specific command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON); defaults to the user config directory")
}

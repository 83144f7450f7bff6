// Command amesh-control is the administrative CLI that seeds the directory
// with node descriptors from one or more INI config files, and queries or
// prunes what is currently registered.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPaths []string
	debug       bool
)

const defaultConfigPath = "/usr/local/etc/amesh/amesh-control.conf"

var rootCmd = &cobra.Command{
	Use:          "amesh-control",
	Short:        "Administrative CLI for seeding the amesh directory",
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringArrayVarP(&configPaths, "config", "c", []string{defaultConfigPath},
		"amesh control config file (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logs")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ce configError
		if errors.As(err, &ce) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func controlLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

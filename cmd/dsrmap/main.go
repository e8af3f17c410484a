// SPDX-License-Identifier: Apache-2.0

// Command dsrmap maps Drug Safety Report sections onto a regulatory template
// and resolves supporting evidence from the IB, PBRER and literature.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pvsafety/dsrmap/internal/config"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals are the persistent flags every subcommand shares.
type globals struct {
	configPath string
	logLevel   string
	stderr     io.Writer
}

func (g *globals) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(g.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", g.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(g.stderr, &slog.HandlerOptions{Level: level})), nil
}

func (g *globals) config() (config.Config, error) {
	return config.Load(g.configPath)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stderr: stderr}
	root := &cobra.Command{
		Use:           "dsrmap",
		Short:         "Map DSR sections onto a regulatory template and trace their evidence",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(mapCmd(g))
	root.AddCommand(serveCmd(g))
	root.AddCommand(slicePBRERCmd(g))
	root.AddCommand(configCmd(g))
	return root
}

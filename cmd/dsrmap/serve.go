// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/pvsafety/dsrmap/internal/tool"
)

func serveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the parse, map and resolve tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := g.logger()
			if err != nil {
				return err
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			logger.Info("starting MCP server", "transport", "stdio", "version", Version)
			return tool.NewServer(cfg, logger, Version).Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}

// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/pvsafety/dsrmap/internal/evidence/parsers"
)

func slicePBRERCmd(g *globals) *cobra.Command {
	var pages, output string
	cmd := &cobra.Command{
		Use:   "slice-pbrer <pbrer.pdf>",
		Short: "Cut a PBRER PDF into numbered sections by page range",
		Long: `Cut a PBRER PDF into sections and write them as a YAML section index
that map accepts as --pbrer.

Example:
  dsrmap slice-pbrer pbrer.pdf --pages "5:1-20, 5.1:21-45" -o pbrer.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger()
			if err != nil {
				return err
			}
			specs, err := parsers.ParsePageSpec(pages)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read pbrer: %w", err)
			}
			sections, err := parsers.SlicePages(content, specs)
			if err != nil {
				return err
			}

			index := make(yaml.MapSlice, 0, len(sections))
			for _, s := range sections {
				entry := yaml.MapSlice{
					{Key: "heading", Value: s.Heading},
					{Key: "body", Value: s.Body},
				}
				if s.Pages.Start > 0 {
					entry = append(entry, yaml.MapItem{Key: "pages", Value: fmt.Sprintf("%d-%d", s.Pages.Start, s.Pages.End)})
				}
				index = append(index, yaml.MapItem{Key: s.ID, Value: entry})
			}
			data, err := yaml.MarshalWithOptions(index, yaml.UseLiteralStyleIfMultiline(true))
			if err != nil {
				return fmt.Errorf("encode sections: %w", err)
			}
			logger.Info("sliced pbrer", "file", args[0], "sections", len(sections))
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&pages, "pages", "", `page ranges per section, such as "5:1-20, 5.1:21-45"`)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("pages")
	return cmd
}

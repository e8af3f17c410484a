// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/run"
)

func mapCmd(g *globals) *cobra.Command {
	var (
		in          run.Inputs
		outputDir   string
		metricsFile string
		noVectors   bool
	)
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Map a DSR onto a template and write the mapping and evidence deliverables",
		Long: `Map every in-scope template section to its DSR counterpart, resolve the
supporting IB, PBRER and literature passages, and write mapping.md,
mapping.csv, evidence.md and snapshot.json to the output directory.

Examples:
  dsrmap map --template template.docx --dsr dsr.pdf --ib ib.pdf --pbrer pbrer.yaml
  dsrmap map --template template.txt --dsr-index index.csv --sections-dir sections --scope 1-6
  dsrmap map --template template.txt --dsr dsr.md --no-vectors --output out/run1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if in.DSR == "" && in.DSRIndex == "" {
				return fmt.Errorf("one of --dsr or --dsr-index is required")
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.Output.Dir = outputDir
			}
			if metricsFile != "" {
				cfg.Output.MetricsFile = metricsFile
			}
			if noVectors {
				cfg.Embedding.Provider = embed.ProviderNone
			}

			out, err := run.Run(cmd.Context(), cfg, in, run.WithLogger(logger))
			if err != nil {
				return err
			}
			c := out.Snapshot.Counts
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d/%d sections matched, evidence found for %d, vector mode %s\n",
				out.RunID, c.Matched, c.TemplateSections, c.EvidenceFound, out.Snapshot.VectorMode)
			for _, o := range out.Omissions {
				fmt.Fprintf(cmd.OutOrStdout(), "omitted %s %s: %s\n", o.Kind, o.Document, o.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfg.Output.Dir)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.Template, "template", "", "template file (.txt or .docx)")
	f.StringVar(&in.Scope, "scope", "", "template section range, such as 1-6 or 3.2")
	f.StringVar(&in.DSR, "dsr", "", "DSR document (.pdf, .md or .yaml)")
	f.StringVar(&in.DSRIndex, "dsr-index", "", "CSV index of pre-extracted DSR sections")
	f.StringVar(&in.SectionsDir, "sections-dir", "", "directory holding the files named by --dsr-index")
	f.StringVar(&in.IB, "ib", "", "Investigator's Brochure")
	f.StringVar(&in.PBRER, "pbrer", "", "PBRER document or section index")
	f.StringVar(&in.Literature, "literature", "", "literature summaries (YAML or JSON map)")
	f.StringVarP(&outputDir, "output", "o", "", "output directory (overrides the config)")
	f.StringVar(&metricsFile, "metrics-file", "", "write Prometheus text-format metrics to this file")
	f.BoolVar(&noVectors, "no-vectors", false, "disable vector matching")
	_ = cmd.MarkFlagRequired("template")
	cmd.MarkFlagsMutuallyExclusive("dsr", "dsr-index")
	return cmd
}

package cmd

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/filing-archiver/internal/archive"
)

// newInspectCmd creates the 'inspect' subcommand, which lists the filings in a
// batch file.
func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <batch.tar>",
		Short: "List the filings stored in a batch file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := archive.ReadShard(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func printEntries(w io.Writer, entries []archive.Entry) error {
	var total int64
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s\t%-8s\t%d docs\t%s\n", e.Accession, formType(e.Metadata), len(e.Documents), humanBytes(e.Bytes)); err != nil {
			return err
		}
		total += e.Bytes
	}
	_, err := fmt.Fprintf(w, "%d filings, %s\n", len(entries), humanBytes(total))
	return err
}

// formType finds the submission type under standardized or raw header keys.
func formType(meta map[string]any) string {
	for _, key := range []string{"conformed-submission-type", "CONFORMED SUBMISSION TYPE", "type", "TYPE"} {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return "-"
}

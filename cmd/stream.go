package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/filing-archiver/internal/app"
	"github.com/JakeFAU/filing-archiver/internal/discovery"
	"github.com/JakeFAU/filing-archiver/internal/pipeline"
)

// newStreamCmd creates the 'stream' subcommand, which archives filings found by
// the full-text search API.
func newStreamCmd(root *rootOptions) *cobra.Command {
	var (
		q           discovery.Query
		allow, skip []string
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Archive filings matching a full-text search",
		Long: `Pages through full-text search results and downloads every hit while the
next page is requested. Discovery pauses whenever the download queue is full.
--allow limits downloads to the listed accession numbers; --skip excludes them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runArchive(cmd, root, pipeline.Request{
				Mode:  pipeline.ModeDiscovery,
				Query: q,
			}, app.Options{Allow: allow, Skip: skip})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&q.Text, "query", "", "full-text search terms")
	flags.StringSliceVar(&q.Forms, "form", nil, "form type filter, repeatable (e.g. 10-K)")
	flags.StringSliceVar(&q.CIKs, "cik", nil, "company CIK filter, repeatable")
	flags.StringVar(&q.StartDate, "start", "", "earliest filing date (YYYY-MM-DD)")
	flags.StringVar(&q.EndDate, "end", "", "latest filing date (YYYY-MM-DD)")
	flags.StringSliceVar(&allow, "allow", nil, "only archive these accession numbers")
	flags.StringSliceVar(&skip, "skip", nil, "never archive these accession numbers")
	return cmd
}

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/filing-archiver/internal/app"
	"github.com/JakeFAU/filing-archiver/internal/pipeline"
)

// newDownloadCmd creates the 'download' subcommand, which archives an explicit
// list of accession numbers.
func newDownloadCmd(root *rootOptions) *cobra.Command {
	var (
		accessions []string
		listFile   string
	)
	cmd := &cobra.Command{
		Use:   "download [accession...]",
		Short: "Archive the given accession numbers",
		Long: `Downloads each accession number from the configured archive endpoint
(fetch.base_url) and packs the decoded documents into tar batches. Accession
numbers can be given as arguments, with --accession, or one per line in
--accession-file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := append(append([]string{}, args...), accessions...)
			if listFile != "" {
				fromFile, err := readAccessionFile(listFile)
				if err != nil {
					return err
				}
				ids = append(ids, fromFile...)
			}
			if len(ids) == 0 {
				return fmt.Errorf("no accession numbers given")
			}
			return runArchive(cmd, root, pipeline.Request{
				Mode:       pipeline.ModeDirect,
				Accessions: ids,
			}, app.Options{})
		},
	}
	cmd.Flags().StringSliceVarP(&accessions, "accession", "a", nil, "accession number to archive, repeatable")
	cmd.Flags().StringVarP(&listFile, "accession-file", "f", "", "file with one accession number per line ('-' for stdin)")
	return cmd
}

// readAccessionFile reads one accession per line, skipping blanks and '#' comments.
func readAccessionFile(path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open accession file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return parseAccessionList(r)
}

func parseAccessionList(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			ids = append(ids, field)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read accession list: %w", err)
	}
	return ids, nil
}

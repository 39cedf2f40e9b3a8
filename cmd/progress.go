package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/JakeFAU/filing-archiver/internal/pipeline"
	"github.com/JakeFAU/filing-archiver/internal/progress"
)

const progressInterval = 500 * time.Millisecond

type snapshotter interface {
	Snapshot() (progress.Snapshot, bool)
}

// startProgressLine redraws a one-line status on w until the returned stop func is
// called. It does nothing when quiet is set or w is not a terminal.
func startProgressLine(ctx context.Context, src snapshotter, w io.Writer, quiet bool) func() {
	f, ok := w.(*os.File)
	if quiet || !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}
	}
	width := 80
	if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
		width = cols
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if snap, ok := src.Snapshot(); ok {
					fmt.Fprint(f, "\r"+fitLine(formatProgress(snap), width))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			fmt.Fprint(f, "\r"+strings.Repeat(" ", width-1)+"\r")
		})
	}
}

func formatProgress(s progress.Snapshot) string {
	total := "?"
	if s.Total > 0 {
		total = fmt.Sprint(s.Total)
	}
	return fmt.Sprintf("%d/%s filings | %d archived %d failed | %.1f files/s %.2f MB/s | %s",
		s.Processed, total, s.Archived, s.Failed, s.OpsPerSec, s.MBPerSec, s.Elapsed.Truncate(time.Second))
}

// fitLine pads or truncates line to width-1 columns so a carriage return fully
// overwrites the previous line.
func fitLine(line string, width int) string {
	n := width - 1
	if n <= 0 {
		return ""
	}
	if len(line) >= n {
		return line[:n]
	}
	return line + strings.Repeat(" ", n-len(line))
}

func printSummary(w io.Writer, s pipeline.Summary) {
	if s.RunID == uuid.Nil {
		fmt.Fprintln(w, "No filings were archived.")
		return
	}
	fmt.Fprintf(w, "Run %s (%s)\n", s.RunID, s.Mode)
	fmt.Fprintf(w, "  archived:  %d of %d\n", s.Archived, s.Targets)
	if s.Failed > 0 {
		fmt.Fprintf(w, "  failed:    %d (see %s)\n", s.Failed, s.ErrorLog)
	}
	if s.Abandoned > 0 {
		fmt.Fprintf(w, "  abandoned: %d\n", s.Abandoned)
	}
	if s.Invalid > 0 {
		fmt.Fprintf(w, "  invalid:   %d\n", s.Invalid)
	}
	if s.Search != nil {
		fmt.Fprintf(w, "  search:    %d pages, %d hits, %d skipped, %d duplicates\n",
			s.Search.Pages, s.Search.Hits, s.Search.Skipped, s.Search.Duplicates)
	}
	fmt.Fprintf(w, "  data:      %s in %s (%.1f files/s)\n",
		humanBytes(s.Bytes), s.Elapsed.Truncate(time.Millisecond), s.FilesPerSec)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

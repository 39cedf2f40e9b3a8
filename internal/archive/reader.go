package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Entry is one filing found in a batch file.
type Entry struct {
	Accession string
	Metadata  map[string]any
	Documents []string
	Bytes     int64
}

// ReadShard lists the filings stored in a batch file in write order.
func ReadShard(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		entries []Entry
		index   = map[string]int{}
	)
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("read %s: %w", path, err)
		}
		dir, name, ok := strings.Cut(hdr.Name, "/")
		if !ok {
			continue
		}
		i, seen := index[dir]
		if !seen {
			i = len(entries)
			index[dir] = i
			entries = append(entries, Entry{Accession: dir})
		}
		e := &entries[i]
		e.Bytes += hdr.Size
		if name != "metadata.json" {
			e.Documents = append(e.Documents, name)
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return entries, fmt.Errorf("read metadata for %s: %w", dir, err)
		}
		if err := json.Unmarshal(data, &e.Metadata); err != nil {
			return entries, fmt.Errorf("decode metadata for %s: %w", dir, err)
		}
	}
	return entries, nil
}

// Package errorlog persists per-filing failures to errors.json in the output directory.
package errorlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/accession"
)

// FileName is the name of the error log inside the output directory.
const FileName = "errors.json"

// Log records failures keyed by accession number. Every Record merges the new entry
// into whatever is already on disk, so partial runs keep their history.
type Log struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]string
}

// New returns a Log writing to <dir>/errors.json.
func New(dir string, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		path:    filepath.Join(dir, FileName),
		logger:  logger,
		entries: make(map[string]string),
	}
}

// Path returns the file the log writes to.
func (l *Log) Path() string {
	return l.path
}

// Record stores reason for id. Persistence failures are logged and otherwise ignored.
func (l *Log) Record(id accession.Number, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := id.NoDash()
	l.entries[key] = reason
	l.logger.Warn("filing failed", zap.String("accession", key), zap.String("reason", reason))

	if err := l.merge(key, reason); err != nil {
		l.logger.Error("error log write failed", zap.String("path", l.path), zap.Error(err))
	}
}

// Len returns the number of failures recorded during this run.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the failures recorded during this run.
func (l *Log) Entries() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// IDs returns the recorded accession numbers in sorted order.
func (l *Log) IDs() []string {
	entries := l.Entries()
	ids := make([]string, 0, len(entries))
	for k := range entries {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

func (l *Log) merge(key, reason string) error {
	existing, err := Load(l.path)
	if err != nil {
		return err
	}
	existing[key] = reason
	data, err := json.MarshalIndent(existing, "", "    ")
	if err != nil {
		return fmt.Errorf("encode error log: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create error log dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write error log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace error log: %w", err)
	}
	return nil
}

// Load reads an errors.json file. A missing file yields an empty map.
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read error log: %w", err)
	}
	out := map[string]string{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode error log: %w", err)
	}
	return out, nil
}

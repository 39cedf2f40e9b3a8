// Package archive writes decoded filings into sharded, size-bounded tar batches.
//
// Each accession number maps to one shard for the lifetime of the writer. A shard
// rolls over to a new file when the next record would push it past the configured
// ceiling, so a batch holds at least one record and never splits one across files.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/accession"
	"github.com/JakeFAU/filing-archiver/internal/clock/system"
	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/metrics"
)

// DefaultMaxBatchSize is the shard ceiling used when none is configured.
const DefaultMaxBatchSize int64 = 1024 * 1024 * 1024

// ErrClosed is reported for writes after CloseAll.
var ErrClosed = errors.New("archive writer closed")

// Config describes where and how shards are written.
type Config struct {
	Dir          string
	Shards       int
	MaxBatchSize int64
}

// ShardInfo describes a finished batch file.
type ShardInfo struct {
	Path     string
	Index    int
	Sequence int
	Size     int64
	Records  int
}

// Finalizer receives every shard file after it is closed.
type Finalizer interface {
	FinalizeShard(ctx context.Context, info ShardInfo) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, info ShardInfo) error

// FinalizeShard calls f.
func (f FinalizerFunc) FinalizeShard(ctx context.Context, info ShardInfo) error {
	return f(ctx, info)
}

// Option customizes a Writer.
type Option func(*Writer)

// WithLogger sets the writer's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithFinalizers registers hooks that run after each shard file is closed.
func WithFinalizers(finalizers ...Finalizer) Option {
	return func(w *Writer) {
		for _, f := range finalizers {
			if f != nil {
				w.finalizers = append(w.finalizers, f)
			}
		}
	}
}

// WithClock sets the clock used for tar entry timestamps.
func WithClock(clock filing.Clock) Option {
	return func(w *Writer) {
		if clock != nil {
			w.clock = clock
		}
	}
}

type shard struct {
	mu       sync.Mutex
	index    int
	sequence int
	file     *os.File
	tw       *tar.Writer
	size     int64
	records  int
	closed   bool
}

// Writer is a set of tar shards, each guarded by its own lock.
type Writer struct {
	cfg        Config
	ctx        context.Context
	logger     *zap.Logger
	clock      filing.Clock
	finalizers []Finalizer
	shards     []*shard
}

// NewWriter creates the output directory and opens the first batch of every shard.
// ctx is only used for finalizer calls; cancellation does not stop CloseAll from
// finalizing the last batches.
func NewWriter(ctx context.Context, cfg Config, opts ...Option) (*Writer, error) {
	if cfg.Shards <= 0 {
		return nil, fmt.Errorf("archive: shard count must be positive, got %d", cfg.Shards)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Dir == "" {
		return nil, errors.New("archive: output directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		ctx:    context.WithoutCancel(ctx),
		logger: zap.NewNop(),
		clock:  system.New(),
		shards: make([]*shard, cfg.Shards),
	}
	for _, opt := range opts {
		opt(w)
	}
	for i := range w.shards {
		s := &shard{index: i, sequence: 1}
		if err := w.open(s); err != nil {
			w.closeOpened(i)
			return nil, err
		}
		w.shards[i] = s
	}
	return w, nil
}

// Shards returns the number of shards.
func (w *Writer) Shards() int {
	return len(w.shards)
}

// ShardFor returns the shard index for id.
func (w *Writer) ShardFor(id accession.Number) int {
	return ShardFor(id, len(w.shards))
}

// ShardFor hashes the no-dash accession number into [0, n). The mapping is stable
// across runs and processes.
func ShardFor(id accession.Number, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxh3.HashString(id.NoDash()) % uint64(n))
}

// BatchPath returns the file name of a shard batch inside dir.
func BatchPath(dir string, index, sequence int) string {
	return filepath.Join(dir, fmt.Sprintf("batch_%03d_%03d.tar", index, sequence))
}

// Write appends record to its shard. It reports false when the record could not be
// written; the reason is logged.
func (w *Writer) Write(record filing.DecodedRecord) bool {
	if err := w.write(record); err != nil {
		w.logger.Error("archive write failed",
			zap.String("accession", record.ID.NoDash()),
			zap.Int("shard", w.ShardFor(record.ID)),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (w *Writer) write(record filing.DecodedRecord) error {
	if record.ID.IsZero() {
		return errors.New("record has no accession number")
	}
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	prefix := record.ID.NoDash()
	names := DocumentNames(record.Metadata, record.Documents)
	recordSize := int64(len(meta))
	for _, doc := range record.Documents {
		recordSize += int64(len(doc.Data))
	}

	s := w.shards[w.ShardFor(record.ID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.tw == nil {
		return fmt.Errorf("shard %d has no open batch", s.index)
	}
	if s.size > 0 && s.size+recordSize > w.cfg.MaxBatchSize {
		if err := w.rollover(s); err != nil {
			return err
		}
	}

	now := w.clock.Now()
	if err := writeEntry(s.tw, path.Join(prefix, "metadata.json"), meta, now); err != nil {
		return err
	}
	for i, doc := range record.Documents {
		if err := writeEntry(s.tw, path.Join(prefix, names[i]), doc.Data, now); err != nil {
			return err
		}
	}
	s.size += recordSize
	s.records++
	metrics.ObserveRecordWritten(recordSize)
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// rollover opens the next sequence of s and then closes the current batch. If the
// next file cannot be created the shard keeps writing to its current batch. Caller
// holds s.mu.
func (w *Writer) rollover(s *shard) error {
	next, err := w.create(s.index, s.sequence+1)
	if err != nil {
		return fmt.Errorf("rollover shard %d: %w", s.index, err)
	}
	info, closeErr := w.closeShard(s)
	s.file = next
	s.tw = tar.NewWriter(next)
	s.sequence++
	s.size = 0
	s.records = 0
	metrics.ObserveRollover()
	if closeErr != nil {
		w.logger.Error("close shard failed", zap.Int("shard", s.index), zap.Error(closeErr))
		return nil
	}
	w.finalize(info)
	w.logger.Info("shard rolled over",
		zap.Int("shard", s.index),
		zap.String("closed", info.Path),
		zap.Int64("bytes", info.Size),
		zap.Int("records", info.Records),
	)
	return nil
}

func (w *Writer) open(s *shard) error {
	f, err := w.create(s.index, s.sequence)
	if err != nil {
		return err
	}
	s.file = f
	s.tw = tar.NewWriter(f)
	return nil
}

func (w *Writer) create(index, sequence int) (*os.File, error) {
	f, err := os.OpenFile(BatchPath(w.cfg.Dir, index, sequence), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open shard %d: %w", index, err)
	}
	return f, nil
}

// closeShard flushes and closes the open batch of s. The handles are cleared even
// when closing fails.
func (w *Writer) closeShard(s *shard) (ShardInfo, error) {
	info := ShardInfo{
		Index:    s.index,
		Sequence: s.sequence,
		Size:     s.size,
		Records:  s.records,
	}
	if s.file == nil {
		return info, fmt.Errorf("shard %d has no open batch", s.index)
	}
	info.Path = s.file.Name()
	var twErr error
	if s.tw != nil {
		twErr = s.tw.Close()
	}
	fErr := s.file.Close()
	s.tw = nil
	s.file = nil
	if err := errors.Join(twErr, fErr); err != nil {
		return info, fmt.Errorf("close %s: %w", info.Path, err)
	}
	return info, nil
}

func (w *Writer) finalize(info ShardInfo) {
	for _, f := range w.finalizers {
		if err := f.FinalizeShard(w.ctx, info); err != nil {
			w.logger.Error("shard finalizer failed",
				zap.String("path", info.Path),
				zap.Int("shard", info.Index),
				zap.Error(err),
			)
		}
	}
}

func (w *Writer) closeOpened(n int) {
	for i := 0; i < n; i++ {
		if s := w.shards[i]; s != nil && s.file != nil {
			_, _ = w.closeShard(s)
		}
	}
}

// CloseAll closes every shard, finalizing each batch. It keeps going after a failure
// and returns all errors joined. Calling it again is a no-op.
func (w *Writer) CloseAll() error {
	var errs []error
	for _, s := range w.shards {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		s.closed = true
		info, err := w.closeShard(s)
		s.mu.Unlock()
		if err != nil {
			w.logger.Error("close shard failed", zap.Int("shard", s.index), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		w.finalize(info)
	}
	return errors.Join(errs...)
}

// DocumentNames picks a tar entry name for each document. Names set on the document
// win; otherwise the matching entry of the metadata "documents" list supplies its
// filename, or its sequence plus ".txt". Names are flattened to a single path element.
func DocumentNames(metadata map[string]any, docs []filing.Document) []string {
	listed := lookupList(metadata, "documents")
	names := make([]string, len(docs))
	used := make(map[string]bool, len(docs))
	for i, doc := range docs {
		name := doc.Name
		if name == "" && i < len(listed) {
			if entry, ok := listed[i].(map[string]any); ok {
				if fn := lookupString(entry, "filename"); fn != "" {
					name = fn
				} else if seq := lookupString(entry, "sequence"); seq != "" {
					name = seq + ".txt"
				}
			}
		}
		name = cleanName(name)
		if name == "" {
			name = fmt.Sprintf("document_%d.txt", i+1)
		}
		if used[name] {
			ext := path.Ext(name)
			stem := strings.TrimSuffix(name, ext)
			for n := 2; ; n++ {
				candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
				if !used[candidate] {
					name = candidate
					break
				}
			}
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func cleanName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// lookupList and lookupString match keys case-insensitively; decoders may or may
// not standardize metadata keys.
func lookupList(m map[string]any, key string) []any {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			if list, ok := v.([]any); ok {
				return list
			}
		}
	}
	return nil
}

func lookupString(m map[string]any, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Package processor decompresses, decodes and archives fetched filings on a
// bounded pool of CPU workers.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/metrics"
)

// Failure reasons written to the error log.
const (
	ReasonDecompress = "decompression error"
	ReasonParse      = "parsing error"
	ReasonWrite      = "failed to process file"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("processor closed")

// Config controls the worker pool.
type Config struct {
	// Workers defaults to runtime.NumCPU().
	Workers int
	Options filing.DecodeOptions
}

// Processor turns raw payloads into archived records.
type Processor struct {
	cfg           Config
	decoder       filing.Decoder
	writer        filing.ArchiveWriter
	errs          filing.ErrorRecorder
	decompressors Registry
	logger        *zap.Logger

	jobs      chan job
	group     errgroup.Group
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type job struct {
	payload filing.RawPayload
	done    chan filing.Outcome
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRegistry replaces the decompressor registry.
func WithRegistry(r Registry) Option {
	return func(p *Processor) {
		if r != nil {
			p.decompressors = r
		}
	}
}

// New starts the worker pool.
func New(cfg Config, decoder filing.Decoder, writer filing.ArchiveWriter, errs filing.ErrorRecorder, opts ...Option) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	p := &Processor{
		cfg:           cfg,
		decoder:       decoder,
		writer:        writer,
		errs:          errs,
		decompressors: DefaultRegistry(),
		logger:        zap.NewNop(),
		jobs:          make(chan job),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < cfg.Workers; i++ {
		p.group.Go(func() error {
			for j := range p.jobs {
				j.done <- p.handle(j.payload)
			}
			return nil
		})
	}
	return p
}

// Workers returns the pool size.
func (p *Processor) Workers() int {
	return p.cfg.Workers
}

// Process hands payload to the pool and waits for its outcome. Once a worker has
// accepted the payload it runs to completion even if ctx ends; ctx only bounds the
// wait for a free worker.
func (p *Processor) Process(ctx context.Context, payload filing.RawPayload) (filing.Outcome, error) {
	p.closeMu.RLock()
	if p.closed {
		p.closeMu.RUnlock()
		return filing.OutcomeAbandoned, ErrClosed
	}
	j := job{payload: payload, done: make(chan filing.Outcome, 1)}
	select {
	case p.jobs <- j:
		p.closeMu.RUnlock()
	case <-ctx.Done():
		p.closeMu.RUnlock()
		return filing.OutcomeAbandoned, fmt.Errorf("submit %s: %w", payload.ID.NoDash(), context.Cause(ctx))
	}
	return <-j.done, nil
}

// Close stops accepting work and waits for running jobs to finish.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		close(p.jobs)
		p.closeMu.Unlock()
		_ = p.group.Wait()
	})
}

func (p *Processor) handle(payload filing.RawPayload) filing.Outcome {
	logger := p.logger.With(zap.String("accession", payload.ID.NoDash()))

	data := joinChunks(payload.Chunks)
	if d, ok := p.decompressors.Lookup(payload.ContentType); ok {
		out, err := d.Decompress(data)
		if err != nil {
			p.fail(payload, "decompress", fmt.Sprintf("%s: %v", ReasonDecompress, err))
			return filing.OutcomeFailed
		}
		data = out
	}

	meta, docs, err := p.decoder.Decode(data, p.cfg.Options)
	if err != nil {
		p.fail(payload, "decode", fmt.Sprintf("%s: %v", ReasonParse, err))
		return filing.OutcomeFailed
	}

	record := filing.DecodedRecord{
		ID:        payload.ID,
		Metadata:  meta,
		Documents: make([]filing.Document, len(docs)),
	}
	for i, d := range docs {
		record.Documents[i] = filing.Document{Data: d}
	}
	if !p.writer.Write(record) {
		p.fail(payload, "write", ReasonWrite)
		return filing.OutcomeFailed
	}
	logger.Debug("filing archived", zap.Int("documents", len(docs)))
	return filing.OutcomeArchived
}

func (p *Processor) fail(payload filing.RawPayload, stage, reason string) {
	metrics.ObserveProcessFailure(stage)
	p.errs.Record(payload.ID, reason)
}

func joinChunks(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	return bytes.Join(chunks, nil)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/filing-archiver/internal/accession"
	"github.com/JakeFAU/filing-archiver/internal/archive"
	"github.com/JakeFAU/filing-archiver/internal/discovery"
	"github.com/JakeFAU/filing-archiver/internal/errorlog"
	collyfetcher "github.com/JakeFAU/filing-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/progress"
	"github.com/JakeFAU/filing-archiver/internal/publisher"
	pubmemory "github.com/JakeFAU/filing-archiver/internal/publisher/memory"
)

func accessionAt(i int) string {
	return fmt.Sprintf("0000320193-24-%06d", i)
}

func submission(id accession.Number) string {
	return fmt.Sprintf(`<SEC-DOCUMENT>%[1]s.txt : 20240102
<SEC-HEADER>%[1]s.hdr.sgml : 20240102
ACCESSION NUMBER:		%[1]s
CONFORMED SUBMISSION TYPE:	8-K
</SEC-HEADER>
<DOCUMENT>
<TYPE>8-K
<SEQUENCE>1
<FILENAME>form8k.htm
<TEXT>
<html>%[1]s</html>
</TEXT>
</DOCUMENT>
</SEC-DOCUMENT>
`, id.Dash())
}

// archiveServer serves submissions by "<nodash>.sgml" path. Paths listed in status get
// that status code; paths in garbage get an undecodable body.
type archiveServer struct {
	status  map[string]int
	garbage map[string]bool
	mu      sync.Mutex
	auth    []string
}

func (a *archiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.auth = append(a.auth, r.Header.Get("Authorization"))
	a.mu.Unlock()

	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".sgml")
	id, err := accession.Parse(name)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if code, ok := a.status[id.NoDash()]; ok {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	if a.garbage[id.NoDash()] {
		_, _ = w.Write([]byte("not a submission"))
		return
	}
	_, _ = w.Write([]byte(submission(id)))
}

type captureSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *captureSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) count(stage progress.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evt := range s.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

func newOrchestrator(t *testing.T, dir string, baseURL string, cfg Config, deps Dependencies) *Orchestrator {
	t.Helper()
	cfg.OutputDir = dir
	cfg.BaseURL = baseURL
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	deps.Fetcher = collyfetcher.New(collyfetcher.Config{Timeout: 10 * time.Second})
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o
}

func readAll(t *testing.T, dir string) (map[string]int, int) {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "batch_*.tar"))
	require.NoError(t, err)
	perFile := map[string]int{}
	total := 0
	for _, f := range files {
		entries, err := archive.ReadShard(f)
		require.NoError(t, err)
		perFile[filepath.Base(f)] = len(entries)
		total += len(entries)
	}
	return perFile, total
}

func TestRunDirectEndToEnd(t *testing.T) {
	t.Parallel()

	ids := make([]string, 0, 12)
	for i := 1; i <= 12; i++ {
		ids = append(ids, accessionAt(i))
	}
	ids = append(ids, accessionAt(3), "0000320193-24-000001", "bogus")

	notFound := accession.MustParse(accessionAt(4)).NoDash()
	broken := accession.MustParse(accessionAt(7)).NoDash()
	handler := &archiveServer{status: map[string]int{notFound: http.StatusNotFound}, garbage: map[string]bool{broken: true}}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	sink := &captureSink{}
	pub := pubmemory.New()
	o := newOrchestrator(t, dir, srv.URL+"/", Config{MaxShards: 4, Concurrency: 3, RequireAPIKey: true}, Dependencies{
		Sinks: []progress.Sink{sink},
		Finalizers: func(runID uuid.UUID) []archive.Finalizer {
			return []archive.Finalizer{publisher.NewShardNotifier(pub, runID, fixedClock{})}
		},
	})

	summary, err := o.Run(context.Background(), Request{Mode: ModeDirect, Accessions: ids})
	require.NoError(t, err)
	require.Equal(t, int64(12), summary.Targets)
	require.Equal(t, int64(10), summary.Archived)
	require.Equal(t, int64(2), summary.Failed)
	require.Zero(t, summary.Abandoned)
	require.Equal(t, 1, summary.Invalid)
	require.Equal(t, 4, summary.Shards)

	perFile, total := readAll(t, dir)
	require.Equal(t, 10, total)
	require.LessOrEqual(t, len(perFile), 4)

	logged, err := errorlog.Load(filepath.Join(dir, errorlog.FileName))
	require.NoError(t, err)
	require.Len(t, logged, 2)
	require.Equal(t, "download failed: status 404", logged[notFound])
	require.True(t, strings.HasPrefix(logged[broken], "parsing error"))

	snap, ok := o.Snapshot()
	require.True(t, ok)
	require.Equal(t, int64(12), snap.Processed)
	require.Zero(t, snap.Remaining)

	require.Equal(t, 12, sink.count(progress.StageFetchDone))
	require.Equal(t, 1, sink.count(progress.StageRunDone))
	require.Equal(t, 4, sink.count(progress.StageShardClosed))
	notes := pub.Messages(publisher.ShardClosedEvent)
	require.Len(t, notes, 4)
	var records int
	for _, m := range notes {
		var msg publisher.ShardMessage
		require.NoError(t, m.Decode(&msg))
		require.Equal(t, summary.RunID.String(), msg.RunID)
		records += msg.Records
	}
	require.Equal(t, 10, records)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.auth, 12)
	for _, h := range handler.auth {
		require.Equal(t, "Bearer test-key", h)
	}
}

func TestRunDirectAbortsOnUnauthorized(t *testing.T) {
	t.Parallel()

	ids := make([]string, 0, 12)
	for i := 1; i <= 12; i++ {
		ids = append(ids, accessionAt(i))
	}
	rejected := accession.MustParse(accessionAt(3)).NoDash()
	srv := httptest.NewServer(&archiveServer{status: map[string]int{rejected: http.StatusUnauthorized}})
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	sink := &captureSink{}
	o := newOrchestrator(t, dir, srv.URL+"/", Config{MaxShards: 2, Concurrency: 1, QueueCapacity: 2}, Dependencies{
		Sinks: []progress.Sink{sink},
	})

	summary, err := o.Run(context.Background(), Request{Mode: ModeDirect, Accessions: ids})
	require.ErrorIs(t, err, filing.ErrUnauthorized)
	require.Equal(t, int64(2), summary.Archived)
	require.Equal(t, int64(1), summary.Failed)
	require.Equal(t, int64(9), summary.Abandoned)
	require.Equal(t, int64(12), summary.Archived+summary.Failed+summary.Abandoned)

	snap, ok := o.Snapshot()
	require.True(t, ok)
	require.Equal(t, int64(12), snap.Processed, "abandoned targets count as processed")
	require.Zero(t, snap.Remaining)

	_, total := readAll(t, dir)
	require.Equal(t, 2, total)

	logged, err := errorlog.Load(filepath.Join(dir, errorlog.FileName))
	require.NoError(t, err)
	require.Equal(t, map[string]string{rejected: filing.ErrUnauthorized.Error()}, logged)
	require.Equal(t, 1, sink.count(progress.StageRunError))
}

func TestRunDiscovery(t *testing.T) {
	t.Parallel()

	archiveHandler := &archiveServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("from") != "0" {
			_, _ = w.Write([]byte(`{"hits":{"total":{"value":3},"hits":[]}}`))
			return
		}
		hits := make([]string, 0, 3)
		for i := 1; i <= 3; i++ {
			hits = append(hits, fmt.Sprintf(`{"_id":"%s:d.htm","_source":{"ciks":["0000320193"]}}`, accessionAt(i)))
		}
		_, _ = fmt.Fprintf(w, `{"hits":{"total":{"value":3},"hits":[%s]}}`, strings.Join(hits, ","))
	})
	mux.Handle("/", archiveHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	o := newOrchestrator(t, dir, "", Config{
		MaxShards:   2,
		Concurrency: 2,
		Discovery: discovery.Config{
			SearchURL:   srv.URL + "/search",
			URLTemplate: srv.URL + "/{accession_nodash}.sgml",
		},
	}, Dependencies{})

	summary, err := o.Run(context.Background(), Request{Mode: ModeDiscovery, Query: discovery.Query{Forms: []string{"8-K"}}})
	require.NoError(t, err)
	require.Equal(t, int64(3), summary.Targets)
	require.Equal(t, int64(3), summary.Archived)
	require.NotNil(t, summary.Search)
	require.Equal(t, 3, summary.Search.Queued)
	require.Equal(t, 2, summary.Shards)

	_, total := readAll(t, dir)
	require.Equal(t, 3, total)
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	o := newOrchestrator(t, dir, "https://archive.test/", Config{RequireAPIKey: true}, Dependencies{})
	o.cfg.APIKey = ""
	_, err := o.Run(context.Background(), Request{Mode: ModeDirect, Accessions: []string{accessionAt(1)}})
	require.ErrorIs(t, err, filing.ErrMissingAPIKey)

	o = newOrchestrator(t, dir, "", Config{}, Dependencies{})
	_, err = o.Run(context.Background(), Request{Mode: ModeDirect, Accessions: []string{accessionAt(1)}})
	require.ErrorIs(t, err, ErrNoBaseURL)

	_, err = o.Run(context.Background(), Request{Mode: ModeDiscovery})
	require.ErrorIs(t, err, discovery.ErrNoQuery)

	_, err = o.Run(context.Background(), Request{Mode: "bulk"})
	require.Error(t, err)

	o = newOrchestrator(t, dir, "https://archive.test/", Config{}, Dependencies{})
	summary, err := o.Run(context.Background(), Request{Mode: ModeDirect, Accessions: []string{"x", "y"}})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Invalid)
	require.Zero(t, summary.Targets)

	_, ok := o.Snapshot()
	require.False(t, ok)

	matches, err := filepath.Glob(filepath.Join(dir, "batch_*.tar"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(Config{OutputDir: t.TempDir()}, Dependencies{})
	require.Error(t, err)

	_, err = New(Config{}, Dependencies{Fetcher: collyfetcher.New(collyfetcher.Config{})})
	require.Error(t, err)
}

func TestRunCanceledByCaller(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	o := newOrchestrator(t, t.TempDir(), srv.URL+"/", Config{Concurrency: 1}, Dependencies{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	summary, err := o.Run(ctx, Request{Mode: ModeDirect, Accessions: []string{accessionAt(1), accessionAt(2)}})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, filing.ErrUnauthorized))
	require.Equal(t, int64(2), summary.Abandoned)
	snap, ok := o.Snapshot()
	require.True(t, ok)
	require.Equal(t, snap.Total, snap.Processed)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }

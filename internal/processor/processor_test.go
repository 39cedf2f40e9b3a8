package processor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/filing-archiver/internal/accession"
	"github.com/JakeFAU/filing-archiver/internal/filing"
)

type fakeWriter struct {
	mu      sync.Mutex
	records []filing.DecodedRecord
	fail    bool
}

func (w *fakeWriter) Write(r filing.DecodedRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return false
	}
	w.records = append(w.records, r)
	return true
}

type fakeErrors struct {
	mu      sync.Mutex
	entries map[string]string
}

func (e *fakeErrors) Record(id accession.Number, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entries == nil {
		e.entries = map[string]string{}
	}
	e.entries[id.NoDash()] = reason
}

func (e *fakeErrors) get(id accession.Number) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[id.NoDash()]
}

// echoDecoder returns the body as a single document, failing on "bad".
var echoDecoder = filing.DecoderFunc(func(data []byte, _ filing.DecodeOptions) (map[string]any, [][]byte, error) {
	if bytes.Equal(data, []byte("bad")) {
		return nil, nil, errors.New("malformed submission")
	}
	return map[string]any{"size": len(data)}, [][]byte{data}, nil
})

func payload(n string, ct string, chunks ...[]byte) filing.RawPayload {
	return filing.RawPayload{ID: accession.MustParse(n), ContentType: ct, Chunks: chunks}
}

func TestProcessPlainPayload(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := New(Config{Workers: 2}, echoDecoder, w, &fakeErrors{})
	defer p.Close()

	out, err := p.Process(context.Background(), payload("1", "text/plain", []byte("hello "), []byte("world")))
	require.NoError(t, err)
	require.Equal(t, filing.OutcomeArchived, out)
	require.Len(t, w.records, 1)
	require.Equal(t, "hello world", string(w.records[0].Documents[0].Data))
}

func TestProcessZstdPayload(t *testing.T) {
	t.Parallel()

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte("compressed body"), nil)
	require.NoError(t, enc.Close())

	w := &fakeWriter{}
	p := New(Config{Workers: 1}, echoDecoder, w, &fakeErrors{})
	defer p.Close()

	// Split the frame across chunks the way a streamed response arrives.
	out, err := p.Process(context.Background(), payload("2", "application/zstd", compressed[:5], compressed[5:]))
	require.NoError(t, err)
	require.Equal(t, filing.OutcomeArchived, out)
	require.Equal(t, "compressed body", string(w.records[0].Documents[0].Data))
}

func TestProcessGzipPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("gzipped body"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	w := &fakeWriter{}
	p := New(Config{Workers: 1}, echoDecoder, w, &fakeErrors{})
	defer p.Close()

	out, err := p.Process(context.Background(), payload("3", "application/x-gzip", buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, filing.OutcomeArchived, out)
	require.Equal(t, "gzipped body", string(w.records[0].Documents[0].Data))
}

func TestProcessGzipLabeledPlainPayload(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := New(Config{Workers: 1}, echoDecoder, w, &fakeErrors{})
	defer p.Close()

	// Already inflated by the fetcher, but still labeled as gzip.
	out, err := p.Process(context.Background(), payload("4", "application/gzip", []byte("inflated body")))
	require.NoError(t, err)
	require.Equal(t, filing.OutcomeArchived, out)
	require.Equal(t, "inflated body", string(w.records[0].Documents[0].Data))
}

func TestProcessFailuresAreRecorded(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload filing.RawPayload
		writer  *fakeWriter
		prefix  string
	}{
		{"decompress", payload("10", "application/zstd", []byte("not zstd")), &fakeWriter{}, ReasonDecompress + ": "},
		{"decode", payload("11", "text/plain", []byte("bad")), &fakeWriter{}, ReasonParse + ": malformed submission"},
		{"write", payload("12", "text/plain", []byte("ok")), &fakeWriter{fail: true}, ReasonWrite},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			errs := &fakeErrors{}
			p := New(Config{Workers: 1}, echoDecoder, tc.writer, errs)
			defer p.Close()

			out, err := p.Process(context.Background(), tc.payload)
			require.NoError(t, err)
			require.Equal(t, filing.OutcomeFailed, out)
			require.True(t, strings.HasPrefix(errs.get(tc.payload.ID), tc.prefix), "got %q", errs.get(tc.payload.ID))
			require.Empty(t, tc.writer.records)
		})
	}
}

func TestProcessPoolIsBounded(t *testing.T) {
	t.Parallel()

	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	slow := filing.DecoderFunc(func(data []byte, _ filing.DecodeOptions) (map[string]any, [][]byte, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return map[string]any{}, [][]byte{data}, nil
	})

	p := New(Config{Workers: 3}, slow, &fakeWriter{}, &fakeErrors{})
	var wg sync.WaitGroup
	for i := 1; i <= 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = p.Process(context.Background(), payload("1", "", []byte{byte(i)}))
		}(i)
	}
	wg.Wait()
	p.Close()

	require.LessOrEqual(t, peak.Load(), int32(3))
	require.Equal(t, 3, p.Workers())
}

func TestProcessAfterClose(t *testing.T) {
	t.Parallel()

	p := New(Config{Workers: 1}, echoDecoder, &fakeWriter{}, &fakeErrors{})
	p.Close()
	p.Close()

	out, err := p.Process(context.Background(), payload("1", "", []byte("x")))
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, filing.OutcomeAbandoned, out)
}

func TestProcessCanceledWhileWaitingForWorker(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	blocking := filing.DecoderFunc(func(data []byte, _ filing.DecodeOptions) (map[string]any, [][]byte, error) {
		<-release
		return map[string]any{}, [][]byte{data}, nil
	})
	p := New(Config{Workers: 1}, blocking, &fakeWriter{}, &fakeErrors{})

	first := make(chan filing.Outcome, 1)
	go func() {
		out, _ := p.Process(context.Background(), payload("1", "", []byte("a")))
		first <- out
	}()

	// Give the first job time to occupy the only worker.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := p.Process(ctx, payload("2", "", []byte("b")))
	require.Error(t, err)
	require.Equal(t, filing.OutcomeAbandoned, out)

	close(release)
	require.Equal(t, filing.OutcomeArchived, <-first)
	p.Close()
}

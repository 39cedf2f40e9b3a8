package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := fetchTotal
	Init()
	require.Same(t, first, fetchTotal)
}

func TestObserveFetchCounts(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchTotal.WithLabelValues("archived"))
	beforeBytes := testutil.ToFloat64(fetchBytesTotal)

	ObserveFetch("archived", http.StatusOK, 2048, 150*time.Millisecond)

	require.InDelta(t, before+1, testutil.ToFloat64(fetchTotal.WithLabelValues("archived")), 0.0001)
	require.InDelta(t, beforeBytes+2048, testutil.ToFloat64(fetchBytesTotal), 0.0001)
}

func TestObserveRecordAndRollover(t *testing.T) {
	Init()
	records := testutil.ToFloat64(recordsWrittenTotal)
	rollovers := testutil.ToFloat64(shardRolloversTotal)

	ObserveRecordWritten(512)
	ObserveRollover()

	require.InDelta(t, records+1, testutil.ToFloat64(recordsWrittenTotal), 0.0001)
	require.InDelta(t, rollovers+1, testutil.ToFloat64(shardRolloversTotal), 0.0001)
}

func TestActiveFetchGauge(t *testing.T) {
	Init()
	base := testutil.ToFloat64(activeFetches)
	IncActiveFetches()
	require.InDelta(t, base+1, testutil.ToFloat64(activeFetches), 0.0001)
	DecActiveFetches()
	require.InDelta(t, base, testutil.ToFloat64(activeFetches), 0.0001)
}

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	Init()
	ObserveProcessFailure("decompression")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "archiver_process_failures_total")
}

package log

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lokiRecorder struct {
	mu       sync.Mutex
	requests []lokiPushRequest
	status   atomic.Int32
	hits     atomic.Int32
}

func newLokiServer(t *testing.T) (*httptest.Server, *lokiRecorder) {
	rec := &lokiRecorder{}
	rec.status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		var req lokiPushRequest
		if err := json.Unmarshal(body, &req); err == nil {
			rec.mu.Lock()
			rec.requests = append(rec.requests, req)
			rec.mu.Unlock()
		}
		w.WriteHeader(int(rec.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func (r *lokiRecorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, req := range r.requests {
		for _, s := range req.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestNewLokiWriterDefaults(t *testing.T) {
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push"})
	require.NoError(t, err)
	defer lw.Close()

	assert.Equal(t, 100, lw.batchSize)
	assert.Equal(t, 5*time.Second, lw.flushInterval)
	assert.Equal(t, "camrelay", lw.labels["job"])
}

func TestNewLokiWriterKeepsCallerLabels(t *testing.T) {
	labels := map[string]string{"job": "edge", "node": "cam-1"}
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push", Labels: labels, FlushInterval: "1s"})
	require.NoError(t, err)
	defer lw.Close()

	assert.Equal(t, "edge", lw.labels["job"])
	assert.Equal(t, "cam-1", lw.labels["node"])
	assert.Equal(t, time.Second, lw.flushInterval)
}

func TestNewLokiWriterInvalidFlushInterval(t *testing.T) {
	_, err := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push", FlushInterval: "often"})
	assert.Error(t, err)
}

func TestLokiWriterWriteDoesNotBlockOnPush(t *testing.T) {
	srv, rec := newLokiServer(t)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 10, FlushInterval: "1h"})
	require.NoError(t, err)

	n, err := lw.Write([]byte("frame relayed\n"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Zero(t, rec.hits.Load())

	require.NoError(t, lw.Close())
	assert.Equal(t, []string{"frame relayed"}, rec.lines())
}

func TestLokiWriterWriteAfterClose(t *testing.T) {
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push"})
	require.NoError(t, err)
	require.NoError(t, lw.Close())

	_, err = lw.Write([]byte("late"))
	assert.ErrorIs(t, err, errLokiClosed)
	assert.NoError(t, lw.Close())
}

func TestLokiWriterFullBatchTriggersPush(t *testing.T) {
	srv, rec := newLokiServer(t)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 3, FlushInterval: "1h"})
	require.NoError(t, err)
	defer lw.Close()

	for _, l := range []string{"a", "b", "c"} {
		_, err := lw.Write([]byte(l))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(rec.lines()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.lines())
}

func TestLokiWriterPeriodicPush(t *testing.T) {
	srv, rec := newLokiServer(t)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 100, FlushInterval: "50ms"})
	require.NoError(t, err)
	defer lw.Close()

	_, err = lw.Write([]byte("tick"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLokiWriterRetriesThenReports(t *testing.T) {
	srv, rec := newLokiServer(t)
	rec.status.Store(http.StatusInternalServerError)

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, FlushInterval: "1h"})
	require.NoError(t, err)
	var errOut bytes.Buffer
	lw.errOut = &errOut

	_, err = lw.Write([]byte("lost"))
	require.NoError(t, err)

	err = lw.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(3), rec.hits.Load())
}

func TestLokiPushRequestFormat(t *testing.T) {
	srv, rec := newLokiServer(t)
	lw, err := NewLokiWriter(LokiConfig{
		Endpoint: srv.URL,
		Labels:   map[string]string{"node": "cam-1"},
	})
	require.NoError(t, err)

	before := time.Now().UnixNano()
	_, _ = lw.Write([]byte("hello\n"))
	require.NoError(t, lw.Close())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.requests, 1)
	require.Len(t, rec.requests[0].Streams, 1)
	stream := rec.requests[0].Streams[0]
	assert.Equal(t, map[string]string{"node": "cam-1", "job": "camrelay"}, stream.Stream)
	require.Len(t, stream.Values, 1)

	var ts int64
	require.NoError(t, json.Unmarshal([]byte(stream.Values[0][0]), &ts))
	assert.GreaterOrEqual(t, ts, before)
	assert.Equal(t, "hello", stream.Values[0][1])
}

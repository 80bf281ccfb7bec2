package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesRelayMetrics(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "")
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	FramesDroppedTotal.WithLabelValues(DropBusy).Inc()

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `camrelay_frames_dropped_total{reason="busy"}`)
}

func TestServerListenError(t *testing.T) {
	first := NewServer("127.0.0.1:0", "/metrics")
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop(context.Background())

	second := NewServer(first.Addr().String(), "/metrics")
	assert.Error(t, second.Start(context.Background()))
	assert.NoError(t, second.Stop(context.Background()))
}

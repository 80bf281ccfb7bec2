package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/camrelay/internal/eventbus"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/relay"
)

type fakeRelay struct {
	status relay.Status
	err    error
	block  bool
}

func (f *fakeRelay) Snapshot(ctx context.Context) (relay.Status, error) {
	if f.block {
		<-ctx.Done()
		return relay.Status{}, ctx.Err()
	}
	return f.status, f.err
}

// mockConfigReloader is a mock implementation of ConfigReloader.
type mockConfigReloader struct {
	calls int
	err   error
}

func (m *mockConfigReloader) Reload() error {
	m.calls++
	return m.err
}

func restoreLogLevel(t *testing.T) {
	t.Helper()
	previous := log.Level()
	t.Cleanup(func() { _ = log.SetLevel(previous) })
}

func testStatus() relay.Status {
	return relay.Status{
		SessionID:      "s-1",
		State:          "running",
		Mode:           "stream",
		Address:        "127.0.0.1:8000",
		Device:         "/dev/video0",
		Connection:     "connected",
		FramesCaptured: 42,
		FPS:            29.5,
		StartedAt:      time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
		Uptime:         "1m0s",
	}
}

func TestHandleRelayStatus(t *testing.T) {
	h := NewCommandHandler(&fakeRelay{status: testStatus()}, nil)

	resp := h.Handle(context.Background(), Command{Method: MethodRelayStatus, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, testStatus(), resp.Result)
}

func TestHandleRelayStatusError(t *testing.T) {
	h := NewCommandHandler(&fakeRelay{err: errors.New("loop gone")}, nil)

	resp := h.Handle(context.Background(), Command{Method: MethodRelayStatus, ID: "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "loop gone")
}

func TestHandleRelayStatusHonoursContext(t *testing.T) {
	h := NewCommandHandler(&fakeRelay{block: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := h.Handle(ctx, Command{Method: MethodRelayStatus, ID: "1"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, context.Canceled.Error())
}

func TestHandleRelayStatusWithoutRelay(t *testing.T) {
	h := NewCommandHandler(nil, nil)

	resp := h.Handle(context.Background(), Command{Method: MethodRelayStatus, ID: "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}

func TestHandleRelayShutdown(t *testing.T) {
	h := NewCommandHandler(nil, nil)

	resp := h.Handle(context.Background(), Command{Method: MethodRelayShutdown, ID: "1"})
	require.NotNil(t, resp.Error, "no shutdown func registered")

	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })
	resp = h.Handle(context.Background(), Command{Method: MethodRelayShutdown, ID: "2"})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"status": "shutting_down"}, resp.Result)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown func not called")
	}
}

func TestHandleConfigReload(t *testing.T) {
	reloader := &mockConfigReloader{}
	h := NewCommandHandler(nil, reloader)

	resp := h.Handle(context.Background(), Command{Method: MethodConfigReload, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, reloader.calls)

	reloader.err = errors.New("bad yaml")
	resp = h.Handle(context.Background(), Command{Method: MethodConfigReload, ID: "2"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "bad yaml")

	resp = NewCommandHandler(nil, nil).Handle(context.Background(), Command{Method: MethodConfigReload, ID: "3"})
	require.NotNil(t, resp.Error)
}

func TestHandleLogLevel(t *testing.T) {
	restoreLogLevel(t)
	require.NoError(t, log.SetLevel("info"))
	h := NewCommandHandler(nil, nil)

	resp := h.Handle(context.Background(), Command{
		Method: MethodLogLevel,
		Params: json.RawMessage(`{"level":"debug"}`),
		ID:     "1",
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"level": "debug", "previous": "info"}, resp.Result)
	assert.Equal(t, "debug", log.Level())

	// No params only reports.
	resp = h.Handle(context.Background(), Command{Method: MethodLogLevel, ID: "2"})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"level": "debug", "previous": "debug"}, resp.Result)
}

func TestHandleLogLevelInvalidParams(t *testing.T) {
	restoreLogLevel(t)
	h := NewCommandHandler(nil, nil)

	tests := []struct {
		name   string
		params string
	}{
		{"malformed", `{"level":`},
		{"unknown key", `{"lvl":"debug"}`},
		{"unknown level", `{"level":"loud"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(context.Background(), Command{
				Method: MethodLogLevel,
				Params: json.RawMessage(tt.params),
				ID:     "1",
			})
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
		})
	}
}

func TestHandleDaemonStatus(t *testing.T) {
	h := NewCommandHandler(nil, nil)
	h.SetVersion("1.2.3")
	h.SetEventStats(func() *eventbus.Stats { return &eventbus.Stats{PublishedCount: 7} })

	resp := h.Handle(context.Background(), Command{Method: MethodDaemonStatus, ID: "1"})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1.2.3", result["version"])
	assert.Contains(t, result, "pid")
	assert.Contains(t, result, "uptime_sec")
	assert.Equal(t, log.Level(), result["log_level"])
	assert.Equal(t, int64(7), result["events"].(*eventbus.Stats).PublishedCount)
}

func TestHandleUnknownMethod(t *testing.T) {
	h := NewCommandHandler(nil, nil)

	resp := h.Handle(context.Background(), Command{Method: "task_create", ID: "9"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "9", resp.ID)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

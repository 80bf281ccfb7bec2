package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/camrelay/internal/log"
)

// socketPath returns a short socket path; sun_path is limited to 108 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "camrelay")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

// startServer serves h on a fresh socket. The returned stop func cancels
// Serve and returns its result; it is safe to call more than once.
func startServer(t *testing.T, h *CommandHandler) (string, func() error) {
	t.Helper()
	path := socketPath(t)
	server := NewUDSServer(path, h)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	var (
		once sync.Once
		err  error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errCh:
			case <-time.After(2 * time.Second):
				err = context.DeadlineExceeded
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return path, stop
}

func TestUDSServerClient_Integration(t *testing.T) {
	restoreLogLevel(t)
	require.NoError(t, log.SetLevel("info"))

	reloader := &mockConfigReloader{}
	h := NewCommandHandler(&fakeRelay{status: testStatus()}, reloader)
	path, stop := startServer(t, h)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	client := NewUDSClient(path, 2*time.Second)
	ctx := context.Background()

	st, err := client.RelayStatus(ctx)
	require.NoError(t, err)
	want := testStatus()
	assert.True(t, want.StartedAt.Equal(st.StartedAt))
	st.StartedAt, want.StartedAt = time.Time{}, time.Time{}
	assert.Equal(t, want, *st)

	previous, err := client.SetLogLevel(ctx, "warn")
	require.NoError(t, err)
	assert.Equal(t, "info", previous)
	assert.Equal(t, "warning", log.Level())

	require.NoError(t, client.ConfigReload(ctx))
	assert.Equal(t, 1, reloader.calls)

	ds, err := client.DaemonStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev", ds["version"])
	assert.EqualValues(t, os.Getpid(), ds["pid"])

	require.NoError(t, client.Ping(ctx))

	require.NoError(t, stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file not removed after server stop")
}

func TestUDSClient_ErrorResponse(t *testing.T) {
	path, _ := startServer(t, NewCommandHandler(nil, nil))
	client := NewUDSClient(path, 2*time.Second)

	_, err := client.SetLogLevel(context.Background(), "loud")
	require.Error(t, err)
	var info *ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, ErrCodeInvalidParams, info.Code)

	err = client.RelayShutdown(context.Background())
	require.ErrorAs(t, err, &info)
	assert.Equal(t, ErrCodeInternalError, info.Code)
}

func TestUDSClient_Shutdown(t *testing.T) {
	h := NewCommandHandler(nil, nil)
	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })
	path, _ := startServer(t, h)

	require.NoError(t, NewUDSClient(path, 2*time.Second).RelayShutdown(context.Background()))
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown func not called")
	}
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)

	err := client.Ping(context.Background())
	assert.Error(t, err)
}

func TestUDSClient_Timeout(t *testing.T) {
	path, _ := startServer(t, NewCommandHandler(nil, nil))

	client := NewUDSClient(path, time.Nanosecond)
	assert.Error(t, client.Ping(context.Background()))
}

func TestUDSServer_MalformedRequest(t *testing.T) {
	path, _ := startServer(t, NewCommandHandler(nil, nil))

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	reader := bufio.NewReader(conn)
	send := func(line string) JSONRPCResponse {
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		data, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(data, &resp))
		return resp
	}

	resp := send("{not json")
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	resp = send(`{"jsonrpc":"2.0","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	// The connection survives bad requests.
	resp = send(`{"jsonrpc":"2.0","method":"daemon_status","id":2}`)
	assert.Nil(t, resp.Error)
	assert.EqualValues(t, 2, resp.ID)
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	path, _ := startServer(t, NewCommandHandler(&fakeRelay{status: testStatus()}, nil))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewUDSClient(path, 2*time.Second).RelayStatus(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestUDSServer_ReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0600))

	server := NewUDSServer(path, NewCommandHandler(nil, nil))
	require.NoError(t, server.Listen())
	defer server.Stop()

	// Serve is not running, but the listener accepts.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn.Close()
}

func TestUDSServer_ServeWithoutListen(t *testing.T) {
	server := NewUDSServer(socketPath(t), NewCommandHandler(nil, nil))
	assert.Error(t, server.Serve(context.Background()))
}

func TestNewUDSClient_DefaultTimeout(t *testing.T) {
	client := NewUDSClient("/tmp/test.sock", 0)
	assert.Equal(t, 10*time.Second, client.timeout)
}

package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/camrelay/internal/relay"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// call runs method and decodes a successful result into out.
func (c *UDSClient) call(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(resp.Result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// RelayStatus fetches the relay status.
func (c *UDSClient) RelayStatus(ctx context.Context) (*relay.Status, error) {
	var st relay.Status
	if err := c.call(ctx, MethodRelayStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RelayShutdown asks the daemon to stop.
func (c *UDSClient) RelayShutdown(ctx context.Context) error {
	return c.call(ctx, MethodRelayShutdown, nil, nil)
}

// ConfigReload asks the daemon to reload its configuration file.
func (c *UDSClient) ConfigReload(ctx context.Context) error {
	return c.call(ctx, MethodConfigReload, nil, nil)
}

// SetLogLevel changes the daemon log level and returns the previous one.
func (c *UDSClient) SetLogLevel(ctx context.Context, level string) (string, error) {
	var out struct {
		Level    string `json:"level"`
		Previous string `json:"previous"`
	}
	if err := c.call(ctx, MethodLogLevel, LogLevelParams{Level: level}, &out); err != nil {
		return "", err
	}
	return out.Previous, nil
}

// DaemonStatus returns the daemon_status result.
func (c *UDSClient) DaemonStatus(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.call(ctx, MethodDaemonStatus, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks that the daemon answers on the control socket.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}

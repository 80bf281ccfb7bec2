// Package command implements the control socket.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/camrelay/internal/eventbus"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/relay"
)

// Method names.
const (
	MethodRelayStatus   = "relay_status"
	MethodRelayShutdown = "relay_shutdown"
	MethodConfigReload  = "config_reload"
	MethodLogLevel      = "log_level"
	MethodDaemonStatus  = "daemon_status"
)

// StatusTimeout bounds how long relay_status waits for the event loop.
const StatusTimeout = 2 * time.Second

// RelayController is the part of the relay the control socket drives.
type RelayController interface {
	Snapshot(ctx context.Context) (relay.Status, error)
}

// ConfigReloader is the interface for reloading configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control socket commands.
type CommandHandler struct {
	relay          RelayController
	configReloader ConfigReloader
	shutdownFunc   func() // called by relay_shutdown
	eventStats     func() *eventbus.Stats
	startTime      time.Time
	version        string
}

// NewCommandHandler creates a new command handler. Either argument may be nil;
// the matching commands then report an internal error.
func NewCommandHandler(r RelayController, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		relay:          r,
		configReloader: reloader,
		startTime:      time.Now(),
		version:        "dev",
	}
}

// SetShutdownFunc sets the callback invoked by the relay_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) { h.shutdownFunc = fn }

// SetEventStats adds event bus counters to daemon_status.
func (h *CommandHandler) SetEventStats(fn func() *eventbus.Stats) { h.eventStats = fn }

// SetVersion sets the version reported by daemon_status.
func (h *CommandHandler) SetVersion(v string) { h.version = v }

// Command represents a control command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

func errorResponse(id string, code int, format string, args ...interface{}) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithField("method", cmd.Method).WithField("id", cmd.ID).Debug("handling command")

	switch cmd.Method {
	case MethodRelayStatus:
		return h.handleRelayStatus(ctx, cmd)
	case MethodRelayShutdown:
		return h.handleRelayShutdown(ctx, cmd)
	case MethodConfigReload:
		return h.handleConfigReload(ctx, cmd)
	case MethodLogLevel:
		return h.handleLogLevel(ctx, cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// decodeParams decodes JSON params into out through mapstructure, so numbers
// and strings are accepted interchangeably and unknown keys are rejected.
func decodeParams(raw json.RawMessage, out interface{}) error {
	var m map[string]interface{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

func (h *CommandHandler) handleRelayStatus(ctx context.Context, cmd Command) Response {
	if h.relay == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "relay not available")
	}
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	st, err := h.relay.Snapshot(ctx)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "relay status: %v", err)
	}
	return Response{ID: cmd.ID, Result: st}
}

// handleRelayShutdown triggers graceful shutdown via the registered callback.
func (h *CommandHandler) handleRelayShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	log.GetLogger().Info("relay_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response go out first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "reload config failed: %v", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reloaded",
			"level":  log.Level(),
		},
	}
}

// LogLevelParams represents parameters for the log_level command. An empty
// level only reports the current one.
type LogLevelParams struct {
	Level string `json:"level"`
}

func (h *CommandHandler) handleLogLevel(_ context.Context, cmd Command) Response {
	var params LogLevelParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}

	previous := log.Level()
	if params.Level != "" {
		if err := log.SetLevel(params.Level); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, "%v", err)
		}
		log.GetLogger().Infof("log level changed from %s to %s", previous, log.Level())
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"level":    log.Level(),
			"previous": previous,
		},
	}
}

func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	result := map[string]interface{}{
		"version":    h.version,
		"pid":        os.Getpid(),
		"uptime_sec": int64(time.Since(h.startTime).Seconds()),
		"log_level":  log.Level(),
	}
	if h.eventStats != nil {
		result["events"] = h.eventStats()
	}
	return Response{ID: cmd.ID, Result: result}
}

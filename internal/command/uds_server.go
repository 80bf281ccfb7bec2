package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"firestige.xyz/camrelay/internal/log"
)

// UDSServer implements a JSON-RPC server over Unix Domain Socket.
type UDSServer struct {
	socketPath string
	handler    *CommandHandler
	listener   net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewUDSServer creates a new UDS server.
func NewUDSServer(socketPath string, handler *CommandHandler) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket. A stale socket file from a previous run is
// replaced.
func (s *UDSServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}
	s.listener = listener

	log.GetLogger().WithField("socket", s.socketPath).Info("control socket listening")
	return nil
}

// Serve accepts connections until ctx is cancelled, then stops the server.
// Listen must have succeeded.
func (s *UDSServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("control socket not listening")
	}
	go s.acceptLoop(ctx)

	<-ctx.Done()
	return s.Stop()
}

// Start binds the socket and serves until ctx is cancelled.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *UDSServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return
			}
			log.GetLogger().WithError(err).Error("accept control connection")
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves newline-delimited requests on one connection.
func (s *UDSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := log.GetLogger()
	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req JSONRPCRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.WithError(err).Warn("parse control request")
			_ = encoder.Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				Error: &ErrorInfo{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("parse error: %v", err),
				},
			})
			continue
		}
		if req.Method == "" {
			_ = encoder.Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "method is required"},
			})
			continue
		}

		resp := s.handler.Handle(ctx, Command{
			Method: req.Method,
			Params: req.Params,
			ID:     fmt.Sprintf("%v", req.ID),
		})

		if err := encoder.Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  resp.Result,
			Error:   resp.Error,
		}); err != nil {
			logger.WithError(err).Warn("send control response")
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Warn("control connection error")
	}
}

// Stop closes the listener and every open connection and removes the socket
// file.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.RemoveAll(s.socketPath)

	log.GetLogger().Info("control socket stopped")
	return nil
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

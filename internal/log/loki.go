package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LokiConfig contains configuration for Loki writer.
type LokiConfig struct {
	Endpoint      string            // Loki push endpoint URL
	Labels        map[string]string // Stream labels
	BatchSize     int               // Number of log lines per push
	FlushInterval string            // e.g. "5s"
}

var errLokiClosed = errors.New("loki writer is closed")

// LokiWriter batches log lines and pushes them to Grafana Loki. Write never
// performs network I/O: pushes happen on a background goroutine so a slow or
// unreachable Loki cannot stall the caller.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	httpClient    *http.Client
	errOut        io.Writer

	mu      sync.Mutex
	batch   []logEntry
	closed  bool
	kick    chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

type logEntry struct {
	timestamp time.Time
	line      string
}

// lokiPushRequest is the Loki push API request body.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiWriter creates a Loki writer and starts its pusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	flushInterval := 5 * time.Second
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		if d > 0 {
			flushInterval = d
		}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "camrelay"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		errOut:        os.Stderr,
		batch:         make([]logEntry, 0, batchSize),
		kick:          make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.pusher()

	return lw, nil
}

// Write implements io.Writer.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, errLokiClosed
	}

	lw.batch = append(lw.batch, logEntry{
		timestamp: time.Now(),
		line:      strings.TrimRight(string(p), "\n"),
	})

	if len(lw.batch) >= lw.batchSize {
		select {
		case lw.kick <- struct{}{}:
		default:
		}
	}

	return len(p), nil
}

// Close stops the pusher after a final push of whatever is batched.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.closeCh)
	lw.wg.Wait()

	return lw.push(lw.take())
}

func (lw *LokiWriter) pusher() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-lw.kick:
		case <-lw.closeCh:
			return
		}
		if err := lw.push(lw.take()); err != nil {
			fmt.Fprintf(lw.errOut, "loki push error: %v\n", err)
		}
	}
}

// take detaches the current batch.
func (lw *LokiWriter) take() []logEntry {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.batch) == 0 {
		return nil
	}
	b := lw.batch
	lw.batch = make([]logEntry, 0, lw.batchSize)
	return b
}

func (lw *LokiWriter) push(entries []logEntry) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([][]string, len(entries))
	for i, e := range entries {
		values[i] = []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}

	data, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	return lw.sendWithRetry(data)
}

// sendWithRetry retries with exponential backoff.
func (lw *LokiWriter) sendWithRetry(data []byte) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt-1)))
		}
		if lastErr = lw.send(data); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("loki push failed after %d retries: %w", maxRetries, lastErr)
}

func (lw *LokiWriter) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, body)
	}

	return nil
}

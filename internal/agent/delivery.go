package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 15 * time.Second

	// maxErrorBody bounds how much of a failed response ends up in the error
	maxErrorBody = 512
)

// Ack is the collector's reply to an accepted snapshot
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusError is returned when the collector answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector returned %d: %s", e.StatusCode, e.Body)
}

// Deliverer sends snapshots to the collector
type Deliverer struct {
	endpoint  string
	token     string
	userAgent string
	compress  bool
	timeout   time.Duration
	client    *http.Client
	logger    *zap.Logger
}

// DelivererOptions configures a Deliverer
type DelivererOptions struct {
	Endpoint string
	Token    string
	Version  string
	Timeout  time.Duration
	Compress bool
}

// NewDeliverer creates a deliverer posting to opts.Endpoint
func NewDeliverer(opts DelivererOptions, logger *zap.Logger) *Deliverer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Deliverer{
		endpoint:  opts.Endpoint,
		token:     opts.Token,
		userAgent: "sysreport-agent/" + version,
		compress:  opts.Compress,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Deliver POSTs snap to the collector once. There is no retry: a failed
// snapshot is reported to the caller and dropped.
func (d *Deliverer) Deliver(ctx context.Context, snap *snapshot.SystemSnapshot) (*Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	body, err := d.encodeBody(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if d.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	d.logger.Debug("Sending snapshot",
		zap.String("endpoint", d.endpoint),
		zap.String("request_id", requestID),
		zap.Int("bytes", len(body)),
		zap.Bool("gzip", d.compress))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to parse collector response: %w", err)
	}

	return &ack, nil
}

func (d *Deliverer) encodeBody(payload []byte) ([]byte, error) {
	if !d.compress {
		return payload, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

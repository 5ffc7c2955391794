package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prooflab/gallery-archiver/internal/logging"
)

// HTTPEmitter POSTs events to a configured endpoint. Every event is
// backed up to a local file before the POST so a dead endpoint still
// leaves an audit trail.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	backup   *FileEmitter
	log      *slog.Logger
}

// NewHTTPEmitter creates an emitter for cfg.Endpoint with local backup
// under cfg.Path.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	backup, err := NewFileEmitter(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("create local backup: %w", err)
	}

	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		backup:   backup,
		log:      logging.Component("events"),
	}, nil
}

// Emit seals the event, backs it up locally, POSTs it, and advances the
// chain head only after the endpoint accepted it.
func (e *HTTPEmitter) Emit(ctx context.Context, ev Event) error {
	if err := e.backup.chain.seal(&ev); err != nil {
		return err
	}

	// Backup lands before the POST so a failed emit is still recorded.
	if err := e.backup.save(&ev); err != nil {
		e.log.Warn("local event backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, &ev); err != nil {
		return fmt.Errorf("emit %s: %w", ev.EventType, err)
	}

	if err := e.backup.chain.SetHead(ev.Archive.ChainKey(), ev.Chain.EventHash); err != nil {
		e.log.Warn("chain head update failed", "chain", ev.Archive.ChainKey(), "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, ev *Event) error {
	var lastErr error
	retries := 3
	delay := time.Second

	for attempt := 1; attempt <= retries; attempt++ {
		err := e.post(ctx, ev)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < retries {
			e.log.Warn("event post failed, retrying",
				"attempt", attempt,
				"retries", retries,
				"delay", delay,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("event accepted", "endpoint", e.endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error { return nil }

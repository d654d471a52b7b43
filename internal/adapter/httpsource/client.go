// Package httpsource provides the default record adapters: a Reader that
// materializes a job's source records and a Writer that delivers each record
// to the target endpoint. Both treat the job's source/target configs as
// their own wire contract; the engine never inspects them.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"freight/backend/features/job"
)

type sourceConfig struct {
	// Records inlines the dataset directly in the job request. Used for
	// small migrations and tests.
	Records []job.Record `json:"records"`

	// URL points at an endpoint returning a JSON array of records.
	URL string `json:"url"`

	Headers map[string]string `json:"headers"`
}

type targetConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type Reader struct {
	client *http.Client
}

func NewReader(timeout time.Duration) *Reader {
	return &Reader{client: &http.Client{Timeout: timeout}}
}

func (r *Reader) Read(ctx context.Context, raw json.RawMessage) ([]job.Record, error) {
	var cfg sourceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing source_config: %w", err)
	}

	if len(cfg.Records) > 0 {
		return cfg.Records, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("source_config needs either records or url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source endpoint returned %d", resp.StatusCode)
	}

	var records []job.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding source records: %w", err)
	}
	return records, nil
}

type Writer struct {
	client *http.Client
}

func NewWriter(timeout time.Duration) *Writer {
	return &Writer{client: &http.Client{Timeout: timeout}}
}

// Migrate delivers one record to the target. A non-2xx response is a
// per-record failure; the processor records it and moves on.
func (w *Writer) Migrate(ctx context.Context, rec job.Record, _, rawTarget json.RawMessage) error {
	var cfg targetConfig
	if err := json.Unmarshal(rawTarget, &cfg); err != nil {
		return fmt.Errorf("parsing target_config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("target_config missing url")
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("target endpoint returned %d for record %s", resp.StatusCode, rec.ID)
	}
	return nil
}

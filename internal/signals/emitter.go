package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Emitter delivers a batch of signals to the analytics collaborator.
type Emitter interface {
	Emit(ctx context.Context, batch []LearningSignal) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, batch []LearningSignal) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, batch []LearningSignal) error { return f(ctx, batch) }

// HTTPEmitter posts batches as JSON to a fixed endpoint.
type HTTPEmitter struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPEmitter returns an emitter for endpoint. token, when set, is sent as a
// bearer credential.
func NewHTTPEmitter(endpoint, token string, client *http.Client) *HTTPEmitter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEmitter{endpoint: endpoint, token: token, client: client}
}

type batchBody struct {
	Signals []LearningSignal `json:"signals"`
}

// Emit posts batch. Any non-2xx answer is an error and the batch stays queued.
func (e *HTTPEmitter) Emit(ctx context.Context, batch []LearningSignal) error {
	body, err := json.Marshal(batchBody{Signals: batch})
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post signals: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post signals: status %d", resp.StatusCode)
	}
	return nil
}

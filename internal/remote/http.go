package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// CorrelationHeader carries the request's correlation id.
const CorrelationHeader = "X-Correlation-Id"

// HTTPService posts the fixed payload to an HTTP endpoint and reads the draft
// from the response body as plain text.
type HTTPService struct {
	endpoint string
	token    string
	client   *http.Client
	maxBytes int64
}

// HTTPOption configures an HTTPService.
type HTTPOption func(*HTTPService)

// WithBearerToken sets the Authorization header sent with every call.
func WithBearerToken(token string) HTTPOption {
	return func(s *HTTPService) { s.token = token }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPService) { s.client = c }
}

// WithMaxResponseBytes caps the response body size. Longer bodies are
// rejected as invalid.
func WithMaxResponseBytes(n int64) HTTPOption {
	return func(s *HTTPService) { s.maxBytes = n }
}

// NewHTTPService returns a service posting to endpoint. The default transport
// honours HTTP_PROXY/HTTPS_PROXY/NO_PROXY and negotiates HTTP/2 over TLS.
// Attempt deadlines come from the caller's context, so the client itself has
// no timeout.
func NewHTTPService(endpoint string, opts ...HTTPOption) (*HTTPService, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("remote: empty endpoint")
	}
	s := &HTTPService{endpoint: endpoint, maxBytes: maxResponseBytes}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		tr, err := newTransport()
		if err != nil {
			return nil, err
		}
		s.client = &http.Client{Transport: tr}
	}
	return s, nil
}

func newTransport() (*http.Transport, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return tr, nil
}

// Complete sends req and returns the response text.
func (s *HTTPService) Complete(ctx context.Context, req Request) (string, error) {
	payload, err := req.Payload()
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain, */*")
	if req.CorrelationID != "" {
		httpReq.Header.Set(CorrelationHeader, req.CorrelationID)
	}
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", classifyTransport(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if class := classifyStatus(resp.StatusCode); class != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for reuse
		return "", fmt.Errorf("%w: status %d", class, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return "", classifyTransport(ctx, err)
	}
	if int64(len(body)) > s.maxBytes {
		return "", fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidResponse, s.maxBytes)
	}
	return CheckResponse(body)
}

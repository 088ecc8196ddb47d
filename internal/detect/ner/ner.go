// Package ner provides a statistical detection strategy that calls an NER
// sidecar over HTTP.
//
// The sidecar contract is POST {baseURL}/classify with {"text": ...} and a
// response of {"spans": [{"start", "end", "label", "score"}]}. Offsets in the
// response count Unicode code points, as Python services do; they are
// converted to byte offsets here.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"legal-pii-handshake/internal/pii"
)

// DefaultID is the strategy ID used when none is configured.
const DefaultID = "ner.sidecar"

// maxResponseBytes caps the sidecar response body.
const maxResponseBytes = 4 << 20

// labelTypes maps common NER label sets (CoNLL, OntoNotes, spaCy German,
// Presidio) to PII types. Labels not listed are ignored.
var labelTypes = map[string]pii.Type{
	"PER":           pii.Person,
	"PERSON":        pii.Person,
	"LOC":           pii.Location,
	"LOCATION":      pii.Location,
	"GPE":           pii.Location,
	"FAC":           pii.Location,
	"ADDRESS":       pii.Location,
	"ORG":           pii.Organization,
	"ORGANIZATION":  pii.Organization,
	"NORP":          pii.Organization,
	"PHONE":         pii.PhoneNumber,
	"PHONE_NUMBER":  pii.PhoneNumber,
	"EMAIL":         pii.Email,
	"EMAIL_ADDRESS": pii.Email,
	"IBAN":          pii.Iban,
	"IBAN_CODE":     pii.Iban,
	"DATE":          pii.GenericDate,
	"DATE_TIME":     pii.GenericDate,
	"URL":           pii.Website,
	"MISC":          pii.Other,
}

// Client is a detect.Strategy backed by the NER sidecar.
type Client struct {
	id       string
	url      string
	minScore float64
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithID overrides the strategy ID.
func WithID(id string) Option { return func(c *Client) { c.id = id } }

// WithMinScore drops spans scored below s.
func WithMinScore(s float64) Option { return func(c *Client) { c.minScore = s } }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New creates a Client for the sidecar at baseURL (e.g. "http://ner:8001").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		id:       DefaultID,
		url:      strings.TrimRight(baseURL, "/") + "/classify",
		minScore: 0.5,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Score *float64 `json:"score"`
}

// ID implements detect.Strategy.
func (c *Client) ID() string { return c.id }

// Provenance implements detect.Strategy.
func (c *Client) Provenance() pii.Provenance { return pii.ProvenanceStatistical }

// Detect implements detect.Strategy. An unreachable sidecar or a non-200
// status is returned as an error; the detector treats it as degraded.
func (c *Client) Detect(ctx context.Context, text string) ([]pii.Span, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner: sidecar unreachable: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck
		return nil, fmt.Errorf("ner: unexpected status %d", resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	offsets := runeOffsets(text)
	spans := make([]pii.Span, 0, len(result.Spans))
	for _, s := range result.Spans {
		typ, ok := labelTypes[strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(s.Label, "B-"), "I-"))]
		if !ok {
			continue
		}
		score := 1.0
		if s.Score != nil {
			score = *s.Score
		}
		if score < c.minScore {
			continue
		}
		if s.Start < 0 || s.End <= s.Start || s.End >= len(offsets) {
			continue
		}
		start, end := offsets[s.Start], offsets[s.End]
		spans = append(spans, pii.Span{
			Type:       typ,
			Start:      start,
			End:        end,
			Text:       text[start:end],
			Confidence: score,
		})
	}
	return spans, nil
}

// runeOffsets maps a code-point index to its byte offset. The final entry is
// len(text), so offsets has one more element than text has runes.
func runeOffsets(text string) []int {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

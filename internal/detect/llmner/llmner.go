// Package llmner provides a statistical detection strategy backed by a local
// OpenAI-compatible language model, typically Ollama.
//
// The model is asked for the sensitive strings verbatim together with a type,
// never for offsets, because small models get offsets wrong. Occurrences are
// located in the original text here. The model runs on the same host as the
// service, so the document does not leave the local boundary.
package llmner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"legal-pii-handshake/internal/pii"
)

// DefaultID is the strategy ID used when none is configured.
const DefaultID = "ner.llm"

const systemPrompt = `You find personal data in legal correspondence. Return a JSON array of objects {"text": "...", "type": "...", "confidence": 0.0-1.0}.

"text" must be copied exactly from the input. "type" is one of: person, location, organization, phone, email, iban, nationalId, birthDate, date, website, other.

Flag names of natural persons, postal addresses and places of residence, companies and law firms that identify a party, contact details, bank and identity numbers, and dates tied to a person.
Do NOT flag placeholders in square brackets such as [PERSON_NAME_1], statute references, court names or generic legal terms.

Return ONLY the JSON array. Return [] if nothing is found.`

// typeAliases accepts the loose type names small models tend to produce.
var typeAliases = map[string]pii.Type{
	"name":      pii.Person,
	"address":   pii.Location,
	"city":      pii.Location,
	"company":   pii.Organization,
	"org":       pii.Organization,
	"telephone": pii.PhoneNumber,
	"url":       pii.Website,
	"birthday":  pii.BirthDate,
	"id":        pii.NationalID,
}

// Config configures a Classifier.
type Config struct {
	BaseURL     string // OpenAI-compatible base, e.g. "http://localhost:11434/v1"
	APIKey      string // Ollama ignores it; the client requires a value
	Model       string
	MaxParallel int64   // concurrent model calls; defaults to 1
	MinScore    float64 // spans below are dropped
	ID          string
}

// Classifier is a detect.Strategy backed by a chat-completions model.
type Classifier struct {
	id       string
	model    string
	minScore float64
	client   *openai.Client
	sem      *semaphore.Weighted
}

// New creates a Classifier.
func New(cfg Config) (*Classifier, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("llmner: base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llmner: model is required")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "ollama"
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Classifier{
		id:       cfg.ID,
		model:    cfg.Model,
		minScore: cfg.MinScore,
		client:   openai.NewClientWithConfig(clientConfig),
		sem:      semaphore.NewWeighted(cfg.MaxParallel),
	}, nil
}

// ID implements detect.Strategy.
func (c *Classifier) ID() string { return c.id }

// Provenance implements detect.Strategy.
func (c *Classifier) Provenance() pii.Provenance { return pii.ProvenanceStatistical }

type finding struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence"`
}

// Detect implements detect.Strategy.
func (c *Classifier) Detect(ctx context.Context, text string) ([]pii.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("llmner: waiting for model slot: %w", err)
	}
	defer c.sem.Release(1)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("llmner: model call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llmner: empty model response")
	}

	findings, err := parseFindings(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	var spans []pii.Span
	seen := make(map[finding]bool, len(findings))
	for _, f := range findings {
		f.Text = strings.TrimSpace(f.Text)
		if f.Text == "" || strings.HasPrefix(f.Text, "[") {
			continue
		}
		score := 0.8
		if f.Confidence != nil {
			score = *f.Confidence
		}
		if score < c.minScore {
			continue
		}
		key := finding{Text: f.Text, Type: f.Type}
		if seen[key] {
			continue
		}
		seen[key] = true
		typ := mapType(f.Type)
		for _, start := range pii.Occurrences(text, f.Text) {
			spans = append(spans, pii.Span{
				Type:       typ,
				Start:      start,
				End:        start + len(f.Text),
				Text:       f.Text,
				Confidence: score,
			})
		}
	}
	return spans, nil
}

func mapType(s string) pii.Type {
	if t, ok := pii.ParseType(s); ok {
		return t
	}
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return pii.Other
}

// parseFindings extracts the JSON array from a model reply, tolerating a
// leading <think> block and Markdown code fences.
func parseFindings(content string) ([]finding, error) {
	s := stripThinkBlock(strings.TrimSpace(content))
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("llmner: no JSON array in model reply (%d bytes)", len(content))
	}
	var out []finding
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("llmner: decode model reply: %w", err)
	}
	return out, nil
}

func stripThinkBlock(s string) string {
	const open, closing = "<think>", "</think>"
	i := strings.Index(s, open)
	if i < 0 {
		return s
	}
	j := strings.Index(s, closing)
	if j < 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s[:i] + s[j+len(closing):])
}

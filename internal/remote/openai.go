package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIService.
type OpenAIConfig struct {
	BaseURL     string // empty for the public OpenAI endpoint
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// OpenAIService drives an OpenAI-compatible chat completion endpoint. The
// system prompt is built from task metadata only; the anonymized text is the
// single user message.
type OpenAIService struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIService returns a service for cfg.
func NewOpenAIService(cfg OpenAIConfig) (*OpenAIService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("remote: openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIService{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Complete sends req as a chat completion.
func (s *OpenAIService) Complete(ctx context.Context, req Request) (string, error) {
	req, err := req.Validate()
	if err != nil {
		return "", err
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Task)},
			{Role: openai.ChatMessageRoleUser, Content: req.AnonymizedText},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", classifyOpenAI(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	return CheckResponse([]byte(resp.Choices[0].Message.Content))
}

func systemPrompt(t Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a legal drafting assistant. Task: %s. Document type: %s. ", t.Type, t.DocumentType)
	fmt.Fprintf(&b, "Answer in language %s as %s.\n", t.Language, t.Format)
	b.WriteString("The input contains placeholders such as [PERSON_NAME_1] or [EMAIL_2]. ")
	b.WriteString("Keep every placeholder exactly as written wherever the value belongs and never invent new ones.")
	return b.String()
}

func classifyOpenAI(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 {
		return fmt.Errorf("%w: status %d", classifyStatus(apiErr.HTTPStatusCode), apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 400 {
		return fmt.Errorf("%w: status %d", classifyStatus(reqErr.HTTPStatusCode), reqErr.HTTPStatusCode)
	}
	return classifyTransport(ctx, err)
}

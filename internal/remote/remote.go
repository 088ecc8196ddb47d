// Package remote is the egress boundary to the remote text service.
//
// Only anonymized text and non-identifying task metadata ever cross it. The
// wire payload is a flat JSON object whose keys are fixed; ValidatePayload
// rejects anything else before a request is sent, so a field added by mistake
// cannot carry PII out of the process.
//
// Every Service classifies its failures into the sentinel errors below so
// the coordinator can decide between retrying and failing fast.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
)

// Failure classes reported by a Service.
var (
	// ErrTimeout: the service did not answer within the attempt deadline.
	ErrTimeout = errors.New("remote: timeout")
	// ErrUnavailable: the service could not be reached or reported overload.
	ErrUnavailable = errors.New("remote: unavailable")
	// ErrInvalidResponse: the answer was empty, not UTF-8 or malformed.
	ErrInvalidResponse = errors.New("remote: invalid response")
	// ErrRejected: the service refused the request as malformed.
	ErrRejected = errors.New("remote: request rejected")
	// ErrInvalidRequest: the request failed local validation and was not sent.
	ErrInvalidRequest = errors.New("remote: invalid request")
)

// Retryable reports whether err belongs to a class worth one more attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Format is the desired shape of the remote draft.
type Format string

// Supported formats.
const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatLetter   Format = "letter"
)

func (f Format) valid() bool {
	switch f {
	case FormatText, FormatMarkdown, FormatLetter:
		return true
	}
	return false
}

var identRe = regexp.MustCompile(`^[a-z0-9_-]{1,40}$`)

// Task is the non-identifying metadata sent alongside the anonymized text.
// All fields are short identifiers; none may be derived from document content.
type Task struct {
	Type         string `json:"taskType"`
	DocumentType string `json:"documentType"`
	Language     string `json:"language"`
	Format       Format `json:"format"`
}

// Normalize fills defaults and canonicalises the language tag. It returns an
// error wrapping ErrInvalidRequest for anything outside the allowed shapes.
func (t Task) Normalize() (Task, error) {
	if !identRe.MatchString(t.Type) {
		return t, fmt.Errorf("%w: task type must match %s", ErrInvalidRequest, identRe)
	}
	if t.DocumentType == "" {
		t.DocumentType = "general"
	}
	if !identRe.MatchString(t.DocumentType) {
		return t, fmt.Errorf("%w: document type must match %s", ErrInvalidRequest, identRe)
	}
	if t.Format == "" {
		t.Format = FormatText
	}
	if !t.Format.valid() {
		return t, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, t.Format)
	}
	tag, err := language.Parse(t.Language)
	if err != nil {
		return t, fmt.Errorf("%w: language: %v", ErrInvalidRequest, err)
	}
	t.Language = tag.String()
	return t, nil
}

// Request is one call to the remote service.
type Request struct {
	// CorrelationID travels as a header for tracing. It is not part of the
	// payload.
	CorrelationID  string
	AnonymizedText string
	Task           Task
}

// PayloadKeys are the only keys a wire payload may carry.
var PayloadKeys = []string{"anonymizedText", "taskType", "documentType", "language", "format"}

// Validate checks the request and returns a copy with a normalised Task.
func (r Request) Validate() (Request, error) {
	if strings.TrimSpace(r.AnonymizedText) == "" {
		return r, fmt.Errorf("%w: empty text", ErrInvalidRequest)
	}
	if !utf8.ValidString(r.AnonymizedText) {
		return r, fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidRequest)
	}
	task, err := r.Task.Normalize()
	if err != nil {
		return r, err
	}
	r.Task = task
	return r, nil
}

// Payload validates r and encodes the wire payload.
func (r Request) Payload() ([]byte, error) {
	r, err := r.Validate()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]string{
		"anonymizedText": r.AnonymizedText,
		"taskType":       r.Task.Type,
		"documentType":   r.Task.DocumentType,
		"language":       r.Task.Language,
		"format":         string(r.Task.Format),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := ValidatePayload(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ValidatePayload rejects any payload that is not a flat JSON object of
// strings with exactly the keys in PayloadKeys.
func ValidatePayload(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("%w: payload is not a JSON object: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after payload", ErrInvalidRequest)
	}
	allowed := make(map[string]bool, len(PayloadKeys))
	for _, k := range PayloadKeys {
		allowed[k] = true
	}
	for k, raw := range fields {
		if !allowed[k] {
			return fmt.Errorf("%w: unexpected field %q", ErrInvalidRequest, k)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: field %q must be a string", ErrInvalidRequest, k)
		}
	}
	for _, k := range PayloadKeys {
		if _, ok := fields[k]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrInvalidRequest, k)
		}
	}
	return nil
}

// CheckResponse turns a raw response body into text, rejecting empty and
// non-UTF-8 bodies.
func CheckResponse(body []byte) (string, error) {
	if !utf8.Valid(body) {
		return "", fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidResponse)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrInvalidResponse)
	}
	return string(body), nil
}

// Service is the remote text-in/text-out collaborator.
type Service interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f ServiceFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// EchoService returns the anonymized text unchanged. It stands in for the
// remote model in dry runs and round-trip checks.
type EchoService struct{}

// Complete validates req and echoes its text.
func (EchoService) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req, err := req.Validate()
	if err != nil {
		return "", err
	}
	return req.AnonymizedText, nil
}

// classifyStatus maps an HTTP status to a failure class. 2xx maps to nil.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrTimeout
	case code == http.StatusTooManyRequests || code >= 500:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

// classifyTransport maps a transport error. Cancellation by the caller is
// passed through unchanged so it is never mistaken for a remote failure.
func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

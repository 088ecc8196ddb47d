package handshake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"legal-pii-handshake/internal/anonymizer"
)

// State is the lifecycle position of one round trip.
type State string

// Round-trip states. Completed and Failed are terminal.
const (
	StateCreated          State = "Created"
	StateAnonymized       State = "Anonymized"
	StateDispatched       State = "Dispatched"
	StateAwaitingResponse State = "AwaitingResponse"
	StateRehydrated       State = "Rehydrated"
	StateCompleted        State = "Completed"
	StateFailed           State = "Failed"
)

// IsTerminal reports whether s ends the round trip.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return !IsTerminal(from)
	}
	switch from {
	case StateCreated:
		return to == StateAnonymized
	case StateAnonymized:
		return to == StateDispatched
	case StateDispatched:
		return to == StateAwaitingResponse
	case StateAwaitingResponse:
		// Dispatched again for the single retry.
		return to == StateRehydrated || to == StateDispatched
	case StateRehydrated:
		return to == StateCompleted
	default:
		return false
	}
}

// RequestContext is one anonymize, dispatch and rehydrate round trip. It is
// the sole owner of the document's TokenMap.
type RequestContext struct {
	CorrelationID string
	FirmID        string
	DocumentHash  string
	TaskType      string
	CreatedAt     time.Time
	Deadline      time.Time

	mu      sync.Mutex
	state   State
	history []State
	reason  Reason
	tokens  *anonymizer.TokenMap
	cancel  context.CancelCauseFunc
}

func newRequestContext(id, firmID, hash, taskType string, created time.Time, deadline time.Time) *RequestContext {
	return &RequestContext{
		CorrelationID: id,
		FirmID:        firmID,
		DocumentHash:  hash,
		TaskType:      taskType,
		CreatedAt:     created,
		Deadline:      deadline,
		state:         StateCreated,
		history:       []State{StateCreated},
	}
}

// State returns the current state.
func (rc *RequestContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Reason returns the failure reason once the context has failed.
func (rc *RequestContext) Reason() Reason {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.reason
}

// History returns every state the context has passed through, in order.
func (rc *RequestContext) History() []State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]State(nil), rc.history...)
}

// transition moves the context from the expected state to the next one. A
// mismatch or a disallowed edge leaves the state unchanged.
func (rc *RequestContext) transition(from, to State) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state != from {
		return fmt.Errorf("request %s: expected state %s, got %s", rc.CorrelationID, from, rc.state)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("request %s: disallowed transition %s -> %s", rc.CorrelationID, from, to)
	}
	rc.state = to
	rc.history = append(rc.history, to)
	return nil
}

// fail moves any non-terminal context to Failed. It reports false if the
// context had already terminated.
func (rc *RequestContext) fail(reason Reason) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if IsTerminal(rc.state) {
		return false
	}
	rc.state = StateFailed
	rc.reason = reason
	rc.history = append(rc.history, StateFailed)
	return true
}

// attach hands tm to the context. A context holds at most one map.
func (rc *RequestContext) attach(tm *anonymizer.TokenMap) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.tokens != nil {
		rc.tokens.Destroy()
	}
	rc.tokens = tm
}

// tokenMap returns the attached map, nil once released.
func (rc *RequestContext) tokenMap() *anonymizer.TokenMap {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.tokens
}

// release zeroes and detaches the TokenMap. Safe to call more than once and
// from any goroutine.
func (rc *RequestContext) release() {
	rc.mu.Lock()
	tm := rc.tokens
	rc.tokens = nil
	rc.mu.Unlock()
	if tm != nil {
		tm.Destroy()
	}
}

// Released reports whether the TokenMap has been destroyed and detached.
func (rc *RequestContext) Released() bool {
	return rc.tokenMap() == nil
}

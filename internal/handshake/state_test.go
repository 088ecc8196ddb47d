package handshake

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsAllowedTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateCreated, StateAnonymized},
		{StateAnonymized, StateDispatched},
		{StateDispatched, StateAwaitingResponse},
		{StateAwaitingResponse, StateRehydrated},
		{StateAwaitingResponse, StateDispatched},
		{StateRehydrated, StateCompleted},
		{StateCreated, StateFailed},
		{StateAwaitingResponse, StateFailed},
		{StateRehydrated, StateFailed},
	}
	for _, c := range allowed {
		if !isAllowedTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}
	rejected := []struct{ from, to State }{
		{StateCreated, StateDispatched},
		{StateAnonymized, StateRehydrated},
		{StateDispatched, StateCompleted},
		{StateCompleted, StateFailed},
		{StateFailed, StateCreated},
		{StateCompleted, StateCreated},
	}
	for _, c := range rejected {
		if isAllowedTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestRequestContextTransition(t *testing.T) {
	rc := newRequestContext("c-1", "firm", "h", "draft", time.Now(), time.Now().Add(time.Minute))

	if err := rc.transition(StateAnonymized, StateDispatched); err == nil {
		t.Error("expected error for a stale from-state")
	}
	if err := rc.transition(StateCreated, StateRehydrated); err == nil {
		t.Error("expected error for a disallowed edge")
	}
	if rc.State() != StateCreated {
		t.Fatalf("rejected transitions must not change state, got %s", rc.State())
	}
	if err := rc.transition(StateCreated, StateAnonymized); err != nil {
		t.Fatal(err)
	}
	if !rc.fail(ReasonCancelled) || rc.State() != StateFailed || rc.Reason() != ReasonCancelled {
		t.Errorf("fail: state=%s reason=%s", rc.State(), rc.Reason())
	}
	if rc.fail(ReasonRemoteTimeout) {
		t.Error("a terminal context cannot fail again")
	}
	want := []State{StateCreated, StateAnonymized, StateFailed}
	if got := rc.History(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("history %v, want %v", got, want)
	}
}

func TestFailureError(t *testing.T) {
	cause := errors.New("status 503")
	f := &Failure{CorrelationID: "c-9", Reason: ReasonRemoteUnavailable, Stage: StageDispatch, Err: cause}
	msg := f.Error()
	for _, part := range []string{"c-9", "dispatch", "RemoteUnavailable", "status 503"} {
		if !strings.Contains(msg, part) {
			t.Errorf("message %q lacks %q", msg, part)
		}
	}
	if !errors.Is(f, cause) {
		t.Error("Failure should unwrap to its cause")
	}
	wrapped := fmt.Errorf("serve: %w", f)
	if ReasonOf(wrapped) != ReasonRemoteUnavailable {
		t.Errorf("ReasonOf = %q", ReasonOf(wrapped))
	}
	if ReasonOf(cause) != "" {
		t.Error("ReasonOf a plain error should be empty")
	}
}

func TestDocumentHash(t *testing.T) {
	a := DocumentHash("firm-a", "Sehr geehrter Herr Mueller")
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a != DocumentHash("firm-a", "Sehr geehrter Herr Mueller") {
		t.Error("hash must be deterministic")
	}
	if a == DocumentHash("firm-b", "Sehr geehrter Herr Mueller") {
		t.Error("hash must be firm-scoped")
	}
	if DocumentHash("ab", "c") == DocumentHash("a", "bc") {
		t.Error("firm and text must be separated")
	}
	if strings.Contains(a, "Mueller") {
		t.Error("hash must not contain the text")
	}
}

func TestRegistryExpiryReleasesTokens(t *testing.T) {
	r := newRegistry(10 * time.Millisecond)
	rc := newRequestContext("c-exp", "firm", "h", "draft", time.Now(), time.Now())
	var cause error
	rc.cancel = func(err error) { cause = err }
	rc.attach(testTokenMap(t))

	r.add(rc, 20*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for !rc.Released() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !rc.Released() {
		t.Fatal("expired entry did not release its TokenMap")
	}
	if !errors.Is(cause, errExpired) {
		t.Errorf("cancel cause = %v", cause)
	}
	if _, ok := r.get("c-exp"); ok {
		t.Error("expired entry still listed")
	}
}

func TestRegistryRemoveDoesNotCancelTerminal(t *testing.T) {
	r := newRegistry(time.Minute)
	rc := newRequestContext("c-done", "firm", "h", "draft", time.Now(), time.Now())
	cancelled := false
	rc.cancel = func(error) { cancelled = true }
	rc.fail(ReasonInvalidResponse)

	r.add(rc, time.Minute)
	if r.len() != 1 || len(r.list()) != 1 {
		t.Fatalf("expected one entry, got %d", r.len())
	}
	r.remove("c-done")
	if cancelled {
		t.Error("removing a finished entry must not cancel it")
	}
}

package handshake

import (
	"errors"
	"fmt"
)

// Reason classifies why a round trip failed.
type Reason string

// Failure reasons.
const (
	ReasonDetectionFailure      Reason = "DetectionFailure"
	ReasonRemoteTimeout         Reason = "RemoteTimeout"
	ReasonRemoteUnavailable     Reason = "RemoteUnavailable"
	ReasonInvalidResponse       Reason = "InvalidResponse"
	ReasonUnresolvedPlaceholder Reason = "UnresolvedPlaceholder"
	ReasonCancelled             Reason = "Cancelled"
	ReasonInvalidRequest        Reason = "InvalidRequest"
)

// Stage names the pipeline step a failure happened in.
type Stage string

// Pipeline stages.
const (
	StageValidate  Stage = "validate"
	StageAnonymize Stage = "anonymize"
	StageDispatch  Stage = "dispatch"
	StageRehydrate Stage = "rehydrate"
)

// ErrCancelled is the cancellation cause set by Coordinator.Cancel.
var ErrCancelled = errors.New("request cancelled")

// errExpired is the cancellation cause set when an in-flight entry outlives
// its registry TTL.
var errExpired = errors.New("in-flight entry expired")

// Failure is the structured error of a failed round trip. Its message carries
// the correlation id, reason and stage but never document text.
type Failure struct {
	CorrelationID string
	Reason        Reason
	Stage         Stage
	Err           error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	msg := fmt.Sprintf("request %s failed at %s: %s", f.CorrelationID, f.Stage, f.Reason)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// ReasonOf returns the failure reason carried by err, or "" when err is not a
// *Failure.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

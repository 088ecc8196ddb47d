// Package signals turns a finished interaction into a learning signal the
// remote side may consume.
//
// A LearningSignal has no field that can hold document text. Edits are
// reported as a coarse bucket computed locally; the exact distance and both
// texts are discarded before the signal exists. Correlation ids may be
// replaced by a firm-scoped keyed hash so signals cannot be joined back to
// local request logs by the receiver.
package signals

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Outcome is what the user did with the rehydrated draft.
type Outcome string

// Outcomes.
const (
	AcceptedNoEdits   Outcome = "accepted_no_edits"
	AcceptedWithEdits Outcome = "accepted_with_edits"
	Rejected          Outcome = "rejected"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case AcceptedNoEdits, AcceptedWithEdits, Rejected:
		return true
	}
	return false
}

// ErrInvalidSignal is returned for actions that cannot be abstracted.
var ErrInvalidSignal = errors.New("invalid learning signal")

// Interaction identifies the round trip a signal is about. It carries
// identifiers only.
type Interaction struct {
	CorrelationID string
	FirmID        string
	TaskType      string
}

// UserAction is the user's reaction to a draft. Edit is only meaningful for
// AcceptedWithEdits; see MeasureEdit.
type UserAction struct {
	Kind Outcome
	Edit EditBucket
}

// LearningSignal is the record sent to the analytics collaborator.
type LearningSignal struct {
	CorrelationID string     `json:"correlationId"`
	FirmID        string     `json:"firmId"`
	TaskType      string     `json:"taskType"`
	Outcome       Outcome    `json:"outcome"`
	EditBucket    EditBucket `json:"editDistanceBucket,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Abstractor builds learning signals.
type Abstractor struct {
	key []byte
	now func() time.Time
}

// NewAbstractor returns an Abstractor. With a non-empty key, correlation ids
// are replaced by a keyed BLAKE2b hash scoped to the firm. Keys longer than 64
// bytes are rejected.
func NewAbstractor(key []byte) (*Abstractor, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("signals: pseudonym key longer than %d bytes", blake2b.Size)
	}
	return &Abstractor{key: append([]byte(nil), key...), now: time.Now}, nil
}

// Abstract builds the signal for in and act. Timestamps are truncated to the
// minute.
func (a *Abstractor) Abstract(in Interaction, act UserAction) (LearningSignal, error) {
	if in.CorrelationID == "" || in.FirmID == "" || in.TaskType == "" {
		return LearningSignal{}, fmt.Errorf("%w: incomplete interaction", ErrInvalidSignal)
	}
	if !act.Kind.Valid() {
		return LearningSignal{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidSignal, act.Kind)
	}
	bucket := act.Edit
	switch act.Kind {
	case AcceptedWithEdits:
		if bucket != "" && !bucket.Valid() {
			return LearningSignal{}, fmt.Errorf("%w: unknown edit bucket %q", ErrInvalidSignal, bucket)
		}
	default:
		bucket = ""
	}
	return LearningSignal{
		CorrelationID: a.pseudonym(in.FirmID, in.CorrelationID),
		FirmID:        in.FirmID,
		TaskType:      in.TaskType,
		Outcome:       act.Kind,
		EditBucket:    bucket,
		Timestamp:     a.now().UTC().Truncate(time.Minute),
	}, nil
}

func (a *Abstractor) pseudonym(firmID, correlationID string) string {
	if len(a.key) == 0 {
		return correlationID
	}
	h, err := blake2b.New256(a.key)
	if err != nil {
		return correlationID
	}
	h.Write([]byte(firmID))        //nolint:errcheck // hash writes never fail
	h.Write([]byte{0})             //nolint:errcheck
	h.Write([]byte(correlationID)) //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil)[:16])
}

package activitysync

import (
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies the source of a monitoring event.
type RecordKind string

const (
	// KindCall is metadata for a phone call.
	KindCall RecordKind = "call"
	// KindMessage is metadata for a text message.
	KindMessage RecordKind = "message"
)

// Valid returns true if the kind is one of the known record kinds.
func (k RecordKind) Valid() bool {
	return k == KindCall || k == KindMessage
}

// SyncState is the delivery lifecycle state of a record.
type SyncState string

const (
	// StatePending marks a record waiting to be selected for delivery.
	StatePending SyncState = "pending"
	// StateSyncing marks a record selected into an in-flight batch.
	StateSyncing SyncState = "syncing"
	// StateSynced marks a record acknowledged by the collector. Terminal.
	StateSynced SyncState = "synced"
	// StateFailed marks a record whose last delivery attempt failed.
	StateFailed SyncState = "failed"
)

// Valid returns true if the state is one of the known sync states.
func (s SyncState) Valid() bool {
	switch s {
	case StatePending, StateSyncing, StateSynced, StateFailed:
		return true
	}
	return false
}

// validTransitions enumerates the allowed state machine edges:
// PENDING -> SYNCING -> {SYNCED, FAILED}, FAILED -> SYNCING (retry),
// SYNCING -> PENDING (crash recovery). SYNCED is terminal.
var validTransitions = map[SyncState]map[SyncState]bool{
	StatePending: {StateSyncing: true},
	StateSyncing: {StateSynced: true, StateFailed: true, StatePending: true},
	StateFailed:  {StateSyncing: true},
	StateSynced:  {},
}

// CanTransition reports whether a record may move from one state to another.
func CanTransition(from, to SyncState) bool {
	return validTransitions[from][to]
}

// RetryCountFrozen is the sentinel retry count assigned to records that
// failed validation. Frozen records classify NORMAL, sort behind live
// retries, and are never swept back into rotation.
const RetryCountFrozen = 1 << 30

// Record is one monitoring event awaiting delivery to the collector.
// The payload is an opaque encrypted blob; the engine never inspects it.
type Record struct {
	ID            string     `json:"id"`
	Kind          RecordKind `json:"kind"`
	Payload       []byte     `json:"payload"`
	RiskScore     float64    `json:"risk_score"`
	CreatedAt     time.Time  `json:"created_at"`
	SyncState     SyncState  `json:"sync_state"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// NewRecord creates a pending record with a fresh unique id.
func NewRecord(kind RecordKind, payload []byte, riskScore float64) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		RiskScore: riskScore,
		CreatedAt: time.Now().UTC(),
		SyncState: StatePending,
	}
}

// Frozen returns true if the record's retry count carries the validation
// sentinel and the record is out of normal retry rotation.
func (r *Record) Frozen() bool {
	return r.RetryCount >= RetryCountFrozen
}

// Validate checks structural integrity of a record before it enters a
// batch. A record that fails validation is contained: marked failed with a
// frozen retry count, never silently dropped.
func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return &ValidationError{RecordID: r.ID, Reason: "empty id"}
	case !r.Kind.Valid():
		return &ValidationError{RecordID: r.ID, Reason: "unknown kind " + string(r.Kind)}
	case len(r.Payload) == 0:
		return &ValidationError{RecordID: r.ID, Reason: "missing payload"}
	case r.RiskScore < 0 || r.RiskScore > 1:
		return &ValidationError{RecordID: r.ID, Reason: "risk score out of range"}
	}
	return nil
}

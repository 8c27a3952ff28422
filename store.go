package activitysync

import (
	"context"
	"time"
)

// RecordStore is the durable persistence layer for queued records and their
// lifecycle state. Implementations must serialize writes internally so
// concurrent producers never corrupt state or lose records, and must read
// batches from a consistent snapshot.
type RecordStore interface {
	// Append inserts a record in the pending state. Returns ErrDuplicateID
	// if the id already exists.
	Append(ctx context.Context, rec *Record) error

	// MarkState transitions all given records to newState atomically.
	// Returns ErrInvalidTransition (and changes nothing) if any record's
	// current state disallows the transition, ErrRecordNotFound if an id
	// does not exist. Transitions to failed increment retry counts and stamp
	// the attempt time; frozen retry counts stay frozen.
	MarkState(ctx context.Context, ids []string, newState SyncState) error

	// Freeze marks a record failed with the frozen retry count sentinel,
	// taking it out of normal retry rotation.
	Freeze(ctx context.Context, id string) error

	// FetchBatch returns up to maxCount records in the given state and
	// priority tier, oldest first, without mutating state. The named tiers
	// never return frozen records; only TierAny matches them. A negative
	// maxCount means no limit.
	FetchBatch(ctx context.Context, state SyncState, tier PriorityTier, maxCount int) ([]*Record, error)

	// CountByState returns the number of records in the given state.
	CountByState(ctx context.Context, state SyncState) (int, error)

	// MaxRiskPending returns the highest risk score among records eligible
	// for delivery (pending or failed, not frozen). Zero when empty.
	MaxRiskPending(ctx context.Context) (float64, error)

	// PurgeSyncedBefore deletes synced records created before cutoff and
	// returns them for optional archival. Only terminal records are ever
	// physically deleted.
	PurgeSyncedBefore(ctx context.Context, cutoff time.Time) ([]*Record, error)

	// RecoverInFlight resets any record left in the syncing state by a
	// prior run back to pending, returning how many were reset.
	RecoverInFlight(ctx context.Context) (int, error)

	// Close releases the store's resources.
	Close() error
}

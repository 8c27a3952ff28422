package activitysync

import (
	"context"
	"errors"
	"log"
	"time"
)

// CycleResult reports the outcome of one sync cycle back to the scheduler,
// which uses it to compute the next interval.
type CycleResult struct {
	// Selected is the number of records chosen into the batch.
	Selected int
	// Synced is the number of records committed to the synced state.
	Synced int
	// Failed is the number of records returned to the retry path.
	Failed int
	// Contained is the number of malformed records frozen out of rotation.
	Contained int
	// Duration is the wall time of the cycle.
	Duration time.Duration
	// Err is the cycle error, nil on success or when the backlog was empty.
	Err error
	// AuthFailure marks a credential rejection; the scheduler suspends
	// until the external re-authentication flow resumes it.
	AuthFailure bool
	// StorageFailure marks a record store failure; fatal to the engine.
	StorageFailure bool
}

// Success reports whether the cycle delivered without error.
func (r CycleResult) Success() bool {
	return r.Err == nil
}

// SyncExecutor performs one sync cycle: select a prioritized batch, move it
// through the syncing state, call the transport, and commit the outcome.
// The scheduler guarantees at most one cycle runs at a time.
type SyncExecutor struct {
	store     RecordStore
	transport Transport
	config    SyncConfig
	nodeID    string
	logger    *log.Logger
}

// NewSyncExecutor creates an executor over the given store and transport.
func NewSyncExecutor(store RecordStore, transport Transport, nodeID string, config SyncConfig, logger *log.Logger) *SyncExecutor {
	return &SyncExecutor{
		store:     store,
		transport: transport,
		config:    config,
		nodeID:    nodeID,
		logger:    logger,
	}
}

// selectBatch assembles the next batch: critical records first, then high,
// then normal, oldest first within each tier, pulling from both the pending
// queue and the failed retry pool. The tier fetches exclude frozen records
// at the store level, so they never consume batch capacity.
func (e *SyncExecutor) selectBatch(ctx context.Context) ([]*Record, error) {
	var selected []*Record
	limit := e.config.BatchSize

	for _, tier := range []PriorityTier{TierCritical, TierHigh, TierNormal} {
		remaining := limit - len(selected)
		if remaining <= 0 {
			break
		}

		pending, err := e.store.FetchBatch(ctx, StatePending, tier, remaining)
		if err != nil {
			return nil, err
		}
		failed, err := e.store.FetchBatch(ctx, StateFailed, tier, remaining)
		if err != nil {
			return nil, err
		}

		tierRecs := make([]*Record, 0, len(pending)+len(failed))
		tierRecs = append(tierRecs, pending...)
		tierRecs = append(tierRecs, failed...)
		sortByPriority(tierRecs)

		if len(tierRecs) > remaining {
			tierRecs = tierRecs[:remaining]
		}
		selected = append(selected, tierRecs...)

		// Critical batches may be capped tighter so the collector can
		// acknowledge high-risk records individually.
		if tier == TierCritical && len(selected) > 0 && e.config.CriticalBatchSize < limit {
			limit = e.config.CriticalBatchSize
			if len(selected) > limit {
				selected = selected[:limit]
			}
		}
	}

	return selected, nil
}

// RunCycle executes one sync cycle. An empty backlog is a successful no-op.
func (e *SyncExecutor) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	result := CycleResult{}

	batch, err := e.selectBatch(ctx)
	if err != nil {
		return e.fail(result, start, err)
	}

	// Contain malformed records before they enter a batch: frozen out of
	// rotation, never silently dropped.
	live := batch[:0]
	for _, rec := range batch {
		if verr := rec.Validate(); verr != nil {
			e.logger.Printf("Containing invalid record %s: %v", rec.ID, verr)
			if ferr := e.store.Freeze(ctx, rec.ID); ferr != nil && !errors.Is(ferr, ErrRecordNotFound) {
				return e.fail(result, start, ferr)
			}
			result.Contained++
			continue
		}
		live = append(live, rec)
	}
	batch = live

	if len(batch) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	ids := make([]string, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
	}
	result.Selected = len(batch)

	// Claim the batch. If the claim fails the cycle aborts and the records
	// stay where they were.
	if err := e.store.MarkState(ctx, ids, StateSyncing); err != nil {
		e.logger.Printf("Aborting cycle, could not claim batch: %v", err)
		return e.fail(result, start, err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, e.config.UploadTimeout)
	err = e.transport.Upload(uploadCtx, newUploadBatch(e.nodeID, batch))
	cancel()

	if err != nil {
		// The whole batch returns to the retry path; retry counts and
		// attempt times move in the same transaction.
		if merr := e.store.MarkState(ctx, ids, StateFailed); merr != nil {
			return e.fail(result, start, merr)
		}
		result.Failed = len(batch)
		result.Err = err
		result.AuthFailure = IsAuthError(err)
		result.Duration = time.Since(start)
		e.logger.Printf("Sync cycle failed: %d records returned to retry: %v", len(batch), err)
		return result
	}

	// All-or-nothing commit. If this fails the records sit in syncing and
	// crash recovery returns them to pending on next start; the collector
	// tolerates the replay.
	if err := e.store.MarkState(ctx, ids, StateSynced); err != nil {
		return e.fail(result, start, err)
	}

	result.Synced = len(batch)
	result.Duration = time.Since(start)
	e.logger.Printf("Sync cycle complete: %d records delivered", len(batch))
	return result
}

func (e *SyncExecutor) fail(result CycleResult, start time.Time, err error) CycleResult {
	result.Err = err
	result.Duration = time.Since(start)

	var serr *StorageError
	if errors.As(err, &serr) || errors.Is(err, ErrClosed) {
		result.StorageFailure = true
	}
	result.AuthFailure = IsAuthError(err)
	return result
}

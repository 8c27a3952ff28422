package activitysync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Archiver receives synced records removed by the retention sweep.
type Archiver interface {
	Archive(ctx context.Context, recs []*Record) error
}

// EngineStats aggregates backlog and delivery counters for admin queries.
type EngineStats struct {
	Pending   int             `json:"pending"`
	Syncing   int             `json:"syncing"`
	Synced    int             `json:"synced"`
	Failed    int             `json:"failed"`
	Submitted uint64          `json:"submitted"`
	Purged    uint64          `json:"purged"`
	Archived  uint64          `json:"archived"`
	Scheduler SchedulerStatus `json:"-"`
}

// Engine wires the record store, condition monitor, scheduler, and executor
// into one explicitly constructed unit owned by the process entry point.
// There is no global state and no lazy initialization: build it, Start it,
// Stop it.
type Engine struct {
	config    Config
	store     RecordStore
	monitor   *ConditionMonitor
	scheduler *Scheduler
	executor  *SyncExecutor
	archiver  Archiver

	submitted atomic.Uint64
	purged    atomic.Uint64
	archived  atomic.Uint64

	mu       sync.Mutex
	fatalErr error
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine with a SQLite record store at config.Store.Path.
// Opening the store recovers any records a prior run left in flight. The
// S3 archiver is constructed when config.Archive.Enabled is set.
func New(config Config, transport Transport) (*Engine, error) {
	config.normalize()

	store, err := NewSQLiteStore(config.Store)
	if err != nil {
		return nil, err
	}

	var archiver Archiver
	if config.Archive.Enabled {
		archiver, err = NewS3Archiver(context.Background(), config.NodeID, config.Archive)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	eng := NewWithStore(config, store, transport)
	eng.archiver = archiver
	return eng, nil
}

// NewWithStore creates an engine over an already-open record store. The
// caller keeps ownership of nothing: Stop closes the store.
func NewWithStore(config Config, store RecordStore, transport Transport) *Engine {
	config.normalize()

	eng := &Engine{
		config:  config,
		store:   store,
		monitor: NewConditionMonitor(),
		done:    make(chan struct{}),
	}
	eng.executor = NewSyncExecutor(store, transport, config.NodeID, config.Sync, config.Logger)
	eng.scheduler = NewScheduler(store, eng.executor, eng.monitor, config.Scheduler, config.Logger, eng.onFatal)
	return eng
}

// Start launches the scheduler loop and the retention sweep.
func (e *Engine) Start() {
	e.scheduler.Start()
	e.wg.Add(1)
	go e.retentionLoop()
	e.config.Logger.Printf("Engine started (node %s)", e.config.NodeID)
}

// Stop shuts everything down: scheduler first so no cycle is in flight,
// then the sweep, then the store. Records caught mid-cycle are recovered to
// pending on next start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.scheduler.Stop()
	close(e.done)
	e.wg.Wait()
	err := e.store.Close()
	e.config.Logger.Printf("Engine stopped")
	return err
}

// Submit appends a classified record from a producer and returns its id.
// Synchronous; fails only on storage error. A structurally invalid record is
// persisted and immediately frozen out of retry rotation rather than
// silently dropped.
func (e *Engine) Submit(ctx context.Context, kind RecordKind, encryptedPayload []byte, riskScore float64) (string, error) {
	rec := NewRecord(kind, encryptedPayload, riskScore)

	if err := e.store.Append(ctx, rec); err != nil {
		return "", err
	}
	e.submitted.Add(1)

	if verr := rec.Validate(); verr != nil {
		e.config.Logger.Printf("Containing invalid submission %s: %v", rec.ID, verr)
		if err := e.store.Freeze(ctx, rec.ID); err != nil {
			return rec.ID, err
		}
		return rec.ID, nil
	}

	e.scheduler.NotifyAppend(rec.RiskScore)
	return rec.ID, nil
}

// ForceSync requests an immediate sync cycle (admin operation).
func (e *Engine) ForceSync() error {
	return e.scheduler.ForceSync()
}

// Pause suspends the scheduler (admin operation).
func (e *Engine) Pause(reason string) {
	e.scheduler.Pause(reason)
}

// Resume restarts a suspended scheduler, e.g. after the external
// re-authentication flow completes.
func (e *Engine) Resume() {
	e.scheduler.Resume()
}

// Conditions returns the condition monitor so the embedding app can feed
// network and power signals in.
func (e *Engine) Conditions() *ConditionMonitor {
	return e.monitor
}

// Err returns the fatal error that stopped the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}

// Stats returns backlog and delivery counters.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	stats := EngineStats{
		Submitted: e.submitted.Load(),
		Purged:    e.purged.Load(),
		Archived:  e.archived.Load(),
		Scheduler: e.scheduler.Status(),
	}

	var err error
	if stats.Pending, err = e.store.CountByState(ctx, StatePending); err != nil {
		return stats, err
	}
	if stats.Syncing, err = e.store.CountByState(ctx, StateSyncing); err != nil {
		return stats, err
	}
	if stats.Synced, err = e.store.CountByState(ctx, StateSynced); err != nil {
		return stats, err
	}
	if stats.Failed, err = e.store.CountByState(ctx, StateFailed); err != nil {
		return stats, err
	}
	return stats, nil
}

// onFatal records a storage failure. The scheduler has already stopped
// itself; the embedding process should Stop the engine and decide whether
// to restart with a fresh store.
func (e *Engine) onFatal(err error) {
	e.mu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.mu.Unlock()
}

// retentionLoop periodically purges synced records past the retention
// deadline. Purged records are handed to the archiver when one is
// configured; archival is best effort, the records were already delivered.
func (e *Engine) retentionLoop() {
	defer e.wg.Done()

	if e.config.Retention.RetentionDuration <= 0 {
		return
	}

	ticker := time.NewTicker(e.config.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-e.config.Retention.RetentionDuration)
	purged, err := e.store.PurgeSyncedBefore(ctx, cutoff)
	if err != nil {
		e.config.Logger.Printf("Retention sweep failed: %v", err)
		return
	}
	if len(purged) == 0 {
		return
	}
	e.purged.Add(uint64(len(purged)))
	e.config.Logger.Printf("Retention sweep purged %d synced records", len(purged))

	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, purged); err != nil {
			e.config.Logger.Printf("Archive upload failed: %v", err)
			return
		}
		e.archived.Add(uint64(len(purged)))
	}
}

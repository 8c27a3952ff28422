package activitysync

import (
	"context"
	"log"
	"sync"
	"time"
)

// SchedulerState is the run-loop state.
type SchedulerState string

const (
	// SchedulerIdle means the loop is between evaluations.
	SchedulerIdle SchedulerState = "idle"
	// SchedulerWaiting means the loop is asleep until nextDueAt or an event.
	SchedulerWaiting SchedulerState = "waiting"
	// SchedulerRunning means a sync cycle is executing.
	SchedulerRunning SchedulerState = "running"
)

// SyncDecision is the transient outcome of one scheduling evaluation. It is
// recomputed every tick from backlog, conditions, and failure history, and
// never persisted.
type SyncDecision struct {
	ShouldRun    bool
	Tier         PriorityTier
	Reason       string
	NextInterval time.Duration

	// Fatal marks a storage failure. The loop stops instead of waiting.
	Fatal bool
}

// SchedulerStatus is a snapshot of the scheduler for admin queries.
type SchedulerStatus struct {
	State               SchedulerState
	NextDueAt           time.Time
	ConsecutiveFailures int
	Paused              bool
	PauseReason         string
	LastResult          CycleResult
	LastRunAt           time.Time
}

// Scheduler owns the run loop. It decides when to sync from backlog volume,
// priority, and device conditions, and guarantees single-flight execution:
// one logical loop, one cycle at a time, triggers during a run coalesce to
// nothing.
type Scheduler struct {
	store    RecordStore
	executor *SyncExecutor
	monitor  *ConditionMonitor
	config   SchedulerConfig
	logger   *log.Logger

	// onFatal is invoked once when a storage failure stops the loop.
	onFatal func(error)

	mu                  sync.Mutex
	state               SchedulerState
	nextDueAt           time.Time
	paused              bool
	pauseReason         string
	consecutiveFailures int
	lastResult          CycleResult
	lastRunAt           time.Time

	trigger chan struct{} // forced run, coalesced
	wake    chan struct{} // re-evaluate deadline, coalesced

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler. onFatal may be nil.
func NewScheduler(store RecordStore, executor *SyncExecutor, monitor *ConditionMonitor,
	config SchedulerConfig, logger *log.Logger, onFatal func(error)) *Scheduler {
	config.normalize()
	return &Scheduler{
		store:    store,
		executor: executor,
		monitor:  monitor,
		config:   config,
		logger:   logger,
		onFatal:  onFatal,
		state:    SchedulerIdle,
		trigger:  make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the run loop. Safe to call once.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop shuts the loop down and waits for an in-flight cycle to finish. Any
// records left in the syncing state are reset to pending by crash recovery
// on next start, so stopping mid-cycle is safe by construction.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// ForceSync requests an immediate cycle. A trigger while a cycle is already
// running is a no-op; there is never a second concurrent run.
func (s *Scheduler) ForceSync() error {
	s.mu.Lock()
	paused, running := s.paused, s.state == SchedulerRunning
	s.mu.Unlock()

	if paused {
		return ErrSchedulerPaused
	}
	if running {
		return nil
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Pause suspends scheduling. In-flight cycles finish; no new cycle starts
// until Resume.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	s.paused = true
	s.pauseReason = reason
	s.mu.Unlock()
	s.logger.Printf("Scheduler paused: %s", reason)
	s.poke(s.wake)
}

// Resume clears a suspension (admin request or completed re-authentication)
// and re-evaluates immediately.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.pauseReason = ""
	s.consecutiveFailures = 0
	s.mu.Unlock()
	s.logger.Printf("Scheduler resumed")
	s.poke(s.wake)
}

// NotifyAppend tells the scheduler a record was appended. A critical-risk
// record forces an immediate run; anything else just re-evaluates the
// deadline.
func (s *Scheduler) NotifyAppend(riskScore float64) {
	if riskScore >= criticalRiskThreshold {
		s.mu.Lock()
		paused, running := s.paused, s.state == SchedulerRunning
		s.mu.Unlock()
		if !paused && !running {
			s.poke(s.trigger)
			return
		}
	}
	s.poke(s.wake)
}

// Status returns a snapshot for admin queries.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		State:               s.state,
		NextDueAt:           s.nextDueAt,
		ConsecutiveFailures: s.consecutiveFailures,
		Paused:              s.paused,
		PauseReason:         s.pauseReason,
		LastResult:          s.lastResult,
		LastRunAt:           s.lastRunAt,
	}
}

func (s *Scheduler) poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	condCh := s.monitor.Subscribe()

	for {
		decision := s.Evaluate(ctx)

		if decision.Fatal {
			s.setState(SchedulerIdle)
			return
		}
		if decision.ShouldRun {
			if !s.runCycle(ctx) {
				return
			}
			continue
		}

		// The deadline anchors to the last run, not to this evaluation.
		// Wake and condition events re-evaluate the interval without
		// pushing a scheduled sync further out.
		s.mu.Lock()
		lastRun := s.lastRunAt
		s.mu.Unlock()

		wait := decision.NextInterval
		if !lastRun.IsZero() {
			wait = time.Until(lastRun.Add(decision.NextInterval))
		}
		if wait <= 0 {
			// Overdue. Run now if conditions allow, otherwise hold a full
			// interval; a condition event wakes the loop sooner.
			if s.dueEligible(ctx) {
				if !s.runCycle(ctx) {
					return
				}
				continue
			}
			wait = decision.NextInterval
		}

		s.mu.Lock()
		s.state = SchedulerWaiting
		s.nextDueAt = time.Now().Add(wait)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			s.setState(SchedulerIdle)
			return
		case <-timer.C:
			// Due. The next evaluation decides whether conditions still
			// permit a run.
			if s.dueEligible(ctx) {
				if !s.runCycle(ctx) {
					return
				}
			}
		case <-s.trigger:
			timer.Stop()
			if !s.runCycle(ctx) {
				return
			}
		case <-s.wake:
			timer.Stop()
		case <-condCh:
			timer.Stop()
		}
	}
}

// dueEligible checks whether a timer-due run should actually execute.
func (s *Scheduler) dueEligible(ctx context.Context) bool {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return false
	}

	cond := s.monitor.Snapshot()
	if !cond.Connected || cond.Network == NetworkNone {
		return false
	}

	pending, err := s.store.CountByState(ctx, StatePending)
	if err != nil {
		s.fatal(err)
		return false
	}
	failed, err := s.store.CountByState(ctx, StateFailed)
	if err != nil {
		s.fatal(err)
		return false
	}
	return pending+failed > 0
}

// runCycle executes one cycle and records the outcome. Returns false when
// the loop must stop (storage failure).
func (s *Scheduler) runCycle(ctx context.Context) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.setState(SchedulerRunning)
	result := s.executor.RunCycle(ctx)

	s.mu.Lock()
	s.state = SchedulerIdle
	s.lastResult = result
	s.lastRunAt = time.Now()
	if result.Success() {
		s.consecutiveFailures = 0
	} else {
		s.consecutiveFailures++
	}
	s.mu.Unlock()

	// Drop any trigger that arrived while running: coalesced, not queued.
	select {
	case <-s.trigger:
	default:
	}

	if result.StorageFailure {
		s.fatal(result.Err)
		return false
	}
	if result.AuthFailure {
		s.Pause("authentication rejected by collector")
	}
	return true
}

func (s *Scheduler) setState(state SchedulerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) fatal(err error) {
	s.logger.Printf("Scheduler stopping on storage failure: %v", err)
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

// Evaluate computes a fresh scheduling decision from current backlog,
// conditions, and failure history.
func (s *Scheduler) Evaluate(ctx context.Context) SyncDecision {
	s.mu.Lock()
	paused := s.paused
	failures := s.consecutiveFailures
	s.mu.Unlock()

	cond := s.monitor.Snapshot()

	if paused {
		return SyncDecision{Reason: "paused", NextInterval: s.config.MaxBackoff}
	}

	pending, err := s.store.CountByState(ctx, StatePending)
	if err != nil {
		s.fatal(err)
		return SyncDecision{Reason: "storage failure", Fatal: true}
	}
	failed, err := s.store.CountByState(ctx, StateFailed)
	if err != nil {
		s.fatal(err)
		return SyncDecision{Reason: "storage failure", Fatal: true}
	}
	backlog := pending + failed

	interval := s.intervalFor(cond, backlog)

	if !cond.Connected || cond.Network == NetworkNone {
		return SyncDecision{Tier: TierNormal, Reason: "offline", NextInterval: interval}
	}

	// After a failed cycle the next interval is overridden by exponential
	// backoff until the first success. Backoff also gates critical records,
	// otherwise a failing upload of one would spin without pause.
	if failures > 0 {
		backoffDelay := computeBackoff(failures, s.config.BaseBackoff, s.config.MaxBackoff, 2.0)
		return SyncDecision{Tier: s.tierFor(backlog), Reason: "failure backoff", NextInterval: backoffDelay}
	}

	// A critical record present bypasses the scheduled interval entirely.
	maxRisk, err := s.store.MaxRiskPending(ctx)
	if err != nil {
		s.fatal(err)
		return SyncDecision{Reason: "storage failure", Fatal: true}
	}
	if maxRisk >= criticalRiskThreshold {
		return SyncDecision{ShouldRun: true, Tier: TierCritical, Reason: "critical record pending", NextInterval: interval}
	}

	return SyncDecision{Tier: s.tierFor(backlog), Reason: "interval", NextInterval: interval}
}

func (s *Scheduler) tierFor(backlog int) PriorityTier {
	if backlog > s.config.HighBacklogThreshold {
		return TierHigh
	}
	return TierNormal
}

// intervalFor selects the table-driven interval from network type and
// backlog volume, with the low-power floor applied last.
func (s *Scheduler) intervalFor(cond ConditionState, backlog int) time.Duration {
	metered := cond.Network != NetworkUnmetered

	var interval time.Duration
	switch {
	case backlog > s.config.HighBacklogThreshold:
		if metered {
			interval = s.config.MeteredHigh
		} else {
			interval = s.config.UnmeteredHigh
		}
	case backlog <= s.config.LowBacklogThreshold:
		if metered {
			interval = s.config.MeteredLow
		} else {
			interval = s.config.UnmeteredLow
		}
	default:
		if metered {
			interval = s.config.MeteredNormal
		} else {
			interval = s.config.UnmeteredNormal
		}
	}

	if cond.LowPower && interval < s.config.LowPowerFloor {
		interval = s.config.LowPowerFloor
	}
	return interval
}

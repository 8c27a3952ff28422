package activitysync

import "sync"

// NetworkType classifies the current network for interval selection.
type NetworkType string

const (
	// NetworkNone means no network is available.
	NetworkNone NetworkType = "none"
	// NetworkMetered is a cellular-class, usage-billed network.
	NetworkMetered NetworkType = "metered"
	// NetworkUnmetered is a Wi-Fi-class network.
	NetworkUnmetered NetworkType = "unmetered"
)

// ConditionState is a snapshot of the device conditions the scheduler uses
// to pick intervals.
type ConditionState struct {
	Network   NetworkType
	Connected bool
	LowPower  bool
}

// ConditionMonitor adapts external network and power signals into coalesced
// change notifications. Signal sources (OS hooks, polling, whatever the
// embedding app has) call the setters; subscribers receive at most one
// pending notification at a time, carrying the latest snapshot.
type ConditionMonitor struct {
	mu    sync.RWMutex
	state ConditionState
	subs  []chan ConditionState
}

// NewConditionMonitor creates a monitor. Until signals arrive it assumes a
// connected unmetered network and normal power, so a device that never
// reports conditions still syncs.
func NewConditionMonitor() *ConditionMonitor {
	return &ConditionMonitor{
		state: ConditionState{
			Network:   NetworkUnmetered,
			Connected: true,
		},
	}
}

// SetNetwork records a network change. Fire-and-forget.
func (m *ConditionMonitor) SetNetwork(network NetworkType, connected bool) {
	m.mu.Lock()
	m.state.Network = network
	m.state.Connected = connected
	snapshot := m.state
	m.mu.Unlock()
	m.notify(snapshot)
}

// SetPowerState records a power state change. Fire-and-forget.
func (m *ConditionMonitor) SetPowerState(lowPower bool) {
	m.mu.Lock()
	m.state.LowPower = lowPower
	snapshot := m.state
	m.mu.Unlock()
	m.notify(snapshot)
}

// Snapshot returns the current condition state.
func (m *ConditionMonitor) Snapshot() ConditionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe returns a channel receiving condition snapshots on every change.
// Notifications coalesce: a slow subscriber sees only the newest state.
func (m *ConditionMonitor) Subscribe() <-chan ConditionState {
	ch := make(chan ConditionState, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *ConditionMonitor) notify(state ConditionState) {
	m.mu.RLock()
	subs := m.subs
	m.mu.RUnlock()

	for _, ch := range subs {
		// Replace a stale pending notification with the newest snapshot.
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Package activitysync provides a durable, adaptive sync engine for
// delivering monitoring records from a device to a remote collector.
//
// Records are queued in a local SQLite outbox, classified into priority
// tiers by risk score and retry history, and delivered in batches on an
// adaptive schedule that reacts to network type, backlog volume, power
// state, and failure history.
//
// # Basic Usage
//
// Create an engine with default configuration:
//
//	cfg := activitysync.DefaultConfig("queue.db")
//	cfg.NodeID = "device-0017"
//	cfg.Sync.CollectorURL = "https://collector.example.com"
//	cfg.Sync.AuthToken = os.Getenv("COLLECTOR_TOKEN")
//
//	eng, err := activitysync.New(cfg, activitysync.NewHTTPTransport(cfg.NodeID, cfg.Sync))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng.Start()
//	defer eng.Stop()
//
// Submit records as events are captured:
//
//	id, err := eng.Submit(ctx, activitysync.KindCall, encryptedPayload, 0.42)
//
// Feed device conditions so the scheduler can adapt:
//
//	eng.Conditions().SetNetwork(activitysync.NetworkMetered, true)
//	eng.Conditions().SetPowerState(true)
//
// # Behavior
//
// Delivery guarantees:
//   - Records persist across restarts; a batch interrupted mid-upload is
//     recovered to pending on the next start and re-delivered.
//   - State transitions are atomic per batch. A record is only marked
//     synced after the collector acknowledges the whole batch.
//   - Duplicate delivery is possible after a crash; record ids let the
//     collector deduplicate.
//
// Scheduling:
//   - Sync intervals come from a table keyed by network type and backlog
//     volume, with a floor applied in low-power conditions.
//   - A record with risk score at or above the critical threshold forces
//     an immediate sync.
//   - Failed cycles back off exponentially; an authentication rejection
//     suspends the scheduler until Resume.
//   - At most one sync cycle runs at a time. Triggers arriving during a
//     run coalesce into nothing.
//
// Payloads are opaque encrypted blobs. The engine never inspects,
// decrypts, or transforms them.
package activitysync

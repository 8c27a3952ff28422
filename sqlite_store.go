package activitysync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStore implements RecordStore using SQLite. WAL journal mode keeps
// producer appends from blocking on in-flight sync reads, and every bulk
// transition runs inside a single transaction.
type SQLiteStore struct {
	db     *sql.DB
	config StoreConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for hot-path operations
	insertStmt *sql.Stmt
	countStmt  *sql.Stmt
	stateStmt  *sql.Stmt
}

// NewSQLiteStore opens (or creates) the queue database at config.Path and
// recovers any records a prior run left in flight: a record found in the
// syncing state means the process died mid-cycle, so it is reset to pending.
func NewSQLiteStore(config StoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, &StorageError{Op: "open", Cause: errors.New("store path is required")}
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	// modernc.org/sqlite only honors pragmas in _pragma=name(value) form;
	// mattn-style _journal_mode params are silently dropped.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-%d)",
		config.Path, config.BusyTimeout, config.CacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Cause: err}
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := store.RecoverInFlight(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			payload         BLOB NOT NULL,
			risk_score      REAL NOT NULL,
			created_at      INTEGER NOT NULL,
			sync_state      TEXT NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_records_state_created ON records(sync_state, created_at);
		CREATE INDEX IF NOT EXISTS idx_records_state_risk ON records(sync_state, risk_score);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return &StorageError{Op: "init schema", Cause: err}
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO records (id, kind, payload, risk_score, created_at, sync_state, retry_count, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return &StorageError{Op: "prepare insert", Cause: err}
	}

	s.countStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM records WHERE sync_state = ?`)
	if err != nil {
		return &StorageError{Op: "prepare count", Cause: err}
	}

	s.stateStmt, err = s.db.Prepare(`SELECT sync_state, retry_count FROM records WHERE id = ?`)
	if err != nil {
		return &StorageError{Op: "prepare state lookup", Cause: err}
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Append implements RecordStore.Append.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var lastAttempt any
	if rec.LastAttemptAt != nil {
		lastAttempt = rec.LastAttemptAt.UnixNano()
	}

	// A nil payload would insert SQL NULL and trip the NOT NULL constraint;
	// invalid records must still persist so they can be contained.
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.insertStmt.ExecContext(ctx,
		rec.ID, string(rec.Kind), payload, rec.RiskScore,
		rec.CreatedAt.UnixNano(), string(StatePending), rec.RetryCount, lastAttempt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append %s: %w", rec.ID, ErrDuplicateID)
		}
		return &StorageError{Op: "append", Cause: err}
	}
	return nil
}

// isUniqueViolation detects a primary key conflict from the driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// MarkState implements RecordStore.MarkState. The transition is
// all-or-nothing: if any record is missing or its current state disallows
// the move, the transaction rolls back and nothing changes.
func (s *SQLiteStore) MarkState(ctx context.Context, ids []string, newState SyncState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if !newState.Valid() {
		return fmt.Errorf("mark state %q: %w", newState, ErrInvalidTransition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin transition", Cause: err}
	}
	defer tx.Rollback()

	stateStmt := tx.StmtContext(ctx, s.stateStmt)
	now := time.Now().UnixNano()

	for _, id := range ids {
		var current string
		var retryCount int
		err := stateStmt.QueryRowContext(ctx, id).Scan(&current, &retryCount)
		if err == sql.ErrNoRows {
			return fmt.Errorf("mark state %s: %w", id, ErrRecordNotFound)
		}
		if err != nil {
			return &StorageError{Op: "transition lookup", Cause: err}
		}
		if !CanTransition(SyncState(current), newState) {
			return fmt.Errorf("mark state %s: %s -> %s: %w", id, current, newState, ErrInvalidTransition)
		}

		switch newState {
		case StateFailed:
			// Frozen counts are containment sentinels and stay frozen.
			_, err = tx.ExecContext(ctx, `
				UPDATE records SET sync_state = ?,
					retry_count = CASE WHEN retry_count >= ? THEN retry_count ELSE retry_count + 1 END,
					last_attempt_at = ?
				WHERE id = ?`, string(newState), RetryCountFrozen, now, id)
		case StateSynced:
			_, err = tx.ExecContext(ctx, `
				UPDATE records SET sync_state = ?, last_attempt_at = ? WHERE id = ?`,
				string(newState), now, id)
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE records SET sync_state = ? WHERE id = ?`, string(newState), id)
		}
		if err != nil {
			return &StorageError{Op: "transition update", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit transition", Cause: err}
	}
	return nil
}

// Freeze implements RecordStore.Freeze. The record must currently be in
// flight: freezing happens when the executor rejects a malformed record
// while assembling its batch.
func (s *SQLiteStore) Freeze(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET sync_state = ?, retry_count = ?, last_attempt_at = ?
		WHERE id = ? AND sync_state IN (?, ?)`,
		string(StateFailed), RetryCountFrozen, now, id,
		string(StatePending), string(StateSyncing))
	if err != nil {
		return &StorageError{Op: "freeze", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "freeze", Cause: err}
	}
	if n == 0 {
		return fmt.Errorf("freeze %s: %w", id, ErrRecordNotFound)
	}
	return nil
}

// tierPredicate returns the SQL fragment selecting records of a tier. The
// tier is derived, not stored. Every named tier excludes frozen records in
// the predicate itself: filtering them after a LIMIT would let old frozen
// rows crowd live ones out of the batch. Only TierAny sees frozen rows.
func tierPredicate(tier PriorityTier) string {
	switch tier {
	case TierCritical:
		return fmt.Sprintf("risk_score >= %g AND retry_count < %d",
			criticalRiskThreshold, RetryCountFrozen)
	case TierHigh:
		return fmt.Sprintf("risk_score < %g AND retry_count >= %d AND retry_count < %d",
			criticalRiskThreshold, highRetryThreshold, RetryCountFrozen)
	case TierNormal:
		return fmt.Sprintf("risk_score < %g AND retry_count < %d",
			criticalRiskThreshold, highRetryThreshold)
	default:
		return "1=1"
	}
}

// FetchBatch implements RecordStore.FetchBatch.
func (s *SQLiteStore) FetchBatch(ctx context.Context, state SyncState, tier PriorityTier, maxCount int) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, kind, payload, risk_score, created_at, sync_state, retry_count, last_attempt_at
		FROM records
		WHERE sync_state = ? AND %s
		ORDER BY created_at ASC`, tierPredicate(tier))
	args := []any{string(state)}
	if maxCount >= 0 {
		query += " LIMIT ?"
		args = append(args, maxCount)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "fetch batch", Cause: err}
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "fetch batch", Cause: err}
	}
	return recs, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var kind, state string
	var createdAt int64
	var lastAttempt sql.NullInt64

	if err := rows.Scan(&rec.ID, &kind, &rec.Payload, &rec.RiskScore,
		&createdAt, &state, &rec.RetryCount, &lastAttempt); err != nil {
		return nil, &StorageError{Op: "scan record", Cause: err}
	}

	rec.Kind = RecordKind(kind)
	rec.SyncState = SyncState(state)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastAttempt.Valid {
		t := time.Unix(0, lastAttempt.Int64).UTC()
		rec.LastAttemptAt = &t
	}
	return &rec, nil
}

// CountByState implements RecordStore.CountByState.
func (s *SQLiteStore) CountByState(ctx context.Context, state SyncState) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	if err := s.countStmt.QueryRowContext(ctx, string(state)).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count", Cause: err}
	}
	return n, nil
}

// MaxRiskPending implements RecordStore.MaxRiskPending.
func (s *SQLiteStore) MaxRiskPending(ctx context.Context) (float64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var risk float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(risk_score), 0) FROM records
		WHERE sync_state IN (?, ?) AND retry_count < ?`,
		string(StatePending), string(StateFailed), RetryCountFrozen).Scan(&risk)
	if err != nil {
		return 0, &StorageError{Op: "max risk", Cause: err}
	}
	return risk, nil
}

// PurgeSyncedBefore implements RecordStore.PurgeSyncedBefore.
func (s *SQLiteStore) PurgeSyncedBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "begin purge", Cause: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, payload, risk_score, created_at, sync_state, retry_count, last_attempt_at
		FROM records
		WHERE sync_state = ? AND created_at < ?
		ORDER BY created_at ASC`,
		string(StateSynced), cutoff.UnixNano())
	if err != nil {
		return nil, &StorageError{Op: "purge select", Cause: err}
	}

	var purged []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		purged = append(purged, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &StorageError{Op: "purge select", Cause: err}
	}
	rows.Close()

	if len(purged) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE sync_state = ? AND created_at < ?`,
		string(StateSynced), cutoff.UnixNano())
	if err != nil {
		return nil, &StorageError{Op: "purge delete", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "commit purge", Cause: err}
	}
	return purged, nil
}

// RecoverInFlight implements RecordStore.RecoverInFlight.
func (s *SQLiteStore) RecoverInFlight(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE records SET sync_state = ? WHERE sync_state = ?`,
		string(StatePending), string(StateSyncing))
	if err != nil {
		return 0, &StorageError{Op: "recover", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "recover", Cause: err}
	}
	return int(n), nil
}

// Close releases the store's resources.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	if s.countStmt != nil {
		s.countStmt.Close()
	}
	if s.stateStmt != nil {
		s.stateStmt.Close()
	}

	return s.db.Close()
}

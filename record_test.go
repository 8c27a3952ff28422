package activitysync

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SyncState
		want     bool
	}{
		{StatePending, StateSyncing, true},
		{StateSyncing, StateSynced, true},
		{StateSyncing, StateFailed, true},
		{StateSyncing, StatePending, true}, // crash recovery
		{StateFailed, StateSyncing, true},  // retry
		{StatePending, StateSynced, false},
		{StatePending, StateFailed, false},
		{StateFailed, StatePending, false},
		{StateFailed, StateSynced, false},
		{StateSynced, StatePending, false},
		{StateSynced, StateSyncing, false},
		{StateSynced, StateFailed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSyncedIsTerminal(t *testing.T) {
	for _, to := range []SyncState{StatePending, StateSyncing, StateFailed, StateSynced} {
		if CanTransition(StateSynced, to) {
			t.Errorf("synced -> %s should be rejected", to)
		}
	}
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord(KindCall, []byte("ciphertext"), 0.3)

	if rec.ID == "" {
		t.Fatal("expected a generated id")
	}
	if rec.SyncState != StatePending {
		t.Errorf("new record state = %s, want pending", rec.SyncState)
	}
	if rec.RetryCount != 0 {
		t.Errorf("new record retry count = %d, want 0", rec.RetryCount)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	other := NewRecord(KindCall, []byte("ciphertext"), 0.3)
	if other.ID == rec.ID {
		t.Error("two records share an id")
	}
}

func TestRecordValidate(t *testing.T) {
	valid := func() *Record { return NewRecord(KindMessage, []byte("x"), 0.5) }

	tests := []struct {
		name   string
		mutate func(*Record)
		ok     bool
	}{
		{"valid", func(r *Record) {}, true},
		{"empty id", func(r *Record) { r.ID = "" }, false},
		{"unknown kind", func(r *Record) { r.Kind = "location" }, false},
		{"missing payload", func(r *Record) { r.Payload = nil }, false},
		{"risk below range", func(r *Record) { r.RiskScore = -0.1 }, false},
		{"risk above range", func(r *Record) { r.RiskScore = 1.1 }, false},
		{"risk at bounds", func(r *Record) { r.RiskScore = 1.0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid()
			tt.mutate(rec)
			err := rec.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("Validate() = %v, want *ValidationError", err)
				}
			}
		})
	}
}

func TestFrozen(t *testing.T) {
	rec := NewRecord(KindCall, []byte("x"), 0.2)
	if rec.Frozen() {
		t.Error("fresh record reported frozen")
	}
	rec.RetryCount = RetryCountFrozen
	if !rec.Frozen() {
		t.Error("sentinel retry count not reported frozen")
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/siem"
)

type captureForwarder struct {
	envelopes []siem.Envelope
}

func (f *captureForwarder) Enqueue(env siem.Envelope) {
	f.envelopes = append(f.envelopes, env)
}

var _ Forwarder = (*captureForwarder)(nil)

func TestRecord_FillsIdentityAndHash(t *testing.T) {
	store := &fakeAuditStore{}
	r := NewAuditRecorder(store, nil, nil, testLogger(), 8)

	id, err := r.Record(context.Background(), audit.Event{
		EventType: audit.EventAuthorization,
		Actor:     audit.Actor{ID: "user-1"},
		Decision:  audit.DecisionAllow,
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if id == "" {
		t.Fatal("Record() returned empty id")
	}
	stored := store.events[0]
	if stored.ID != id {
		t.Errorf("stored id = %q, want %q", stored.ID, id)
	}
	if stored.Timestamp.IsZero() {
		t.Error("Record() must fill the timestamp")
	}
	if stored.IntegrityHash == "" {
		t.Error("Record() must compute the integrity hash")
	}
	ok, err := stored.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity() error: %v", err)
	}
	if !ok {
		t.Error("stored event fails verification")
	}
}

func TestRecord_PreservesProvidedID(t *testing.T) {
	store := &fakeAuditStore{}
	r := NewAuditRecorder(store, nil, nil, testLogger(), 8)

	id, err := r.Record(context.Background(), audit.Event{ID: "evt-fixed", EventType: audit.EventInvocation})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if id != "evt-fixed" {
		t.Errorf("id = %q, want evt-fixed", id)
	}
}

func TestRecord_StoreFailurePropagates(t *testing.T) {
	store := &fakeAuditStore{failWith: errors.New("disk full")}
	fwd := &captureForwarder{}
	r := NewAuditRecorder(store, fwd, nil, testLogger(), 8)

	if _, err := r.Record(context.Background(), audit.Event{EventType: audit.EventAuthorization}); err == nil {
		t.Fatal("store failure must fail the record")
	}
	if len(fwd.envelopes) != 0 {
		t.Error("unstored events must not reach the forwarder")
	}
	if len(r.RecentCached(1)) != 0 {
		t.Error("unstored events must not enter the ring")
	}
}

func TestRecord_HandsEnvelopeToForwarder(t *testing.T) {
	store := &fakeAuditStore{}
	fwd := &captureForwarder{}
	r := NewAuditRecorder(store, fwd, nil, testLogger(), 8)

	id, err := r.Record(context.Background(), audit.Event{EventType: audit.EventAuthorization})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(fwd.envelopes) != 1 {
		t.Fatalf("forwarder received %d envelopes, want 1", len(fwd.envelopes))
	}
	if fwd.envelopes[0].AuditID != id {
		t.Errorf("envelope id = %q, want %q", fwd.envelopes[0].AuditID, id)
	}
}

func TestRecentCached_NewestFirst(t *testing.T) {
	r := NewAuditRecorder(&fakeAuditStore{}, nil, nil, testLogger(), 8)
	for i := 0; i < 3; i++ {
		if _, err := r.Record(context.Background(), audit.Event{
			ID:        fmt.Sprintf("evt-%d", i),
			Timestamp: time.Now().UTC(),
			EventType: audit.EventAuthorization,
		}); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	got := r.RecentCached(2)
	if len(got) != 2 {
		t.Fatalf("RecentCached(2) = %d events, want 2", len(got))
	}
	if got[0].ID != "evt-2" || got[1].ID != "evt-1" {
		t.Errorf("order = [%s, %s], want newest first", got[0].ID, got[1].ID)
	}
}

func TestRecentCached_RingWrapsAtCapacity(t *testing.T) {
	r := NewAuditRecorder(&fakeAuditStore{}, nil, nil, testLogger(), 3)
	for i := 0; i < 5; i++ {
		if _, err := r.Record(context.Background(), audit.Event{
			ID:        fmt.Sprintf("evt-%d", i),
			Timestamp: time.Now().UTC(),
			EventType: audit.EventAuthorization,
		}); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	got := r.RecentCached(10)
	if len(got) != 3 {
		t.Fatalf("RecentCached() = %d events, want ring size 3", len(got))
	}
	if got[0].ID != "evt-4" {
		t.Errorf("newest = %s, want evt-4", got[0].ID)
	}
	for _, e := range got {
		if e.ID == "evt-0" || e.ID == "evt-1" {
			t.Errorf("evicted event %s still present", e.ID)
		}
	}
}

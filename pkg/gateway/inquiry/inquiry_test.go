package inquiry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	submits  int
	lastID   Identity
	lastDraft Draft
	err      error
	delay    time.Duration
}

func (s *fakeStore) Submit(ctx context.Context, id Identity, d Draft) (Receipt, error) {
	s.submits++
	s.lastID = id
	s.lastDraft = d
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Receipt{}, s.err
	}
	return Receipt{RecordID: "rec_1", Kind: RecordProcessMap}, nil
}

type fakeSink struct {
	deliveries int
	err        error
}

func (s *fakeSink) Deliver(ctx context.Context, d Draft) error {
	s.deliveries++
	return s.err
}

func validDraft() Draft {
	return Draft{
		Name:       "Ada Lovelace",
		Company:    "Analytical Engines Ltd",
		Email:      "ada@example.com",
		Challenges: "manual invoice reconciliation",
		Transcript: "user: hi\nassistant: hello",
		Summary:    "Wants invoice automation.",
	}
}

func TestPreview_RequiresContactFields(t *testing.T) {
	m := NewMachine(MachineConfig{Store: &fakeStore{}})
	d := validDraft()
	d.Email = "  "
	if err := m.Preview(d); err == nil {
		t.Fatalf("preview with blank email should fail")
	}
	if m.State() != StateError {
		t.Fatalf("state = %q, want %q", m.State(), StateError)
	}
}

func TestPreview_LatestDraftWins(t *testing.T) {
	m := NewMachine(MachineConfig{Store: &fakeStore{}})

	first := validDraft()
	first.Company = "Old Co"
	if err := m.Preview(first); err != nil {
		t.Fatalf("first preview: %v", err)
	}

	second := validDraft()
	second.Company = "New Co"
	if err := m.Preview(second); err != nil {
		t.Fatalf("second preview: %v", err)
	}
	if got := m.Draft().Company; got != "New Co" {
		t.Fatalf("company = %q, want the later preview's value", got)
	}
	if m.State() != StateDrafted {
		t.Fatalf("state = %q, want %q", m.State(), StateDrafted)
	}
}

func TestSubmit_RequiresPriorPreview(t *testing.T) {
	m := NewMachine(MachineConfig{Store: &fakeStore{}})
	_, err := m.Submit(context.Background(), Identity{Email: "ada@example.com"}, validDraft())
	if !errors.Is(err, ErrNotDrafted) {
		t.Fatalf("err = %v, want ErrNotDrafted", err)
	}
}

func TestSubmit_Confirms(t *testing.T) {
	store := &fakeStore{}
	m := NewMachine(MachineConfig{Store: store})
	if err := m.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}

	receipt, err := m.Submit(context.Background(), Identity{UserID: "user_01"}, validDraft())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.RecordID != "rec_1" {
		t.Fatalf("record id = %q", receipt.RecordID)
	}
	if m.State() != StateConfirmed {
		t.Fatalf("state = %q, want %q", m.State(), StateConfirmed)
	}
	if store.submits != 1 {
		t.Fatalf("store called %d times, want 1", store.submits)
	}
}

func TestSubmit_SecondAttemptSameIdentityRejected(t *testing.T) {
	store := &fakeStore{}
	markers := NewMemoryMarkers()
	id := Identity{Email: "ada@example.com"}

	first := NewMachine(MachineConfig{Store: store, Markers: markers})
	if err := first.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := first.Submit(context.Background(), id, validDraft()); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// New session, same identity: the marker short-circuits before the store.
	second := NewMachine(MachineConfig{Store: store, Markers: markers})
	if err := second.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}
	_, err := second.Submit(context.Background(), id, validDraft())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if second.State() != StateRejectedDuplicate {
		t.Fatalf("state = %q, want %q", second.State(), StateRejectedDuplicate)
	}
	if store.submits != 1 {
		t.Fatalf("store called %d times, want 1 (second attempt short-circuits)", store.submits)
	}
}

func TestSubmit_StoreConflictSetsMarker(t *testing.T) {
	store := &fakeStore{err: ErrConflict}
	markers := NewMemoryMarkers()
	m := NewMachine(MachineConfig{Store: store, Markers: markers})
	if err := m.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}

	id := Identity{Email: "ada@example.com"}
	_, err := m.Submit(context.Background(), id, validDraft())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if !markers.Get(id.Key()) {
		t.Fatalf("conflict should record the duplicate marker")
	}
}

func TestSubmit_TimeoutIsDistinctError(t *testing.T) {
	store := &fakeStore{delay: 200 * time.Millisecond}
	m := NewMachine(MachineConfig{Store: store, SubmitTimeout: 20 * time.Millisecond})
	if err := m.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}

	_, err := m.Submit(context.Background(), Identity{Email: "ada@example.com"}, validDraft())
	if !errors.Is(err, ErrSubmitTimeout) {
		t.Fatalf("err = %v, want ErrSubmitTimeout", err)
	}
	if m.State() != StateError {
		t.Fatalf("state = %q, want %q", m.State(), StateError)
	}
}

func TestSubmit_RetryAfterErrorSucceeds(t *testing.T) {
	store := &fakeStore{err: errors.New("transient")}
	m := NewMachine(MachineConfig{Store: store})
	if err := m.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := m.Submit(context.Background(), Identity{Email: "ada@example.com"}, validDraft()); err == nil {
		t.Fatalf("first submit should fail")
	}

	// The draft survives the failure, so a direct retry works.
	store.err = nil
	if _, err := m.Submit(context.Background(), Identity{Email: "ada@example.com"}, validDraft()); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if m.State() != StateConfirmed {
		t.Fatalf("state = %q, want %q", m.State(), StateConfirmed)
	}
}

func TestSubmit_GuestDualWrite(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	m := NewMachine(MachineConfig{Store: store, Sink: sink})
	if err := m.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := m.Submit(context.Background(), Identity{Email: "ada@example.com"}, validDraft()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sink.deliveries != 1 {
		t.Fatalf("sink deliveries = %d, want 1", sink.deliveries)
	}
}

func TestSubmit_SinkFailureDoesNotAffectOutcome(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{err: errors.New("forms is down")}
	m := NewMachine(MachineConfig{Store: store, Sink: sink})
	if err := m.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := m.Submit(context.Background(), Identity{Email: "ada@example.com"}, validDraft()); err != nil {
		t.Fatalf("submit should succeed despite sink failure: %v", err)
	}
	if m.State() != StateConfirmed {
		t.Fatalf("state = %q, want %q", m.State(), StateConfirmed)
	}
}

func TestSubmit_AuthenticatedSkipsSink(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	m := NewMachine(MachineConfig{Store: store, Sink: sink})
	if err := m.Preview(validDraft()); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := m.Submit(context.Background(), Identity{UserID: "user_01"}, validDraft()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sink.deliveries != 0 {
		t.Fatalf("sink deliveries = %d, want 0 for authenticated users", sink.deliveries)
	}
}

func TestIdentityKey(t *testing.T) {
	if k := (Identity{UserID: "user_01", Email: "x@y.z"}).Key(); k != "user:user_01" {
		t.Fatalf("key = %q", k)
	}
	if k := (Identity{Email: "Ada@Example.COM"}).Key(); k != "email:ada@example.com" {
		t.Fatalf("key = %q, want lowercased email key", k)
	}
}

// Package inquiry holds the capture state machine: a conversational draft is
// staged any number of times, then persisted exactly once per identity.
package inquiry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Draft is the staged, not-yet-persisted inquiry record.
type Draft struct {
	Name       string
	Company    string
	Email      string
	Challenges string
	Transcript string
	Summary    string
}

// Identity is either an authenticated user id or, for guests, the submitted
// email address.
type Identity struct {
	UserID string
	Email  string
}

func (id Identity) Authenticated() bool {
	return strings.TrimSpace(id.UserID) != ""
}

// Key is the duplicate-marker key for this identity.
func (id Identity) Key() string {
	if id.Authenticated() {
		return "user:" + strings.TrimSpace(id.UserID)
	}
	return "email:" + strings.ToLower(strings.TrimSpace(id.Email))
}

type RecordKind string

const (
	RecordProcessMap      RecordKind = "process_map"
	RecordUnqualifiedLead RecordKind = "unqualified_lead"
)

// Receipt describes the persisted record.
type Receipt struct {
	RecordID string
	Kind     RecordKind
}

var (
	// ErrConflict: the identity already owns a record.
	ErrConflict = errors.New("inquiry already submitted for this identity")
	// ErrSubmitTimeout: the persistence collaborator did not answer in time.
	// Distinct from a generic failure so the UI can show "still trying".
	ErrSubmitTimeout = errors.New("inquiry submission timed out")
	// ErrNotDrafted: submit arrived without a prior preview in this session.
	ErrNotDrafted = errors.New("no drafted inquiry to submit")
	// ErrAlreadyConfirmed: the session already submitted successfully.
	ErrAlreadyConfirmed = errors.New("inquiry already confirmed in this session")
)

// Store is the persistence collaborator. Submit returns ErrConflict when the
// identity already owns a record.
type Store interface {
	Submit(ctx context.Context, id Identity, d Draft) (Receipt, error)
}

// Sink is a secondary, best-effort lead destination. A sink failure never
// affects the primary write's outcome.
type Sink interface {
	Deliver(ctx context.Context, d Draft) error
}

// Markers records identities that have already submitted, so later sessions
// can short-circuit without a server round-trip.
type Markers interface {
	Get(key string) bool
	Set(key string)
}

// MemoryMarkers is the default process-wide marker store. Last-writer-wins
// without coordination; the worst a race costs is one extra duplicate check.
type MemoryMarkers struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{m: make(map[string]struct{})}
}

func (s *MemoryMarkers) Get(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

func (s *MemoryMarkers) Set(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = struct{}{}
}

type State string

const (
	StateNew               State = "new"
	StateDrafted           State = "drafted"
	StateConfirmed         State = "confirmed"
	StateRejectedDuplicate State = "rejected_duplicate"
	StateError             State = "error"
)

// Machine drives one session's capture flow:
//
//	NEW -> DRAFTED -> CONFIRMED
//	              \-> REJECTED_DUPLICATE
//	any -> ERROR (the session may retry from there)
type Machine struct {
	store   Store
	sink    Sink
	markers Markers
	timeout time.Duration

	mu      sync.Mutex
	state   State
	draft   Draft
	lastErr error
}

type MachineConfig struct {
	Store         Store
	Sink          Sink
	Markers       Markers
	SubmitTimeout time.Duration
}

func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Markers == nil {
		cfg.Markers = NewMemoryMarkers()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return &Machine{
		store:   cfg.Store,
		sink:    cfg.Sink,
		markers: cfg.Markers,
		timeout: cfg.SubmitTimeout,
		state:   StateNew,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Draft returns the current staged draft.
func (m *Machine) Draft() Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft
}

// Preview stages a draft for user confirmation. Re-entrant: a later call
// replaces the whole draft, never merging stale fields. The four contact
// fields are required before the draft can be shown.
func (m *Machine) Preview(d Draft) error {
	if err := validateContact(d); err != nil {
		m.setError(err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConfirmed, StateRejectedDuplicate:
		return ErrAlreadyConfirmed
	}
	m.draft = d
	m.state = StateDrafted
	m.lastErr = nil
	return nil
}

// Submit persists the staged draft exactly once. The incoming draft updates
// the staged fields (the upstream model repeats them on submit) except the
// summary, which only previews carry. A prior Preview is required, though a
// failed attempt may be retried directly; the persistence call is bounded by
// the configured timeout.
func (m *Machine) Submit(ctx context.Context, id Identity, d Draft) (Receipt, error) {
	m.mu.Lock()
	switch m.state {
	case StateNew:
		m.mu.Unlock()
		return Receipt{}, ErrNotDrafted
	case StateError:
		// A failed attempt keeps the staged draft; the user may retry
		// without re-previewing, as long as the draft is still complete.
		if validateContact(m.draft) != nil {
			m.mu.Unlock()
			return Receipt{}, ErrNotDrafted
		}
	case StateConfirmed:
		m.mu.Unlock()
		return Receipt{}, ErrAlreadyConfirmed
	case StateRejectedDuplicate:
		m.mu.Unlock()
		return Receipt{}, ErrConflict
	}
	merged := m.draft
	merged.Name = firstNonEmpty(d.Name, merged.Name)
	merged.Company = firstNonEmpty(d.Company, merged.Company)
	merged.Email = firstNonEmpty(d.Email, merged.Email)
	merged.Challenges = firstNonEmpty(d.Challenges, merged.Challenges)
	merged.Transcript = firstNonEmpty(d.Transcript, merged.Transcript)
	m.draft = merged
	m.mu.Unlock()

	if strings.TrimSpace(merged.Transcript) == "" || strings.TrimSpace(merged.Summary) == "" {
		err := fmt.Errorf("draft is missing transcript or summary")
		m.setError(err)
		return Receipt{}, err
	}
	if !id.Authenticated() && strings.TrimSpace(id.Email) == "" {
		id.Email = merged.Email
	}

	// Local short-circuit: a marker from an earlier session means the server
	// already holds a record for this identity.
	if m.markers.Get(id.Key()) {
		m.setState(StateRejectedDuplicate)
		return Receipt{}, ErrConflict
	}

	if m.store == nil {
		err := fmt.Errorf("no persistence collaborator configured")
		m.setError(err)
		return Receipt{}, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	receipt, err := m.store.Submit(submitCtx, id, merged)
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		m.markers.Set(id.Key())
		m.setState(StateRejectedDuplicate)
		return Receipt{}, ErrConflict
	case errors.Is(err, context.DeadlineExceeded):
		m.setError(ErrSubmitTimeout)
		return Receipt{}, ErrSubmitTimeout
	default:
		m.setError(err)
		return Receipt{}, err
	}

	m.markers.Set(id.Key())
	m.setState(StateConfirmed)

	// Best-effort secondary write for guests. Caught independently; it can
	// fail without touching the primary result.
	if !id.Authenticated() && m.sink != nil {
		_ = m.sink.Deliver(ctx, merged)
	}

	return receipt, nil
}

// LastError reports the failure that moved the machine to StateError, if any.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Machine) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateError
	m.lastErr = err
}

func validateContact(d Draft) error {
	for _, f := range []struct {
		name, value string
	}{
		{"name", d.Name},
		{"company", d.Company},
		{"email", d.Email},
		{"challenges", d.Challenges},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("draft field %q is required", f.name)
		}
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// Package state enforces the lifecycle of a history entry.
//
// The transition table below is the only place legality is decided. Every
// transition re-reads the stored status and writes the new one inside a single
// store transaction.
package state

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"tweakengine/internal/clock"
	"tweakengine/internal/store"
	"tweakengine/internal/tweakerr"
)

// Event is a lifecycle step requested of the machine.
type Event string

const (
	EventValidate Event = "validate"
	EventApply    Event = "apply"
	EventSucceed  Event = "succeed"
	EventDefer    Event = "defer"
	EventFail     Event = "fail"
	EventVerify   Event = "verify"
	EventRevert   Event = "revert"
	EventComplete Event = "complete"
	// EventAbandon closes an entry that never reached the apply step.
	EventAbandon Event = "abandon"
)

type edge struct {
	from  store.Status
	event Event
}

var table = map[edge]store.Status{
	{store.StatusDefined, EventValidate}: store.StatusValidated,
	{store.StatusDefined, EventAbandon}:  store.StatusFailed,

	{store.StatusValidated, EventApply}:   store.StatusApplying,
	{store.StatusValidated, EventAbandon}: store.StatusFailed,

	{store.StatusApplying, EventSucceed}: store.StatusApplied,
	{store.StatusApplying, EventDefer}:   store.StatusAppliedUnverified,
	{store.StatusApplying, EventFail}:    store.StatusFailed,

	{store.StatusApplied, EventVerify}: store.StatusVerified,
	{store.StatusApplied, EventRevert}: store.StatusReverting,

	{store.StatusAppliedUnverified, EventVerify}: store.StatusVerified,
	{store.StatusAppliedUnverified, EventRevert}: store.StatusReverting,

	{store.StatusVerified, EventRevert}: store.StatusReverting,
	{store.StatusFailed, EventRevert}:   store.StatusReverting,

	{store.StatusReverting, EventComplete}: store.StatusReverted,
	{store.StatusReverting, EventFail}:     store.StatusFailed,
}

// Next returns the state reached from s by e.
func Next(s store.Status, e Event) (store.Status, bool) {
	to, ok := table[edge{s, e}]
	return to, ok
}

// CanTransition reports whether e is legal from s.
func CanTransition(s store.Status, e Event) bool {
	_, ok := Next(s, e)
	return ok
}

// Allowed lists the events legal from s in a stable order.
func Allowed(s store.Status) []Event {
	var events []Event
	for k := range table {
		if k.from == s {
			events = append(events, k.event)
		}
	}
	slices.Sort(events)
	return events
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s store.Status) bool {
	return len(Allowed(s)) == 0
}

// IsActive reports whether an entry in s holds its tweak's base id.
func IsActive(s store.Status) bool {
	return slices.Contains(store.ActiveStatuses, s)
}

// TransitionError reports an event that the table does not allow.
type TransitionError struct {
	HistoryID int64
	From      store.Status
	Event     Event
	Allowed   []Event
}

func (e *TransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, a := range e.Allowed {
			names[i] = string(a)
		}
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("entry %d: cannot %s from %s (allowed: %s)", e.HistoryID, e.Event, e.From, allowed)
}

// Option adds context to a transition.
type Option func(*store.StatusUpdate)

// WithError records msg as the entry's error message.
func WithError(msg string) Option {
	return func(u *store.StatusUpdate) {
		u.Error = &msg
	}
}

// Machine drives one history entry.
type Machine struct {
	store *store.Store
	clock clock.Clock
	id    int64
}

// New returns a Machine for history entry id.
func New(s *store.Store, c clock.Clock, id int64) *Machine {
	if c == nil {
		c = clock.System()
	}
	return &Machine{store: s, clock: c, id: id}
}

// ID returns the history entry the machine drives.
func (m *Machine) ID() int64 {
	return m.id
}

// Current re-reads the stored status.
func (m *Machine) Current(ctx context.Context) (store.Status, error) {
	var st store.Status
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = tx.Status(ctx, m.id)
		return err
	})
	return st, err
}

// Transition applies e atomically and returns the new status. Illegal
// transitions return an InvariantError wrapping a *TransitionError.
func (m *Machine) Transition(ctx context.Context, e Event, opts ...Option) (store.Status, error) {
	var to store.Status
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		from, err := tx.Status(ctx, m.id)
		if err != nil {
			return err
		}

		next, ok := Next(from, e)
		if !ok {
			return &tweakerr.InvariantError{
				Message: "illegal state transition",
				Err:     &TransitionError{HistoryID: m.id, From: from, Event: e, Allowed: Allowed(from)},
			}
		}

		now := m.clock.Now()
		u := store.StatusUpdate{Status: next, At: now}
		for _, opt := range opts {
			opt(&u)
		}
		switch next {
		case store.StatusVerified:
			if u.VerifiedAt == nil {
				u.VerifiedAt = &now
			}
		case store.StatusReverted:
			u.RevertedAt = &now
			if _, err := tx.DeleteSnapshots(ctx, m.id); err != nil {
				return err
			}
		}

		if err := tx.UpdateStatus(ctx, m.id, u); err != nil {
			return err
		}
		to = next
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transition %s: %w", e, err)
	}
	return to, nil
}

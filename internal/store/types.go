// Package store provides SQLite-based history storage for tweakengine.
package store

import (
	"slices"
	"time"
)

// Status is the persisted lifecycle state of a history entry.
type Status string

const (
	StatusDefined           Status = "defined"
	StatusValidated         Status = "validated"
	StatusApplying          Status = "applying"
	StatusApplied           Status = "applied"
	StatusAppliedUnverified Status = "applied_unverified"
	StatusVerified          Status = "verified"
	StatusFailed            Status = "failed"
	StatusReverting         Status = "reverting"
	StatusReverted          Status = "reverted"
	// StatusOrphaned is the catch-all for unrecognized persisted values.
	StatusOrphaned Status = "orphaned"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusDefined,
	StatusValidated,
	StatusApplying,
	StatusApplied,
	StatusAppliedUnverified,
	StatusVerified,
	StatusFailed,
	StatusReverting,
	StatusReverted,
	StatusOrphaned,
}

// ActiveStatuses hold their tweak's base id: anything not failed, reverted or orphaned.
var ActiveStatuses = []Status{
	StatusDefined,
	StatusValidated,
	StatusApplying,
	StatusApplied,
	StatusAppliedUnverified,
	StatusVerified,
	StatusReverting,
}

// ParseStatus maps a persisted string to a Status. Unknown values read as
// StatusOrphaned.
func ParseStatus(s string) Status {
	if st := Status(s); slices.Contains(Statuses, st) {
		return st
	}
	return StatusOrphaned
}

// HistoryEntry is one apply attempt of one tweak.
type HistoryEntry struct {
	ID            int64
	TweakID       string
	TweakBase     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	VerifiedAt    *time.Time
	RevertedAt    *time.Time
	Status        Status
	ErrorMessage  string
	SchemaVersion int
	ActionCount   int
	// Definition is the canonical definition JSON the entry was applied from.
	Definition []byte
}

// SnapshotRecord is the persisted pre-mutation state of one action.
type SnapshotRecord struct {
	ID         int64
	HistoryID  int64
	Sequence   int
	ActionType string
	Metadata   []byte
	CapturedAt time.Time
}

// EventRecord is one engine event kept in the history database.
type EventRecord struct {
	ID        int64
	RunID     string
	Name      string
	TweakID   string
	HistoryID int64
	Result    string
	Error     string
	At        time.Time
}

// Filter narrows ListEntries. Zero values match everything.
type Filter struct {
	TweakID  string
	Base     string
	Statuses []Status
	Limit    int
}

// StatusUpdate is the write half of a state transition.
type StatusUpdate struct {
	Status Status
	At     time.Time
	// Error replaces the error message when non-nil.
	Error      *string
	VerifiedAt *time.Time
	RevertedAt *time.Time
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func optionalTime(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

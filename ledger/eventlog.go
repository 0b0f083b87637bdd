/*
eventlog.go - Append-only movement log with its folded state

PURPOSE:
  EventLog is the single write path into the ledger. It owns the Store and
  the Projection folded from it, and keeps the two in lock-step: an event
  is admitted against the projection, appended to the store at head+1, and
  only then folded. Either all three happen or nothing changes.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. TOTAL ORDER: Seq is assigned here, head+1, never reused.
  3. NO PARTIAL APPLY: A failed Append leaves store and projection as
     they were (or re-synced to the store after a conflict).

LOCKING:
  Append holds mu for admission, the store write and the fold, so appends
  are serialized across all keys. Readers take mu.RLock and never see a
  half-applied event.

CONFLICTS:
  Another process may append to the same database. When the store rejects
  our Seq, the projection is caught up with Read(AfterSeq: head) and the
  ConflictError is returned. The caller's next attempt re-validates against
  the state that won.

SEE ALSO:
  - store.go: Persistence interface
  - projection.go: Admission rules and the fold
  - service.go: Locks keys, builds events, calls Append
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type EventLog struct {
	store Store
	clock Clock

	mu   sync.RWMutex
	proj *Projection
}

// OpenEventLog replays every stored event into a fresh projection.
func OpenEventLog(ctx context.Context, store Store, clock Clock) (*EventLog, error) {
	if clock == nil {
		clock = SystemClock()
	}
	events, err := store.Read(ctx, EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	proj, err := Replay(events)
	if err != nil {
		return nil, fmt.Errorf("replay event log: %w", err)
	}
	return &EventLog{store: store, clock: clock, proj: proj}, nil
}

// Append admits ev, persists it at head+1 and folds it. The stored event,
// with Seq and RecordedAt set, is returned.
//
// Fails with ValidationError for malformed events, InsufficientStockError
// when stock does not cover the movement, and ConflictError when a
// referenced transfer or assignment is missing or in the wrong state, or
// when the store head moved.
func (l *EventLog) Append(ctx context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.proj.check(ev); err != nil {
		if errors.Is(err, ErrValidation) {
			return Event{}, err
		}
		// A state-dependent rejection is only final if our fold is current.
		if stale, staleErr := l.staleLocked(ctx); staleErr == nil && stale {
			seen := l.proj.head
			if syncErr := l.syncLocked(ctx); syncErr != nil {
				return Event{}, errors.Join(err, syncErr)
			}
			return Event{}, &ConflictError{Reason: fmt.Sprintf("log advanced past seq %d", seen)}
		}
		return Event{}, err
	}

	ev.Seq = l.proj.head + 1
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = l.clock.Now()
	}

	if err := l.store.Append(ctx, ev); err != nil {
		if errors.Is(err, ErrConflict) {
			if syncErr := l.syncLocked(ctx); syncErr != nil {
				return Event{}, errors.Join(err, syncErr)
			}
		}
		return Event{}, err
	}

	if err := l.proj.apply(ev); err != nil {
		// The event passed check() so this is a programming error; the
		// store already holds it, rebuild rather than diverge.
		if syncErr := l.resyncLocked(ctx); syncErr != nil {
			return Event{}, errors.Join(err, syncErr)
		}
		return Event{}, err
	}
	return ev, nil
}

// Read returns stored events matching filter, in Seq order.
func (l *EventLog) Read(ctx context.Context, filter EventFilter) ([]Event, error) {
	return l.store.Read(ctx, filter)
}

// Head returns the Seq of the last folded event.
func (l *EventLog) Head() Seq {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.proj.head
}

// View runs fn against the projection under a read lock. fn must not
// retain the projection.
func (l *EventLog) View(fn func(p *Projection) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(l.proj)
}

// Sync folds events appended by other writers since the last fold.
func (l *EventLog) Sync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked(ctx)
}

func (l *EventLog) syncLocked(ctx context.Context) error {
	events, err := l.store.Read(ctx, EventFilter{AfterSeq: l.proj.head})
	if err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	for _, ev := range events {
		if err := l.proj.apply(ev); err != nil {
			return fmt.Errorf("sync event log: %w", err)
		}
	}
	return nil
}

func (l *EventLog) staleLocked(ctx context.Context) (bool, error) {
	head, err := l.store.Head(ctx)
	if err != nil {
		return false, err
	}
	return head != l.proj.head, nil
}

func (l *EventLog) resyncLocked(ctx context.Context) error {
	events, err := l.store.Read(ctx, EventFilter{})
	if err != nil {
		return fmt.Errorf("resync event log: %w", err)
	}
	proj, err := Replay(events)
	if err != nil {
		return fmt.Errorf("resync event log: %w", err)
	}
	l.proj = proj
	return nil
}

/*
store.go - Persistence interfaces

KEY INTERFACES:
  Store:          Append-only event persistence with a sequence head
  ReferenceStore: Bases and equipment types (administrative data)

APPEND-ONLY CONTRACT:
  - Append(): the ONLY write on events
  - NO Update() or Delete() methods exist

OPTIMISTIC SEQUENCING:
  The caller assigns ev.Seq = head+1 before appending. If another writer
  got there first, the store rejects the append with a ConflictError and
  the caller must catch up (Read with AfterSeq) before retrying. This
  keeps the total order authoritative even with several processes sharing
  one database.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite
*/
package ledger

import "context"

// =============================================================================
// STORE - Event persistence (append-only)
// =============================================================================

type Store interface {
	// Append persists ev at position ev.Seq. Fails with ConflictError if
	// ev.Seq is not exactly Head()+1.
	Append(ctx context.Context, ev Event) error

	// Read returns matching events ordered by Seq ascending. Reads have no
	// side effects: the same filter over an unchanged log yields the same
	// slice.
	Read(ctx context.Context, filter EventFilter) ([]Event, error)

	// Head returns the Seq of the last appended event, 0 for an empty log.
	Head(ctx context.Context) (Seq, error)
}

// EventFilter selects events. Zero-valued fields do not restrict.
type EventFilter struct {
	Base          BaseID
	EquipmentType EquipmentTypeID
	Dates         DateRange
	Kinds         []EventKind
	AfterSeq      Seq
}

// Matches reports whether ev passes the filter. Store implementations that
// cannot push a predicate down use this to post-filter.
func (f EventFilter) Matches(ev Event) bool {
	if ev.Seq <= f.AfterSeq {
		return false
	}
	if !f.Dates.Contains(ev.Date) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Base == "" && f.EquipmentType == "" {
		return true
	}
	for _, key := range ev.Keys() {
		if (f.Base == "" || key.Base == f.Base) &&
			(f.EquipmentType == "" || key.EquipmentType == f.EquipmentType) {
			return true
		}
	}
	return false
}

// =============================================================================
// REFERENCE STORE - Bases and equipment types
// =============================================================================

// ReferenceStore holds reference entities. Get* return (nil, nil) when the
// entity does not exist. Save* insert once: saving an id that already
// exists leaves the stored entity unchanged.
type ReferenceStore interface {
	SaveBase(ctx context.Context, b Base) error
	GetBase(ctx context.Context, id BaseID) (*Base, error)
	ListBases(ctx context.Context) ([]Base, error)

	SaveEquipmentType(ctx context.Context, et EquipmentType) error
	GetEquipmentType(ctx context.Context, id EquipmentTypeID) (*EquipmentType, error)
	ListEquipmentTypes(ctx context.Context) ([]EquipmentType, error)
}

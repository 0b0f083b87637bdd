/*
Package ledger provides the asset ledger and movement reconciliation engine.

PURPOSE:
  Tracks per-base, per-equipment-type stock of discrete military equipment.
  Every change is an immutable movement event appended to an event log;
  balances, transfers and assignments are derived by folding that log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Base / EquipmentType: immutable reference entities
  - StockKey: the (base, equipment type) pair that owns a stock counter
  - Seq: position of an event in the log's total order

DESIGN PRINCIPLES:
  1. Append-only: events are never modified, corrections are new events
  2. Integer units: quantities are whole pieces of equipment (int64)
  3. Derived state: balances and aggregates are pure folds of the log
  4. Per-key serialization: writers on the same StockKey are ordered
     from validation to commit. Writers on unrelated keys build their
     events in parallel; the append itself (Seq assignment, store write,
     fold) is one critical section in EventLog

SEE ALSO:
  - event.go: Movement event variants
  - projection.go: State folded from the log
  - service.go: The operations exposed to callers
*/
package ledger

import (
	"fmt"
	"strings"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BaseID string
type EquipmentTypeID string
type TransferID string
type AssignmentID string

// Seq is the monotonic position of an event in the log. The first event is 1.
type Seq int64

// =============================================================================
// REFERENCE ENTITIES
// =============================================================================

// Base is a physical location holding equipment stock.
type Base struct {
	ID       BaseID
	Name     string
	Location string
}

// EquipmentType is a category or model of trackable asset, counted in units.
type EquipmentType struct {
	ID       EquipmentTypeID
	Name     string
	Category string
}

// =============================================================================
// STOCK KEY
// =============================================================================

// StockKey identifies one stock counter.
type StockKey struct {
	Base          BaseID
	EquipmentType EquipmentTypeID
}

func (k StockKey) String() string {
	return fmt.Sprintf("%s/%s", k.Base, k.EquipmentType)
}

// Less orders keys lexically by base, then equipment type. Lock acquisition
// follows this order.
func (k StockKey) Less(other StockKey) bool {
	if c := strings.Compare(string(k.Base), string(other.Base)); c != 0 {
		return c < 0
	}
	return k.EquipmentType < other.EquipmentType
}

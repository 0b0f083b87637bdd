/*
event.go - Movement events (the only thing the log stores)

PURPOSE:
  A movement event is an immutable fact: "20 rifles were purchased at base
  A on March 1st". Events are a closed sum type: the Payload interface is
  sealed (unexported methods) and implemented by exactly seven variants.

EFFECT RULES (on stock of the affected key):
  Purchase            base          +quantity
  TransferCreated     -             reserves quantity at the source
  TransferCompleted   fromBase      -quantity, toBase +quantity
  TransferCancelled   -             releases the reservation
  AssignmentCreated   base          -quantity (tracked as assigned)
  AssignmentReturned  base          +quantity
  Expenditure         base          -quantity (permanent)

DENORMALISATION:
  Lifecycle events (completed, cancelled, returned) copy base, equipment
  type and quantity from the aggregate they close. The event is then
  self-describing: the log can be filtered and folded without joins.

SEE ALSO:
  - eventlog.go: Append/Read on top of a Store
  - projection.go: Folding events into state
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT KIND
// =============================================================================

type EventKind string

const (
	KindPurchase           EventKind = "purchase"
	KindTransferCreated    EventKind = "transfer_created"
	KindTransferCompleted  EventKind = "transfer_completed"
	KindTransferCancelled  EventKind = "transfer_cancelled"
	KindAssignmentCreated  EventKind = "assignment"
	KindAssignmentReturned EventKind = "assignment_returned"
	KindExpenditure        EventKind = "expenditure"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindPurchase, KindTransferCreated, KindTransferCompleted, KindTransferCancelled,
		KindAssignmentCreated, KindAssignmentReturned, KindExpenditure:
		return true
	}
	return false
}

// =============================================================================
// EVENT ENVELOPE
// =============================================================================

// Event is one entry of the log. Seq is assigned on append.
type Event struct {
	Seq        Seq
	Date       Date      // calendar day the movement takes effect
	Actor      string    // principal who recorded it
	RecordedAt time.Time // wall clock at append
	Payload    Payload
}

func (e Event) Kind() EventKind { return e.Payload.Kind() }

// Keys returns every stock key the event touches.
func (e Event) Keys() []StockKey { return e.Payload.keys() }

// Effects returns the balance deltas the event applies.
func (e Event) Effects() []Effect { return e.Payload.effects() }

// Quantity returns the number of units the event moves.
func (e Event) Quantity() int64 { return e.Payload.quantity() }

// RefID returns the id of the record or aggregate the event belongs to.
func (e Event) RefID() string {
	switch v := e.Payload.(type) {
	case Purchase:
		return v.ID
	case TransferCreated:
		return string(v.TransferID)
	case TransferCompleted:
		return string(v.TransferID)
	case TransferCancelled:
		return string(v.TransferID)
	case AssignmentCreated:
		return string(v.AssignmentID)
	case AssignmentReturned:
		return string(v.AssignmentID)
	case Expenditure:
		return v.ID
	}
	return ""
}

// Effect is a signed balance change on one key.
type Effect struct {
	Key   StockKey
	Delta int64
}

// Payload is implemented only by the variants in this file.
type Payload interface {
	Kind() EventKind
	validate() error
	keys() []StockKey
	effects() []Effect
	quantity() int64
}

// =============================================================================
// VARIANTS
// =============================================================================

type Purchase struct {
	ID            string           `json:"id"`
	Base          BaseID           `json:"base"`
	EquipmentType EquipmentTypeID  `json:"equipment_type"`
	Quantity      int64            `json:"quantity"`
	UnitPrice     *decimal.Decimal `json:"unit_price,omitempty"`
	Notes         string           `json:"notes,omitempty"`
}

// TotalCost is UnitPrice × Quantity. Display only; stock is authoritative.
func (p Purchase) TotalCost() *decimal.Decimal {
	if p.UnitPrice == nil {
		return nil
	}
	total := p.UnitPrice.Mul(decimal.NewFromInt(p.Quantity))
	return &total
}

func (Purchase) Kind() EventKind { return KindPurchase }

func (p Purchase) validate() error {
	if err := requireID("id", p.ID); err != nil {
		return err
	}
	if err := validateKey(p.Base, p.EquipmentType); err != nil {
		return err
	}
	if p.UnitPrice != nil && p.UnitPrice.IsNegative() {
		return &ValidationError{Field: "unitPrice", Reason: "must not be negative"}
	}
	return validateQuantity(p.Quantity)
}

func (p Purchase) keys() []StockKey { return []StockKey{{p.Base, p.EquipmentType}} }
func (p Purchase) effects() []Effect {
	return []Effect{{Key: StockKey{p.Base, p.EquipmentType}, Delta: p.Quantity}}
}
func (p Purchase) quantity() int64 { return p.Quantity }

type TransferCreated struct {
	TransferID    TransferID      `json:"transfer_id"`
	FromBase      BaseID          `json:"from_base"`
	ToBase        BaseID          `json:"to_base"`
	EquipmentType EquipmentTypeID `json:"equipment_type"`
	Quantity      int64           `json:"quantity"`
	Notes         string          `json:"notes,omitempty"`
}

func (TransferCreated) Kind() EventKind { return KindTransferCreated }

func (t TransferCreated) validate() error {
	if err := validateTransferShape(t.TransferID, t.FromBase, t.ToBase, t.EquipmentType); err != nil {
		return err
	}
	return validateQuantity(t.Quantity)
}

func (t TransferCreated) keys() []StockKey { return transferKeys(t.FromBase, t.ToBase, t.EquipmentType) }
func (t TransferCreated) effects() []Effect { return nil }
func (t TransferCreated) quantity() int64   { return t.Quantity }

type TransferCompleted struct {
	TransferID    TransferID      `json:"transfer_id"`
	FromBase      BaseID          `json:"from_base"`
	ToBase        BaseID          `json:"to_base"`
	EquipmentType EquipmentTypeID `json:"equipment_type"`
	Quantity      int64           `json:"quantity"`
}

func (TransferCompleted) Kind() EventKind { return KindTransferCompleted }

func (t TransferCompleted) validate() error {
	if err := validateTransferShape(t.TransferID, t.FromBase, t.ToBase, t.EquipmentType); err != nil {
		return err
	}
	return validateQuantity(t.Quantity)
}

func (t TransferCompleted) keys() []StockKey {
	return transferKeys(t.FromBase, t.ToBase, t.EquipmentType)
}
func (t TransferCompleted) effects() []Effect {
	return []Effect{
		{Key: StockKey{t.FromBase, t.EquipmentType}, Delta: -t.Quantity},
		{Key: StockKey{t.ToBase, t.EquipmentType}, Delta: t.Quantity},
	}
}
func (t TransferCompleted) quantity() int64 { return t.Quantity }

type TransferCancelled struct {
	TransferID    TransferID      `json:"transfer_id"`
	FromBase      BaseID          `json:"from_base"`
	ToBase        BaseID          `json:"to_base"`
	EquipmentType EquipmentTypeID `json:"equipment_type"`
	Quantity      int64           `json:"quantity"`
	Reason        string          `json:"reason,omitempty"`
}

func (TransferCancelled) Kind() EventKind { return KindTransferCancelled }

func (t TransferCancelled) validate() error {
	if err := validateTransferShape(t.TransferID, t.FromBase, t.ToBase, t.EquipmentType); err != nil {
		return err
	}
	return validateQuantity(t.Quantity)
}

func (t TransferCancelled) keys() []StockKey {
	return transferKeys(t.FromBase, t.ToBase, t.EquipmentType)
}
func (t TransferCancelled) effects() []Effect { return nil }
func (t TransferCancelled) quantity() int64   { return t.Quantity }

type AssignmentCreated struct {
	AssignmentID  AssignmentID    `json:"assignment_id"`
	Base          BaseID          `json:"base"`
	EquipmentType EquipmentTypeID `json:"equipment_type"`
	PersonnelName string          `json:"personnel_name"`
	PersonnelID   string          `json:"personnel_id,omitempty"`
	Quantity      int64           `json:"quantity"`
	Notes         string          `json:"notes,omitempty"`
}

func (AssignmentCreated) Kind() EventKind { return KindAssignmentCreated }

func (a AssignmentCreated) validate() error {
	if err := requireID("assignmentId", string(a.AssignmentID)); err != nil {
		return err
	}
	if err := validateKey(a.Base, a.EquipmentType); err != nil {
		return err
	}
	if a.PersonnelName == "" {
		return &ValidationError{Field: "personnel", Reason: "required"}
	}
	return validateQuantity(a.Quantity)
}

func (a AssignmentCreated) keys() []StockKey { return []StockKey{{a.Base, a.EquipmentType}} }
func (a AssignmentCreated) effects() []Effect {
	return []Effect{{Key: StockKey{a.Base, a.EquipmentType}, Delta: -a.Quantity}}
}
func (a AssignmentCreated) quantity() int64 { return a.Quantity }

type AssignmentReturned struct {
	AssignmentID  AssignmentID    `json:"assignment_id"`
	Base          BaseID          `json:"base"`
	EquipmentType EquipmentTypeID `json:"equipment_type"`
	Quantity      int64           `json:"quantity"`
}

func (AssignmentReturned) Kind() EventKind { return KindAssignmentReturned }

func (a AssignmentReturned) validate() error {
	if err := requireID("assignmentId", string(a.AssignmentID)); err != nil {
		return err
	}
	if err := validateKey(a.Base, a.EquipmentType); err != nil {
		return err
	}
	return validateQuantity(a.Quantity)
}

func (a AssignmentReturned) keys() []StockKey { return []StockKey{{a.Base, a.EquipmentType}} }
func (a AssignmentReturned) effects() []Effect {
	return []Effect{{Key: StockKey{a.Base, a.EquipmentType}, Delta: a.Quantity}}
}
func (a AssignmentReturned) quantity() int64 { return a.Quantity }

type Expenditure struct {
	ID            string          `json:"id"`
	Base          BaseID          `json:"base"`
	EquipmentType EquipmentTypeID `json:"equipment_type"`
	Quantity      int64           `json:"quantity"`
	Reason        string          `json:"reason"`
	Notes         string          `json:"notes,omitempty"`
}

func (Expenditure) Kind() EventKind { return KindExpenditure }

func (x Expenditure) validate() error {
	if err := requireID("id", x.ID); err != nil {
		return err
	}
	if err := validateKey(x.Base, x.EquipmentType); err != nil {
		return err
	}
	return validateQuantity(x.Quantity)
}

func (x Expenditure) keys() []StockKey { return []StockKey{{x.Base, x.EquipmentType}} }
func (x Expenditure) effects() []Effect {
	return []Effect{{Key: StockKey{x.Base, x.EquipmentType}, Delta: -x.Quantity}}
}
func (x Expenditure) quantity() int64 { return x.Quantity }

// =============================================================================
// VALIDATION HELPERS
// =============================================================================

// MaxQuantity bounds a single movement. MaxStockBalance bounds the running
// balance of one key at any date, so sums over a key never overflow int64.
const (
	MaxQuantity     int64 = 1_000_000_000_000
	MaxStockBalance int64 = 1_000_000_000_000_000
)

func validateQuantity(q int64) error {
	if q <= 0 {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive, got %d", q)}
	}
	if q > MaxQuantity {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d, got %d", MaxQuantity, q)}
	}
	return nil
}

func validateKey(base BaseID, eq EquipmentTypeID) error {
	if base == "" {
		return &ValidationError{Field: "base", Reason: "required"}
	}
	if eq == "" {
		return &ValidationError{Field: "equipmentType", Reason: "required"}
	}
	return nil
}

func validateTransferShape(id TransferID, from, to BaseID, eq EquipmentTypeID) error {
	if err := requireID("transferId", string(id)); err != nil {
		return err
	}
	if err := validateKey(from, eq); err != nil {
		return err
	}
	if to == "" {
		return &ValidationError{Field: "toBase", Reason: "required"}
	}
	if from == to {
		return &ValidationError{Field: "toBase", Reason: "source and destination base are identical"}
	}
	return nil
}

func requireID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "required"}
	}
	return nil
}

func transferKeys(from, to BaseID, eq EquipmentTypeID) []StockKey {
	return []StockKey{{from, eq}, {to, eq}}
}

// =============================================================================
// CODEC - Payloads are stored as JSON tagged by kind
// =============================================================================

// EncodePayload serialises a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload rebuilds the variant for kind from its stored JSON.
func DecodePayload(kind EventKind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindPurchase:
		var v Purchase
		err = json.Unmarshal(data, &v)
		p = v
	case KindTransferCreated:
		var v TransferCreated
		err = json.Unmarshal(data, &v)
		p = v
	case KindTransferCompleted:
		var v TransferCompleted
		err = json.Unmarshal(data, &v)
		p = v
	case KindTransferCancelled:
		var v TransferCancelled
		err = json.Unmarshal(data, &v)
		p = v
	case KindAssignmentCreated:
		var v AssignmentCreated
		err = json.Unmarshal(data, &v)
		p = v
	case KindAssignmentReturned:
		var v AssignmentReturned
		err = json.Unmarshal(data, &v)
		p = v
	case KindExpenditure:
		var v Expenditure
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

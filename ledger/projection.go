/*
projection.go - State folded from the event log

PURPOSE:
  The projection is the in-memory fold of every event up to head: stock
  timelines per key, reservations held by pending transfers, and the
  transfer and assignment aggregates. It is never edited directly; the
  only mutation is apply(event), and it can be rebuilt at any time by
  replaying the log from Seq 1.

ADMISSION:
  check(event) decides whether an event may be appended on top of the
  current state. It enforces:
    - variant shape (positive quantity, distinct bases, required ids)
    - lifecycle (completing/cancelling needs a pending transfer,
      returning needs an active assignment, ids are unique)
    - stock (available stock covers reservations and deductions, and
      back-dated deductions never drive history negative)
    - ceiling (credits never push any running balance past
      MaxStockBalance)
  Lifecycle violations at this level are ConflictErrors: the caller built
  the event from a state that no longer holds.

CONCURRENCY:
  Not safe for concurrent use. Service guards it with a RWMutex.
*/
package ledger

import (
	"fmt"
	"sort"
)

type Projection struct {
	head        Seq
	stock       map[StockKey]*timeline
	reserved    map[StockKey]int64
	transfers   map[TransferID]*Transfer
	assignments map[AssignmentID]*Assignment
}

func NewProjection() *Projection {
	return &Projection{
		stock:       make(map[StockKey]*timeline),
		reserved:    make(map[StockKey]int64),
		transfers:   make(map[TransferID]*Transfer),
		assignments: make(map[AssignmentID]*Assignment),
	}
}

// Replay folds events (which must be in Seq order) into a new projection.
func Replay(events []Event) (*Projection, error) {
	p := NewProjection()
	for _, ev := range events {
		if err := p.apply(ev); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Projection) Head() Seq { return p.head }

// =============================================================================
// ADMISSION
// =============================================================================

func (p *Projection) check(ev Event) error {
	if ev.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if ev.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "required"}
	}
	if err := ev.Payload.validate(); err != nil {
		return err
	}

	switch v := ev.Payload.(type) {
	case Purchase:
		return p.checkCredit(StockKey{v.Base, v.EquipmentType}, ev.Date, v.Quantity)

	case TransferCreated:
		if _, exists := p.transfers[v.TransferID]; exists {
			return &ConflictError{Reason: fmt.Sprintf("transfer %s already exists", v.TransferID)}
		}
		return p.checkAvailable(StockKey{v.FromBase, v.EquipmentType}, v.Quantity)

	case TransferCompleted:
		t, err := p.pendingTransfer(v.TransferID, v.FromBase, v.ToBase, v.EquipmentType, v.Quantity)
		if err != nil {
			return err
		}
		// The units were reserved at creation; only history needs checking.
		if err := p.checkHeadroom(t.SourceKey(), ev.Date, v.Quantity); err != nil {
			return err
		}
		return p.checkCredit(StockKey{v.ToBase, v.EquipmentType}, ev.Date, v.Quantity)

	case TransferCancelled:
		_, err := p.pendingTransfer(v.TransferID, v.FromBase, v.ToBase, v.EquipmentType, v.Quantity)
		return err

	case AssignmentCreated:
		if _, exists := p.assignments[v.AssignmentID]; exists {
			return &ConflictError{Reason: fmt.Sprintf("assignment %s already exists", v.AssignmentID)}
		}
		return p.checkDeduction(StockKey{v.Base, v.EquipmentType}, ev.Date, v.Quantity)

	case AssignmentReturned:
		a, ok := p.assignments[v.AssignmentID]
		if !ok {
			return &ConflictError{Reason: fmt.Sprintf("assignment %s does not exist", v.AssignmentID)}
		}
		if a.Status != AssignmentStatusActive {
			return &ConflictError{Reason: fmt.Sprintf("assignment %s is %s", a.ID, a.Status)}
		}
		if a.Base != v.Base || a.EquipmentType != v.EquipmentType || a.Quantity != v.Quantity {
			return &ConflictError{Reason: fmt.Sprintf("return does not match assignment %s", a.ID)}
		}
		return p.checkCredit(StockKey{v.Base, v.EquipmentType}, ev.Date, v.Quantity)

	case Expenditure:
		return p.checkDeduction(StockKey{v.Base, v.EquipmentType}, ev.Date, v.Quantity)
	}
	return &ValidationError{Field: "payload", Reason: fmt.Sprintf("unsupported kind %s", ev.Kind())}
}

func (p *Projection) pendingTransfer(id TransferID, from, to BaseID, eq EquipmentTypeID, qty int64) (*Transfer, error) {
	t, ok := p.transfers[id]
	if !ok {
		return nil, &ConflictError{Reason: fmt.Sprintf("transfer %s does not exist", id)}
	}
	if t.Status != TransferStatusPending {
		return nil, &ConflictError{Reason: fmt.Sprintf("transfer %s is %s", id, t.Status)}
	}
	if t.FromBase != from || t.ToBase != to || t.EquipmentType != eq || t.Quantity != qty {
		return nil, &ConflictError{Reason: fmt.Sprintf("event does not match transfer %s", id)}
	}
	return t, nil
}

// checkAvailable verifies that qty can be taken from the key's available
// stock (balance minus pending reservations).
func (p *Projection) checkAvailable(key StockKey, qty int64) error {
	if available := p.Available(key); available < qty {
		return &InsufficientStockError{Key: key, Available: available, Requested: qty}
	}
	return nil
}

func (p *Projection) checkHeadroom(key StockKey, d Date, qty int64) error {
	tl, ok := p.stock[key]
	headroom := int64(0)
	if ok {
		headroom = tl.headroom(d)
	}
	if headroom < qty {
		return &InsufficientStockError{Key: key, Available: headroom, Requested: qty, AsOf: d}
	}
	return nil
}

func (p *Projection) checkCredit(key StockKey, d Date, qty int64) error {
	tl, ok := p.stock[key]
	if !ok {
		return nil
	}
	if peak := tl.peak(d); peak > MaxStockBalance-qty {
		return &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%s would hold more than %d units (peak %d + %d)", key, MaxStockBalance, peak, qty),
		}
	}
	return nil
}

func (p *Projection) checkDeduction(key StockKey, d Date, qty int64) error {
	if err := p.checkAvailable(key, qty); err != nil {
		return err
	}
	return p.checkHeadroom(key, d, qty)
}

// =============================================================================
// FOLD
// =============================================================================

// apply folds one event. Events must arrive in Seq order without gaps.
func (p *Projection) apply(ev Event) error {
	if ev.Seq != p.head+1 {
		return fmt.Errorf("apply seq %d: projection head is %d", ev.Seq, p.head)
	}

	for _, eff := range ev.Effects() {
		tl, ok := p.stock[eff.Key]
		if !ok {
			tl = &timeline{}
			p.stock[eff.Key] = tl
		}
		tl.insert(ev.Date, ev.Seq, eff.Delta)
	}

	switch v := ev.Payload.(type) {
	case TransferCreated:
		p.transfers[v.TransferID] = &Transfer{
			ID:            v.TransferID,
			FromBase:      v.FromBase,
			ToBase:        v.ToBase,
			EquipmentType: v.EquipmentType,
			Quantity:      v.Quantity,
			Status:        TransferStatusPending,
			Notes:         v.Notes,
			Date:          ev.Date,
			InitiatedBy:   ev.Actor,
			CreatedSeq:    ev.Seq,
		}
		p.reserved[StockKey{v.FromBase, v.EquipmentType}] += v.Quantity

	case TransferCompleted:
		if err := p.closeTransfer(ev, v.TransferID, TransferStatusCompleted, ""); err != nil {
			return err
		}

	case TransferCancelled:
		if err := p.closeTransfer(ev, v.TransferID, TransferStatusCancelled, v.Reason); err != nil {
			return err
		}

	case AssignmentCreated:
		p.assignments[v.AssignmentID] = &Assignment{
			ID:            v.AssignmentID,
			Base:          v.Base,
			EquipmentType: v.EquipmentType,
			PersonnelName: v.PersonnelName,
			PersonnelID:   v.PersonnelID,
			Quantity:      v.Quantity,
			Status:        AssignmentStatusActive,
			Notes:         v.Notes,
			Date:          ev.Date,
			AssignedBy:    ev.Actor,
			Seq:           ev.Seq,
		}

	case AssignmentReturned:
		a, ok := p.assignments[v.AssignmentID]
		if !ok {
			return fmt.Errorf("apply seq %d: unknown assignment %s", ev.Seq, v.AssignmentID)
		}
		a.Status = AssignmentStatusReturned
		a.ReturnedOn = ev.Date
		a.ReturnedBy = ev.Actor
		a.ReturnedSeq = ev.Seq
	}

	p.head = ev.Seq
	return nil
}

func (p *Projection) closeTransfer(ev Event, id TransferID, to TransferStatus, reason string) error {
	t, ok := p.transfers[id]
	if !ok {
		return fmt.Errorf("apply seq %d: unknown transfer %s", ev.Seq, id)
	}
	if err := t.checkTransition(to); err != nil {
		return fmt.Errorf("apply seq %d: %w", ev.Seq, err)
	}
	t.Status = to
	t.ClosedOn = ev.Date
	t.ClosedBy = ev.Actor
	t.ClosedSeq = ev.Seq
	t.CancelReason = reason

	key := t.SourceKey()
	p.reserved[key] -= t.Quantity
	if p.reserved[key] == 0 {
		delete(p.reserved, key)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// BalanceAt returns the balance of key after every event dated <= asOf.
func (p *Projection) BalanceAt(key StockKey, asOf Date) int64 {
	tl, ok := p.stock[key]
	if !ok {
		return 0
	}
	return tl.balanceAt(asOf)
}

// Balance returns the balance of key at the log head.
func (p *Projection) Balance(key StockKey) int64 {
	tl, ok := p.stock[key]
	if !ok {
		return 0
	}
	return tl.current()
}

func (p *Projection) Reserved(key StockKey) int64 { return p.reserved[key] }

// Available returns balance minus quantities reserved by pending transfers
// leaving key.
func (p *Projection) Available(key StockKey) int64 {
	return p.Balance(key) - p.reserved[key]
}

func (p *Projection) Level(key StockKey) StockLevel {
	bal := p.Balance(key)
	res := p.reserved[key]
	return StockLevel{Key: key, Balance: bal, Reserved: res, Available: bal - res}
}

// Keys returns every key that has stock history or a reservation, sorted.
func (p *Projection) Keys() []StockKey {
	seen := make(map[StockKey]bool, len(p.stock))
	keys := make([]StockKey, 0, len(p.stock))
	for k := range p.stock {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range p.reserved {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (p *Projection) Transfer(id TransferID) (Transfer, bool) {
	t, ok := p.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

func (p *Projection) Assignment(id AssignmentID) (Assignment, bool) {
	a, ok := p.assignments[id]
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// Transfers returns copies of all transfers ordered by date, then Seq.
func (p *Projection) Transfers() []Transfer {
	out := make([]Transfer, 0, len(p.transfers))
	for _, t := range p.transfers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].CreatedSeq < out[j].CreatedSeq
	})
	return out
}

// Assignments returns copies of all assignments ordered by date, then Seq.
func (p *Projection) Assignments() []Assignment {
	out := make([]Assignment, 0, len(p.assignments))
	for _, a := range p.assignments {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

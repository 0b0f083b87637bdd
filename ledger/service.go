/*
service.go - Ledger operations exposed to callers

PURPOSE:
  Service is the data-access interface of the ledger. Every movement
  intent (purchase, transfer, assignment, expenditure) and every query
  enters here with the acting Principal.

WRITE PATH:
  1. Resolve references and scope (NotFoundError, OutOfScopeError)
  2. Lock the stock keys the movement touches, in global key order
  3. Under a projection read lock, check lifecycle state and build the
     event (InvalidStateTransitionError)
  4. EventLog.Append: stock admission, append at head+1, fold
  5. Release the key locks

  Steps 2-5 make check-then-append atomic per key: the first operation to
  commit wins, and a competing one re-validates against the committed
  state and may fail with InsufficientStockError.

DATES:
  Movements carry a calendar day. A zero date means today; a date after
  today is rejected. Completion, cancellation and return are dated today.

SEE ALSO:
  - eventlog.go: Admission and append
  - query.go: Metrics and listings
  - verify.go: Full replay with invariant checks
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Observer is notified of committed events and rejected operations.
// Implementations must be safe for concurrent use.
type Observer interface {
	EventCommitted(ev Event)
	OperationRejected(op string, err error)
}

type ServiceConfig struct {
	Store      Store
	References ReferenceStore
	Clock      Clock          // default SystemClock()
	Logger     zerolog.Logger // the zero Logger discards everything
	NewID      func() string  // default uuid.NewString
	// QueryCacheSize bounds the metrics cache. Zero uses the default,
	// negative disables caching.
	QueryCacheSize int
	Observer       Observer
}

type Service struct {
	log      *EventLog
	refs     ReferenceStore
	clock    Clock
	logger   zerolog.Logger
	newID    func() string
	locks    *keyLocks
	queries  *QueryEngine
	observer Observer
}

// NewService replays the store and returns a ready service.
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.References == nil {
		return nil, errors.New("ledger: store and reference store are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := cfg.Logger

	log, err := OpenEventLog(ctx, cfg.Store, cfg.Clock)
	if err != nil {
		return nil, err
	}
	queries, err := NewQueryEngine(log, cfg.QueryCacheSize)
	if err != nil {
		return nil, err
	}

	logger.Info().Int64("head", int64(log.Head())).Msg("ledger replayed")

	return &Service{
		log:      log,
		refs:     cfg.References,
		clock:    cfg.Clock,
		logger:   logger,
		newID:    cfg.NewID,
		locks:    newKeyLocks(),
		queries:  queries,
		observer: cfg.Observer,
	}, nil
}

// Head returns the Seq of the latest event known to this service.
func (s *Service) Head() Seq { return s.log.Head() }

// Sync folds events other processes appended to the shared store.
func (s *Service) Sync(ctx context.Context) error { return s.log.Sync(ctx) }

// =============================================================================
// PURCHASES
// =============================================================================

type PurchaseInput struct {
	Base          BaseID
	EquipmentType EquipmentTypeID
	Quantity      int64
	UnitPrice     *decimal.Decimal
	Date          Date
	Notes         string
}

func (s *Service) RecordPurchase(ctx context.Context, who Principal, in PurchaseInput) (PurchaseRecord, error) {
	const op = "record_purchase"
	date, err := s.prepare(ctx, op, who, in.Date, in.Base, in.EquipmentType)
	if err != nil {
		return PurchaseRecord{}, err
	}

	p := Purchase{
		ID:            s.newID(),
		Base:          in.Base,
		EquipmentType: in.EquipmentType,
		Quantity:      in.Quantity,
		UnitPrice:     in.UnitPrice,
		Notes:         in.Notes,
	}
	ev, err := s.commit(ctx, op, who, p.keys(), func(*Projection) (Event, error) {
		return Event{Date: date, Actor: who.ID, Payload: p}, nil
	}, nil)
	if err != nil {
		return PurchaseRecord{}, err
	}
	return purchaseRecord(ev), nil
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferInput struct {
	FromBase      BaseID
	ToBase        BaseID
	EquipmentType EquipmentTypeID
	Quantity      int64
	Date          Date
	Notes         string
}

// CreateTransfer reserves Quantity at the source. Stock moves only on
// CompleteTransfer.
func (s *Service) CreateTransfer(ctx context.Context, who Principal, in TransferInput) (Transfer, error) {
	const op = "create_transfer"
	if in.FromBase != "" && in.FromBase == in.ToBase {
		err := &ValidationError{Field: "toBase", Reason: "source and destination base are identical"}
		s.reject(op, err)
		return Transfer{}, err
	}
	date, err := s.prepare(ctx, op, who, in.Date, in.FromBase, in.EquipmentType)
	if err != nil {
		return Transfer{}, err
	}
	if err := s.requireBase(ctx, in.ToBase); err != nil {
		s.reject(op, err)
		return Transfer{}, err
	}

	t := TransferCreated{
		TransferID:    TransferID(s.newID()),
		FromBase:      in.FromBase,
		ToBase:        in.ToBase,
		EquipmentType: in.EquipmentType,
		Quantity:      in.Quantity,
		Notes:         in.Notes,
	}
	var out Transfer
	_, err = s.commit(ctx, op, who, t.keys(), func(*Projection) (Event, error) {
		return Event{Date: date, Actor: who.ID, Payload: t}, nil
	}, func(p *Projection) {
		out, _ = p.Transfer(t.TransferID)
	})
	return out, err
}

// CompleteTransfer debits the source and credits the destination.
func (s *Service) CompleteTransfer(ctx context.Context, who Principal, id TransferID) (Transfer, error) {
	return s.closeTransfer(ctx, "complete_transfer", who, id, TransferStatusCompleted, "")
}

// CancelTransfer releases the reservation without moving stock.
func (s *Service) CancelTransfer(ctx context.Context, who Principal, id TransferID, reason string) (Transfer, error) {
	return s.closeTransfer(ctx, "cancel_transfer", who, id, TransferStatusCancelled, reason)
}

func (s *Service) closeTransfer(ctx context.Context, op string, who Principal, id TransferID, to TransferStatus, reason string) (Transfer, error) {
	current, err := s.findTransfer(id)
	if err != nil {
		s.reject(op, err)
		return Transfer{}, err
	}
	if err := who.requireAny(current.FromBase, current.ToBase); err != nil {
		s.reject(op, err)
		return Transfer{}, err
	}
	date := s.today()

	var out Transfer
	_, err = s.commit(ctx, op, who, []StockKey{current.SourceKey(), current.DestinationKey()},
		func(p *Projection) (Event, error) {
			t, ok := p.Transfer(id)
			if !ok {
				return Event{}, &NotFoundError{Kind: "transfer", ID: string(id)}
			}
			if err := t.checkTransition(to); err != nil {
				return Event{}, err
			}
			var payload Payload
			if to == TransferStatusCompleted {
				payload = TransferCompleted{
					TransferID: t.ID, FromBase: t.FromBase, ToBase: t.ToBase,
					EquipmentType: t.EquipmentType, Quantity: t.Quantity,
				}
			} else {
				payload = TransferCancelled{
					TransferID: t.ID, FromBase: t.FromBase, ToBase: t.ToBase,
					EquipmentType: t.EquipmentType, Quantity: t.Quantity, Reason: reason,
				}
			}
			return Event{Date: date, Actor: who.ID, Payload: payload}, nil
		},
		func(p *Projection) {
			out, _ = p.Transfer(id)
		})
	return out, err
}

// GetTransfer returns one transfer if the principal may see either side.
func (s *Service) GetTransfer(_ context.Context, who Principal, id TransferID) (Transfer, error) {
	t, err := s.findTransfer(id)
	if err != nil {
		return Transfer{}, err
	}
	if err := who.requireAny(t.FromBase, t.ToBase); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func (s *Service) findTransfer(id TransferID) (Transfer, error) {
	var (
		t  Transfer
		ok bool
	)
	_ = s.log.View(func(p *Projection) error {
		t, ok = p.Transfer(id)
		return nil
	})
	if !ok {
		return Transfer{}, &NotFoundError{Kind: "transfer", ID: string(id)}
	}
	return t, nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

type AssignmentInput struct {
	Base          BaseID
	EquipmentType EquipmentTypeID
	PersonnelName string
	PersonnelID   string
	Quantity      int64
	Date          Date
	Notes         string
}

// CreateAssignment hands units to personnel, deducting them from stock.
func (s *Service) CreateAssignment(ctx context.Context, who Principal, in AssignmentInput) (Assignment, error) {
	const op = "create_assignment"
	date, err := s.prepare(ctx, op, who, in.Date, in.Base, in.EquipmentType)
	if err != nil {
		return Assignment{}, err
	}

	a := AssignmentCreated{
		AssignmentID:  AssignmentID(s.newID()),
		Base:          in.Base,
		EquipmentType: in.EquipmentType,
		PersonnelName: in.PersonnelName,
		PersonnelID:   in.PersonnelID,
		Quantity:      in.Quantity,
		Notes:         in.Notes,
	}
	var out Assignment
	_, err = s.commit(ctx, op, who, a.keys(), func(*Projection) (Event, error) {
		return Event{Date: date, Actor: who.ID, Payload: a}, nil
	}, func(p *Projection) {
		out, _ = p.Assignment(a.AssignmentID)
	})
	return out, err
}

// ReturnAssignment puts the assigned units back into stock.
func (s *Service) ReturnAssignment(ctx context.Context, who Principal, id AssignmentID) (Assignment, error) {
	const op = "return_assignment"
	current, err := s.findAssignment(id)
	if err != nil {
		s.reject(op, err)
		return Assignment{}, err
	}
	if err := who.require(current.Base); err != nil {
		s.reject(op, err)
		return Assignment{}, err
	}
	date := s.today()

	var out Assignment
	_, err = s.commit(ctx, op, who, []StockKey{current.Key()},
		func(p *Projection) (Event, error) {
			a, ok := p.Assignment(id)
			if !ok {
				return Event{}, &NotFoundError{Kind: "assignment", ID: string(id)}
			}
			if err := a.checkReturn(); err != nil {
				return Event{}, err
			}
			return Event{Date: date, Actor: who.ID, Payload: AssignmentReturned{
				AssignmentID: a.ID, Base: a.Base, EquipmentType: a.EquipmentType, Quantity: a.Quantity,
			}}, nil
		},
		func(p *Projection) {
			out, _ = p.Assignment(id)
		})
	return out, err
}

func (s *Service) GetAssignment(_ context.Context, who Principal, id AssignmentID) (Assignment, error) {
	a, err := s.findAssignment(id)
	if err != nil {
		return Assignment{}, err
	}
	if err := who.require(a.Base); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func (s *Service) findAssignment(id AssignmentID) (Assignment, error) {
	var (
		a  Assignment
		ok bool
	)
	_ = s.log.View(func(p *Projection) error {
		a, ok = p.Assignment(id)
		return nil
	})
	if !ok {
		return Assignment{}, &NotFoundError{Kind: "assignment", ID: string(id)}
	}
	return a, nil
}

// =============================================================================
// EXPENDITURES
// =============================================================================

type ExpenditureInput struct {
	Base          BaseID
	EquipmentType EquipmentTypeID
	Quantity      int64
	Reason        string
	Date          Date
	Notes         string
}

// RecordExpenditure permanently removes units from stock.
func (s *Service) RecordExpenditure(ctx context.Context, who Principal, in ExpenditureInput) (ExpenditureRecord, error) {
	const op = "record_expenditure"
	date, err := s.prepare(ctx, op, who, in.Date, in.Base, in.EquipmentType)
	if err != nil {
		return ExpenditureRecord{}, err
	}

	x := Expenditure{
		ID:            s.newID(),
		Base:          in.Base,
		EquipmentType: in.EquipmentType,
		Quantity:      in.Quantity,
		Reason:        in.Reason,
		Notes:         in.Notes,
	}
	ev, err := s.commit(ctx, op, who, x.keys(), func(*Projection) (Event, error) {
		return Event{Date: date, Actor: who.ID, Payload: x}, nil
	}, nil)
	if err != nil {
		return ExpenditureRecord{}, err
	}
	return expenditureRecord(ev), nil
}

// =============================================================================
// STOCK
// =============================================================================

// BalanceAt returns the on-hand balance of (base, equipmentType) after every
// event dated on or before asOf. A zero asOf means today.
func (s *Service) BalanceAt(ctx context.Context, who Principal, base BaseID, eq EquipmentTypeID, asOf Date) (int64, error) {
	if err := s.checkStockQuery(ctx, who, base, eq); err != nil {
		return 0, err
	}
	if asOf.IsZero() {
		asOf = s.today()
	}
	var bal int64
	_ = s.log.View(func(p *Projection) error {
		bal = p.BalanceAt(StockKey{base, eq}, asOf)
		return nil
	})
	return bal, nil
}

// AvailableStock returns balance minus pending outgoing transfers.
func (s *Service) AvailableStock(ctx context.Context, who Principal, base BaseID, eq EquipmentTypeID) (StockLevel, error) {
	if err := s.checkStockQuery(ctx, who, base, eq); err != nil {
		return StockLevel{}, err
	}
	var lvl StockLevel
	_ = s.log.View(func(p *Projection) error {
		lvl = p.Level(StockKey{base, eq})
		return nil
	})
	return lvl, nil
}

// StockSummary lists current levels of every key matching filter and scope.
// Dates in filter are ignored.
func (s *Service) StockSummary(_ context.Context, who Principal, filter QueryFilter) ([]StockLevel, error) {
	if filter.Base != "" {
		if err := who.require(filter.Base); err != nil {
			return nil, err
		}
	}
	var out []StockLevel
	_ = s.log.View(func(p *Projection) error {
		for _, k := range p.Keys() {
			if filter.Base != "" && k.Base != filter.Base {
				continue
			}
			if filter.EquipmentType != "" && k.EquipmentType != filter.EquipmentType {
				continue
			}
			if !who.CanAccess(k.Base) {
				continue
			}
			out = append(out, p.Level(k))
		}
		return nil
	})
	return out, nil
}

func (s *Service) checkStockQuery(ctx context.Context, who Principal, base BaseID, eq EquipmentTypeID) error {
	if err := validateKey(base, eq); err != nil {
		return err
	}
	if err := who.require(base); err != nil {
		return err
	}
	if err := s.requireBase(ctx, base); err != nil {
		return err
	}
	return s.requireEquipmentType(ctx, eq)
}

// =============================================================================
// QUERIES - Delegated to the query engine
// =============================================================================

func (s *Service) GetMetrics(ctx context.Context, who Principal, filter QueryFilter) (Metrics, error) {
	return s.queries.Metrics(ctx, who, filter)
}

func (s *Service) GetMovementDetails(ctx context.Context, who Principal, filter QueryFilter) (MovementDetails, error) {
	return s.queries.MovementDetails(ctx, who, filter)
}

func (s *Service) ListTransfers(ctx context.Context, who Principal, filter ListFilter) ([]Transfer, error) {
	return s.queries.Transfers(ctx, who, filter)
}

func (s *Service) ListAssignments(ctx context.Context, who Principal, filter ListFilter) ([]Assignment, error) {
	return s.queries.Assignments(ctx, who, filter)
}

func (s *Service) ListExpenditures(ctx context.Context, who Principal, filter QueryFilter) ([]ExpenditureRecord, error) {
	return s.queries.Expenditures(ctx, who, filter)
}

func (s *Service) ListPurchases(ctx context.Context, who Principal, filter QueryFilter) ([]PurchaseRecord, error) {
	return s.queries.Purchases(ctx, who, filter)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ListBases returns the bases visible to the principal.
func (s *Service) ListBases(ctx context.Context, who Principal) ([]Base, error) {
	all, err := s.refs.ListBases(ctx)
	if err != nil {
		return nil, err
	}
	if who.Unrestricted() {
		return all, nil
	}
	out := make([]Base, 0, len(who.Bases))
	for _, b := range all {
		if who.CanAccess(b.ID) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Service) ListEquipmentTypes(ctx context.Context) ([]EquipmentType, error) {
	return s.refs.ListEquipmentTypes(ctx)
}

// SaveBase registers a base. Only unrestricted admins may do so. Bases are
// immutable once registered: repeating an identical registration is a
// no-op, a differing one is a ValidationError.
func (s *Service) SaveBase(ctx context.Context, who Principal, b Base) error {
	if err := requireAdmin(who); err != nil {
		return err
	}
	if b.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if b.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	existing, err := s.refs.GetBase(ctx, b.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if *existing != b {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("base %s is already registered as %q", b.ID, existing.Name)}
		}
		return nil
	}
	return s.refs.SaveBase(ctx, b)
}

// SaveEquipmentType registers an equipment type. Same rules as SaveBase.
func (s *Service) SaveEquipmentType(ctx context.Context, who Principal, et EquipmentType) error {
	if err := requireAdmin(who); err != nil {
		return err
	}
	if et.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if et.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	existing, err := s.refs.GetEquipmentType(ctx, et.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if *existing != et {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("equipment type %s is already registered as %q", et.ID, existing.Name)}
		}
		return nil
	}
	return s.refs.SaveEquipmentType(ctx, et)
}

func requireAdmin(who Principal) error {
	if who.Role != RoleAdmin || !who.Unrestricted() {
		return &OutOfScopeError{Principal: who.ID, Base: "*"}
	}
	return nil
}

func (s *Service) requireBase(ctx context.Context, id BaseID) error {
	if id == "" {
		return &ValidationError{Field: "base", Reason: "required"}
	}
	b, err := s.refs.GetBase(ctx, id)
	if err != nil {
		return fmt.Errorf("get base %s: %w", id, err)
	}
	if b == nil {
		return &NotFoundError{Kind: "base", ID: string(id)}
	}
	return nil
}

func (s *Service) requireEquipmentType(ctx context.Context, id EquipmentTypeID) error {
	if id == "" {
		return &ValidationError{Field: "equipmentType", Reason: "required"}
	}
	et, err := s.refs.GetEquipmentType(ctx, id)
	if err != nil {
		return fmt.Errorf("get equipment type %s: %w", id, err)
	}
	if et == nil {
		return &NotFoundError{Kind: "equipment type", ID: string(id)}
	}
	return nil
}

// =============================================================================
// COMMIT PATH
// =============================================================================

// prepare runs the checks shared by every new movement: date, scope,
// and that base and equipment type exist. It returns the effective date.
func (s *Service) prepare(ctx context.Context, op string, who Principal, d Date, base BaseID, eq EquipmentTypeID) (Date, error) {
	date, err := s.effectiveDate(d)
	if err == nil {
		err = validateKey(base, eq)
	}
	if err == nil {
		err = who.require(base)
	}
	if err == nil {
		err = s.requireBase(ctx, base)
	}
	if err == nil {
		err = s.requireEquipmentType(ctx, eq)
	}
	if err != nil {
		s.reject(op, err)
		return Date{}, err
	}
	return date, nil
}

func (s *Service) today() Date { return DateOf(s.clock.Now()) }

func (s *Service) effectiveDate(d Date) (Date, error) {
	today := s.today()
	if d.IsZero() {
		return today, nil
	}
	if d.After(today) {
		return Date{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("%s is in the future", d)}
	}
	return d, nil
}

// commit locks keys, builds the event under a projection read lock and
// appends it. result, when set, reads the outcome while the keys are
// still locked.
func (s *Service) commit(
	ctx context.Context,
	op string,
	who Principal,
	keys []StockKey,
	build func(p *Projection) (Event, error),
	result func(p *Projection),
) (Event, error) {
	release, err := s.locks.acquire(ctx, keys)
	if err != nil {
		s.reject(op, err)
		return Event{}, err
	}
	defer release()

	var ev Event
	if err := s.log.View(func(p *Projection) error {
		var err error
		ev, err = build(p)
		return err
	}); err != nil {
		s.reject(op, err)
		return Event{}, err
	}

	stored, err := s.log.Append(ctx, ev)
	if err != nil {
		s.reject(op, err)
		return Event{}, err
	}

	s.logger.Debug().
		Int64("seq", int64(stored.Seq)).
		Str("kind", string(stored.Kind())).
		Str("keys", fmt.Sprint(stored.Keys())).
		Int64("quantity", stored.Quantity()).
		Str("date", stored.Date.String()).
		Str("actor", who.ID).
		Msg("event committed")
	if s.observer != nil {
		s.observer.EventCommitted(stored)
	}

	if result != nil {
		_ = s.log.View(func(p *Projection) error {
			result(p)
			return nil
		})
	}
	return stored, nil
}

func (s *Service) reject(op string, err error) {
	s.logger.Info().Str("op", op).Str("class", ErrorClass(err)).Err(err).Msg("operation rejected")
	if s.observer != nil {
		s.observer.OperationRejected(op, err)
	}
}

// ErrorClass names the taxonomy class of err, "internal" if it has none.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrOutOfScope):
		return "out_of_scope"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}

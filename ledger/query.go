/*
query.go - Reconciliation Query Engine

PURPOSE:
  Computes the dashboard aggregate and its drill-down listings for a
  filter {dateRange, base?, equipmentType?}, straight from the event log.

METRICS:
  openingBalance  sum of effects dated before the window
  closingBalance  openingBalance + every effect inside the window
  netMovement     closingBalance - openingBalance
                = purchases + transfersIn - transfersOut
                  - assigned + returned - expended

  Only stock-affecting effects count. A pending or cancelled transfer has
  no effect, so it shows up in neither transfersIn nor transfersOut.
  Without a base filter a completed transfer between two visible bases
  counts once in each column, which nets to zero.

SNAPSHOTS:
  Each computation pins the log head first and ignores any event with a
  higher Seq, so a reader never sees half of a concurrent write. Results
  are cached per (filter, scope, head): once the head moves the old entries
  can no longer be hit and age out of the LRU.

SEE ALSO:
  - service.go: Entry points
  - projection.go: Aggregates used by the transfer and assignment lists
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const DefaultQueryCacheSize = 256

// QueryFilter narrows a query. Zero fields do not restrict.
type QueryFilter struct {
	Dates         DateRange
	Base          BaseID
	EquipmentType EquipmentTypeID
}

func (f QueryFilter) Validate() error { return f.Dates.Validate() }

func (f QueryFilter) eventFilter(kinds ...EventKind) EventFilter {
	return EventFilter{Base: f.Base, EquipmentType: f.EquipmentType, Dates: f.Dates, Kinds: kinds}
}

// selects reports whether a stock key is inside the filter and visible to
// the principal.
func (f QueryFilter) selects(who Principal, k StockKey) bool {
	if f.Base != "" && k.Base != f.Base {
		return false
	}
	if f.EquipmentType != "" && k.EquipmentType != f.EquipmentType {
		return false
	}
	return who.CanAccess(k.Base)
}

// ListFilter adds a lifecycle status to QueryFilter for transfer and
// assignment listings.
type ListFilter struct {
	QueryFilter
	Status string
}

// Metrics is the dashboard aggregate for one filter.
type Metrics struct {
	OpeningBalance int64
	ClosingBalance int64
	NetMovement    int64
	Purchases      int64
	TransfersIn    int64
	TransfersOut   int64
	Assigned       int64
	Returned       int64
	Expended       int64
	// PurchaseValue sums the total cost of priced purchases in the window.
	// Display only.
	PurchaseValue decimal.Decimal
}

// MovementDetails lists the purchases and completed transfers behind the
// Purchases, TransfersIn and TransfersOut metrics.
type MovementDetails struct {
	Purchases    []PurchaseRecord
	TransfersIn  []TransferMovement
	TransfersOut []TransferMovement
}

var stockKinds = []EventKind{
	KindPurchase, KindTransferCompleted, KindAssignmentCreated, KindAssignmentReturned, KindExpenditure,
}

// =============================================================================
// QUERY ENGINE
// =============================================================================

type QueryEngine struct {
	log   *EventLog
	cache *lru.Cache[string, Metrics]
	group singleflight.Group
}

// NewQueryEngine builds an engine over log. cacheSize 0 uses
// DefaultQueryCacheSize; a negative size disables the metrics cache.
func NewQueryEngine(log *EventLog, cacheSize int) (*QueryEngine, error) {
	q := &QueryEngine{log: log}
	if cacheSize == 0 {
		cacheSize = DefaultQueryCacheSize
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, Metrics](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("query cache: %w", err)
		}
		q.cache = cache
	}
	return q, nil
}

func (q *QueryEngine) Metrics(ctx context.Context, who Principal, f QueryFilter) (Metrics, error) {
	if err := q.checkFilter(who, f); err != nil {
		return Metrics{}, err
	}
	head := q.log.Head()
	key := metricsKey(who, f, head)

	if q.cache != nil {
		if m, ok := q.cache.Get(key); ok {
			return m, nil
		}
	}

	v, err, _ := q.group.Do(key, func() (any, error) {
		m, err := q.computeMetrics(ctx, who, f, head)
		if err != nil {
			return Metrics{}, err
		}
		if q.cache != nil {
			q.cache.Add(key, m)
		}
		return m, nil
	})
	if err != nil {
		return Metrics{}, err
	}
	return v.(Metrics), nil
}

func (q *QueryEngine) computeMetrics(ctx context.Context, who Principal, f QueryFilter, head Seq) (Metrics, error) {
	// Opening balance needs everything before the window, so only the
	// upper bound is pushed down.
	filter := f.eventFilter(stockKinds...)
	filter.Dates = DateRange{To: f.Dates.To}

	events, err := q.log.Read(ctx, filter)
	if err != nil {
		return Metrics{}, fmt.Errorf("read events for metrics: %w", err)
	}

	m := Metrics{PurchaseValue: decimal.Zero}
	var window int64
	for _, ev := range events {
		if ev.Seq > head {
			break
		}
		before := !f.Dates.From.IsZero() && ev.Date.Before(f.Dates.From)
		for _, eff := range ev.Effects() {
			if !f.selects(who, eff.Key) {
				continue
			}
			if before {
				m.OpeningBalance += eff.Delta
				continue
			}
			window += eff.Delta
			switch v := ev.Payload.(type) {
			case Purchase:
				m.Purchases += eff.Delta
				if total := v.TotalCost(); total != nil {
					m.PurchaseValue = m.PurchaseValue.Add(*total)
				}
			case TransferCompleted:
				if eff.Delta > 0 {
					m.TransfersIn += eff.Delta
				} else {
					m.TransfersOut -= eff.Delta
				}
			case AssignmentCreated:
				m.Assigned -= eff.Delta
			case AssignmentReturned:
				m.Returned += eff.Delta
			case Expenditure:
				m.Expended -= eff.Delta
			}
		}
	}
	m.ClosingBalance = m.OpeningBalance + window
	m.NetMovement = m.ClosingBalance - m.OpeningBalance
	return m, nil
}

func (q *QueryEngine) MovementDetails(ctx context.Context, who Principal, f QueryFilter) (MovementDetails, error) {
	if err := q.checkFilter(who, f); err != nil {
		return MovementDetails{}, err
	}
	head := q.log.Head()
	events, err := q.log.Read(ctx, f.eventFilter(KindPurchase, KindTransferCompleted))
	if err != nil {
		return MovementDetails{}, fmt.Errorf("read events for movement details: %w", err)
	}

	details := MovementDetails{
		Purchases:    []PurchaseRecord{},
		TransfersIn:  []TransferMovement{},
		TransfersOut: []TransferMovement{},
	}
	err = q.log.View(func(p *Projection) error {
		for _, ev := range events {
			if ev.Seq > head {
				break
			}
			switch v := ev.Payload.(type) {
			case Purchase:
				if f.selects(who, StockKey{v.Base, v.EquipmentType}) {
					details.Purchases = append(details.Purchases, purchaseRecord(ev))
				}
			case TransferCompleted:
				t, ok := p.Transfer(v.TransferID)
				if !ok {
					return fmt.Errorf("completed transfer %s missing from projection", v.TransferID)
				}
				mv := TransferMovement{Transfer: t, CompletedOn: ev.Date, Seq: ev.Seq}
				if f.selects(who, StockKey{v.ToBase, v.EquipmentType}) {
					details.TransfersIn = append(details.TransfersIn, mv)
				}
				if f.selects(who, StockKey{v.FromBase, v.EquipmentType}) {
					details.TransfersOut = append(details.TransfersOut, mv)
				}
			}
		}
		return nil
	})
	if err != nil {
		return MovementDetails{}, err
	}

	sort.SliceStable(details.Purchases, func(i, j int) bool {
		return dateSeqLess(details.Purchases[i].Date, details.Purchases[i].Seq, details.Purchases[j].Date, details.Purchases[j].Seq)
	})
	sortMovements(details.TransfersIn)
	sortMovements(details.TransfersOut)
	return details, nil
}

// =============================================================================
// LISTINGS
// =============================================================================

// Transfers lists transfers whose requested date is in the window and
// that touch the filtered base on either side.
func (q *QueryEngine) Transfers(_ context.Context, who Principal, f ListFilter) ([]Transfer, error) {
	if err := q.checkFilter(who, f.QueryFilter); err != nil {
		return nil, err
	}
	if f.Status != "" && !TransferStatus(f.Status).Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown transfer status %q", f.Status)}
	}

	out := []Transfer{}
	_ = q.log.View(func(p *Projection) error {
		for _, t := range p.Transfers() {
			if !f.Dates.Contains(t.Date) {
				continue
			}
			if f.Status != "" && t.Status != TransferStatus(f.Status) {
				continue
			}
			if !f.selects(who, t.SourceKey()) && !f.selects(who, t.DestinationKey()) {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, nil
}

func (q *QueryEngine) Assignments(_ context.Context, who Principal, f ListFilter) ([]Assignment, error) {
	if err := q.checkFilter(who, f.QueryFilter); err != nil {
		return nil, err
	}
	if f.Status != "" && !AssignmentStatus(f.Status).Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown assignment status %q", f.Status)}
	}

	out := []Assignment{}
	_ = q.log.View(func(p *Projection) error {
		for _, a := range p.Assignments() {
			if !f.Dates.Contains(a.Date) {
				continue
			}
			if f.Status != "" && a.Status != AssignmentStatus(f.Status) {
				continue
			}
			if !f.selects(who, a.Key()) {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	return out, nil
}

func (q *QueryEngine) Expenditures(ctx context.Context, who Principal, f QueryFilter) ([]ExpenditureRecord, error) {
	events, err := q.windowEvents(ctx, who, f, KindExpenditure)
	if err != nil {
		return nil, err
	}
	out := make([]ExpenditureRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, expenditureRecord(ev))
	}
	return out, nil
}

func (q *QueryEngine) Purchases(ctx context.Context, who Principal, f QueryFilter) ([]PurchaseRecord, error) {
	events, err := q.windowEvents(ctx, who, f, KindPurchase)
	if err != nil {
		return nil, err
	}
	out := make([]PurchaseRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, purchaseRecord(ev))
	}
	return out, nil
}

// windowEvents returns single-key events of kind inside the filter, up to
// the current head, sorted by date then Seq.
func (q *QueryEngine) windowEvents(ctx context.Context, who Principal, f QueryFilter, kind EventKind) ([]Event, error) {
	if err := q.checkFilter(who, f); err != nil {
		return nil, err
	}
	head := q.log.Head()
	events, err := q.log.Read(ctx, f.eventFilter(kind))
	if err != nil {
		return nil, fmt.Errorf("read %s events: %w", kind, err)
	}
	out := events[:0]
	for _, ev := range events {
		if ev.Seq > head {
			break
		}
		if who.canSeeEvent(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return dateSeqLess(out[i].Date, out[i].Seq, out[j].Date, out[j].Seq)
	})
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (q *QueryEngine) checkFilter(who Principal, f QueryFilter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Base != "" {
		return who.require(f.Base)
	}
	return nil
}

func metricsKey(who Principal, f QueryFilter, head Seq) string {
	scope := "*"
	if !who.Unrestricted() {
		bases := make([]string, len(who.Bases))
		for i, b := range who.Bases {
			bases[i] = string(b)
		}
		sort.Strings(bases)
		scope = strings.Join(bases, ",")
	}
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s", head, f.Dates.From, f.Dates.To, f.Base, f.EquipmentType, scope)
}

func dateSeqLess(d1 Date, s1 Seq, d2 Date, s2 Seq) bool {
	if !d1.Equal(d2) {
		return d1.Before(d2)
	}
	return s1 < s2
}

func sortMovements(ms []TransferMovement) {
	sort.SliceStable(ms, func(i, j int) bool {
		return dateSeqLess(ms[i].CompletedOn, ms[i].Seq, ms[j].CompletedOn, ms[j].Seq)
	})
}

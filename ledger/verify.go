package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// VERIFY - Replay the whole log and check the ledger invariants
// =============================================================================
//
// Verification rebuilds a projection from the store, independent of the
// live one, and checks per key:
//   - non-negative: the date-ordered balance never drops below zero
//   - reservations: pending outgoing transfers never exceed the balance
//   - reconciliation: closing balance over the full history equals the
//     projected balance, and net movement equals the sum of its columns
//   - live state: at equal heads, the running service holds the same
//     balance and reservation per key and the same transfer and
//     assignment states as the replay; it is never behind the store

// Violation is one broken invariant.
type Violation struct {
	Key    StockKey
	Rule   string
	Detail string
}

type VerifyReport struct {
	Head        Seq
	Events      int
	Keys        int
	Transfers   int
	Assignments int
	Violations  []Violation
}

func (r VerifyReport) OK() bool { return len(r.Violations) == 0 }

const verifyConcurrency = 8

// Verify replays the store and reports every invariant violation. The
// error is non-nil only when the log cannot be read or folded at all.
func (s *Service) Verify(ctx context.Context) (VerifyReport, error) {
	events, err := s.log.Read(ctx, EventFilter{})
	if err != nil {
		return VerifyReport{}, fmt.Errorf("read event log: %w", err)
	}
	replayed, err := Replay(events)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("replay event log: %w", err)
	}

	report := VerifyReport{
		Head:        replayed.Head(),
		Events:      len(events),
		Transfers:   len(replayed.transfers),
		Assignments: len(replayed.assignments),
	}
	keys := replayed.Keys()
	report.Keys = len(keys)

	var (
		mu         sync.Mutex
		violations []Violation
	)
	add := func(v Violation) {
		mu.Lock()
		violations = append(violations, v)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			return s.verifyKey(gctx, replayed, key, add)
		})
	}
	if err := g.Wait(); err != nil {
		return VerifyReport{}, err
	}

	_ = s.log.View(func(live *Projection) error {
		compareLive(live, replayed, add)
		return nil
	})

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Key != violations[j].Key {
			return violations[i].Key.Less(violations[j].Key)
		}
		return violations[i].Rule < violations[j].Rule
	})
	report.Violations = violations

	s.logger.Info().
		Int64("head", int64(report.Head)).
		Int("keys", report.Keys).
		Int("violations", len(report.Violations)).
		Msg("ledger verified")
	return report, nil
}

// compareLive checks the service's running projection against the replay.
// The live projection may be ahead if other writers appended after our
// read, never behind. Levels are only comparable at the same head.
func compareLive(live, replayed *Projection, add func(Violation)) {
	switch {
	case live.Head() < replayed.Head():
		add(Violation{Rule: "live-state", Detail: fmt.Sprintf("service head %d behind log head %d", live.Head(), replayed.Head())})
		return
	case live.Head() > replayed.Head():
		return
	}

	keys := replayed.Keys()
	seen := make(map[StockKey]bool, len(keys))
	for _, key := range keys {
		seen[key] = true
		if got, want := live.Level(key), replayed.Level(key); got != want {
			add(Violation{Key: key, Rule: "live-state", Detail: fmt.Sprintf(
				"service holds balance %d reserved %d, replay has balance %d reserved %d",
				got.Balance, got.Reserved, want.Balance, want.Reserved)})
		}
	}
	for _, key := range live.Keys() {
		if !seen[key] {
			add(Violation{Key: key, Rule: "live-state", Detail: "key missing from replay"})
		}
	}
	for id, t := range replayed.transfers {
		if lt, ok := live.transfers[id]; !ok || lt.Status != t.Status {
			add(Violation{Key: t.SourceKey(), Rule: "live-state", Detail: fmt.Sprintf("transfer %s differs from replay", id)})
		}
	}
	for id, a := range replayed.assignments {
		if la, ok := live.assignments[id]; !ok || la.Status != a.Status {
			add(Violation{Key: StockKey{a.Base, a.EquipmentType}, Rule: "live-state", Detail: fmt.Sprintf("assignment %s differs from replay", id)})
		}
	}
}

func (s *Service) verifyKey(ctx context.Context, p *Projection, key StockKey, add func(Violation)) error {
	if tl, ok := p.stock[key]; ok {
		if low, when := tl.lowest(); low < 0 {
			add(Violation{Key: key, Rule: "non-negative", Detail: fmt.Sprintf("balance %d on %s", low, when)})
		}
	}

	lvl := p.Level(key)
	if lvl.Available < 0 {
		add(Violation{Key: key, Rule: "reservations", Detail: fmt.Sprintf("reserved %d exceeds balance %d", lvl.Reserved, lvl.Balance)})
	}

	m, err := s.queries.computeMetrics(ctx, System,
		QueryFilter{Base: key.Base, EquipmentType: key.EquipmentType}, p.Head())
	if err != nil {
		return err
	}
	if m.ClosingBalance != lvl.Balance {
		add(Violation{Key: key, Rule: "reconciliation", Detail: fmt.Sprintf("closing balance %d, projected %d", m.ClosingBalance, lvl.Balance)})
	}
	sum := m.Purchases + m.TransfersIn - m.TransfersOut - m.Assigned + m.Returned - m.Expended
	if m.NetMovement != sum {
		add(Violation{Key: key, Rule: "reconciliation", Detail: fmt.Sprintf("net movement %d, movement columns sum to %d", m.NetMovement, sum)})
	}
	return nil
}

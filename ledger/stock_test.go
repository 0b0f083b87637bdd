package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(n int) Date { return NewDate(2025, time.April, n) }

func TestTimeline_BackdatedInsertRecomputesRunningBalance(t *testing.T) {
	var tl timeline
	tl.insert(d(5), 1, 10)
	tl.insert(d(9), 2, -4)
	tl.insert(d(2), 3, 3)  // back-dated
	tl.insert(d(5), 4, -1) // same day, after seq 1

	assert.Equal(t, int64(0), tl.balanceAt(d(1)))
	assert.Equal(t, int64(3), tl.balanceAt(d(2)))
	assert.Equal(t, int64(12), tl.balanceAt(d(5)))
	assert.Equal(t, int64(8), tl.balanceAt(d(30)))
	assert.Equal(t, int64(8), tl.current())

	seqs := make([]Seq, len(tl.entries))
	for i, e := range tl.entries {
		seqs[i] = e.seq
	}
	assert.Equal(t, []Seq{3, 1, 4, 2}, seqs)
}

func TestTimeline_Headroom(t *testing.T) {
	// GIVEN: +10 on day 1, -8 on day 5, +10 on day 8
	// THEN: Anything dated before day 5 may take at most 2
	var tl timeline
	tl.insert(d(1), 1, 10)
	tl.insert(d(5), 2, -8)
	tl.insert(d(8), 3, 10)

	assert.Equal(t, int64(0), tl.headroom(d(0)))
	assert.Equal(t, int64(2), tl.headroom(d(3)))
	assert.Equal(t, int64(2), tl.headroom(d(5)))
	assert.Equal(t, int64(2), tl.headroom(d(7)))
	assert.Equal(t, int64(12), tl.headroom(d(8)))

	low, _ := tl.lowest()
	assert.Equal(t, int64(0), low)
}

func TestTimeline_Peak(t *testing.T) {
	var tl timeline
	tl.insert(d(1), 1, 10)
	tl.insert(d(5), 2, -8)

	assert.Equal(t, int64(10), tl.peak(d(0)))
	assert.Equal(t, int64(10), tl.peak(d(4)))
	assert.Equal(t, int64(2), tl.peak(d(5)))

	tl.insert(d(8), 3, 10)
	assert.Equal(t, int64(12), tl.peak(d(5)))
}

func TestProjection_CreditAtCeilingIsRejected(t *testing.T) {
	// GIVEN: A key already at MaxStockBalance
	// WHEN: A purchase of one more unit is checked
	// THEN: It is a ValidationError and nothing wraps

	p := NewProjection()
	key := StockKey{Base: "a", EquipmentType: "x"}
	tl := &timeline{}
	tl.insert(d(1), 1, MaxStockBalance)
	p.stock[key] = tl

	err := p.check(Event{Date: d(2), Payload: Purchase{ID: "p", Base: "a", EquipmentType: "x", Quantity: 1}})
	assert.ErrorIs(t, err, ErrValidation)

	err = p.check(Event{Date: d(2), Payload: Purchase{ID: "p", Base: "a", EquipmentType: "x", Quantity: MaxQuantity + 1}})
	assert.ErrorIs(t, err, ErrValidation)

	other := Event{Date: d(2), Payload: Purchase{ID: "p", Base: "b", EquipmentType: "x", Quantity: MaxQuantity}}
	assert.NoError(t, p.check(other))
}

func TestKeyLocks_HonourContextWhileWaiting(t *testing.T) {
	locks := newKeyLocks()
	key := StockKey{Base: "a", EquipmentType: "x"}

	release, err := locks.acquire(context.Background(), []StockKey{key})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, []StockKey{key, {Base: "b", EquipmentType: "x"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := locks.acquire(context.Background(), []StockKey{{Base: "b", EquipmentType: "x"}, key})
	require.NoError(t, err)
	release2()

	assert.Empty(t, locks.locks, "released locks are dropped")
}

func TestSortedKeys_DedupAndOrder(t *testing.T) {
	keys := sortedKeys([]StockKey{{"b", "x"}, {"a", "y"}, {"a", "x"}, {"b", "x"}})
	assert.Equal(t, []StockKey{{"a", "x"}, {"a", "y"}, {"b", "x"}}, keys)
}

func TestEventFilter_MatchesEitherSideOfTransfer(t *testing.T) {
	ev := Event{Seq: 4, Date: d(3), Payload: TransferCompleted{
		TransferID: "t1", FromBase: "a", ToBase: "b", EquipmentType: "x", Quantity: 2,
	}}

	assert.True(t, EventFilter{Base: "a"}.Matches(ev))
	assert.True(t, EventFilter{Base: "b", EquipmentType: "x"}.Matches(ev))
	assert.False(t, EventFilter{Base: "c"}.Matches(ev))
	assert.False(t, EventFilter{EquipmentType: "y"}.Matches(ev))
	assert.False(t, EventFilter{AfterSeq: 4}.Matches(ev))
	assert.False(t, EventFilter{Dates: DateRange{From: d(4)}}.Matches(ev))
	assert.True(t, EventFilter{Kinds: []EventKind{KindPurchase, KindTransferCompleted}}.Matches(ev))
	assert.False(t, EventFilter{Kinds: []EventKind{KindPurchase}}.Matches(ev))
}

func TestDecodePayload_PreservesUnitPrice(t *testing.T) {
	price := decimal.RequireFromString("19.99")
	data, err := EncodePayload(Purchase{ID: "p1", Base: "a", EquipmentType: "x", Quantity: 3, UnitPrice: &price})
	require.NoError(t, err)

	p, err := DecodePayload(KindPurchase, data)
	require.NoError(t, err)
	got, ok := p.(Purchase)
	require.True(t, ok)
	require.NotNil(t, got.UnitPrice)
	assert.True(t, price.Equal(*got.UnitPrice))

	_, err = DecodePayload("teleport", data)
	assert.Error(t, err)
}

func TestProjection_RejectsStaleLifecycleEventsAsConflict(t *testing.T) {
	p := NewProjection()
	require.NoError(t, p.apply(Event{Seq: 1, Date: d(1), Payload: Purchase{ID: "p", Base: "a", EquipmentType: "x", Quantity: 5}}))
	require.NoError(t, p.apply(Event{Seq: 2, Date: d(1), Payload: TransferCreated{TransferID: "t", FromBase: "a", ToBase: "b", EquipmentType: "x", Quantity: 5}}))
	require.NoError(t, p.apply(Event{Seq: 3, Date: d(2), Payload: TransferCancelled{TransferID: "t", FromBase: "a", ToBase: "b", EquipmentType: "x", Quantity: 5}}))

	err := p.check(Event{Date: d(2), Payload: TransferCompleted{TransferID: "t", FromBase: "a", ToBase: "b", EquipmentType: "x", Quantity: 5}})
	assert.ErrorIs(t, err, ErrConflict)

	err = p.check(Event{Date: d(2), Payload: AssignmentReturned{AssignmentID: "missing", Base: "a", EquipmentType: "x", Quantity: 1}})
	assert.ErrorIs(t, err, ErrConflict)

	err = p.check(Event{Date: d(2), Payload: TransferCreated{TransferID: "t2", FromBase: "a", ToBase: "a", EquipmentType: "x", Quantity: 1}})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, int64(0), p.Reserved(StockKey{"a", "x"}))
	assert.Equal(t, int64(5), p.Available(StockKey{"a", "x"}))
}

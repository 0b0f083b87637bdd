/*
stock.go - Per-key balance history

PURPOSE:
  A timeline holds every balance change of one (base, equipment type) key
  ordered by (date, seq), with the running balance after each change. It
  answers "what was the balance at the end of day D?" in O(log n).

BACK-DATED EVENTS:
  Events may be recorded after the fact (a purchase entered a week late).
  They are inserted at their date, after every same-day event already
  present, and running balances are recomputed from that point on.

NON-NEGATIVITY:
  A deduction of q dated D is admissible only if the balance at the end of
  D and at every later change stays >= q before the deduction. headroom()
  returns that minimum.

CEILING:
  A credit of q dated D is admissible only if the balance at the end of D
  and at every later change stays <= MaxStockBalance - q. peak() returns
  that maximum.
*/
package ledger

import "sort"

type timelineEntry struct {
	date    Date
	seq     Seq
	delta   int64
	running int64
}

type timeline struct {
	entries []timelineEntry
}

// upperBound returns the index of the first entry dated after d.
func (t *timeline) upperBound(d Date) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].date.After(d)
	})
}

func (t *timeline) insert(d Date, seq Seq, delta int64) {
	i := t.upperBound(d)
	t.entries = append(t.entries, timelineEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = timelineEntry{date: d, seq: seq, delta: delta}

	prev := int64(0)
	if i > 0 {
		prev = t.entries[i-1].running
	}
	for j := i; j < len(t.entries); j++ {
		prev += t.entries[j].delta
		t.entries[j].running = prev
	}
}

// balanceAt returns the balance after every change dated <= d.
func (t *timeline) balanceAt(d Date) int64 {
	i := t.upperBound(d)
	if i == 0 {
		return 0
	}
	return t.entries[i-1].running
}

// current returns the balance after the latest-dated change.
func (t *timeline) current() int64 {
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[len(t.entries)-1].running
}

// headroom returns the smallest balance observed from the end of day d
// onwards.
func (t *timeline) headroom(d Date) int64 {
	i := t.upperBound(d)
	lowest := t.balanceAt(d)
	for j := i; j < len(t.entries); j++ {
		if t.entries[j].running < lowest {
			lowest = t.entries[j].running
		}
	}
	return lowest
}

// peak returns the largest balance observed from the end of day d onwards.
func (t *timeline) peak(d Date) int64 {
	i := t.upperBound(d)
	highest := t.balanceAt(d)
	for j := i; j < len(t.entries); j++ {
		if t.entries[j].running > highest {
			highest = t.entries[j].running
		}
	}
	return highest
}

// lowest returns the minimum running balance over the whole history and the
// date it occurred. Used by verification.
func (t *timeline) lowest() (int64, Date) {
	var (
		low  int64
		when Date
	)
	for _, e := range t.entries {
		if e.running < low {
			low, when = e.running, e.date
		}
	}
	return low, when
}

// =============================================================================
// STOCK LEVEL - Current position of one key
// =============================================================================

// StockLevel summarises a key at the log head.
type StockLevel struct {
	Key       StockKey
	Balance   int64 // on-hand units (assigned units excluded)
	Reserved  int64 // held by pending outgoing transfers
	Available int64 // Balance - Reserved
}

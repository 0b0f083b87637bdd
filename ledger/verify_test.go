package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceStore is the smallest Store that lets tests reach into a Service's
// projection from inside the package.
type sliceStore struct {
	mu     sync.Mutex
	events []Event
}

func (s *sliceStore) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Seq != Seq(len(s.events))+1 {
		return &ConflictError{Reason: "seq"}
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *sliceStore) Read(_ context.Context, f EventFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *sliceStore) Head(_ context.Context) (Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Seq(len(s.events)), nil
}

type openRefs struct{}

func (openRefs) SaveBase(context.Context, Base) error { return nil }
func (openRefs) GetBase(_ context.Context, id BaseID) (*Base, error) {
	return &Base{ID: id, Name: string(id)}, nil
}
func (openRefs) ListBases(context.Context) ([]Base, error) { return nil, nil }
func (openRefs) SaveEquipmentType(context.Context, EquipmentType) error { return nil }
func (openRefs) ListEquipmentTypes(context.Context) ([]EquipmentType, error) { return nil, nil }
func (openRefs) GetEquipmentType(_ context.Context, id EquipmentTypeID) (*EquipmentType, error) {
	return &EquipmentType{ID: id, Name: string(id)}, nil
}

func TestVerify_DetectsLiveProjectionDrift(t *testing.T) {
	// GIVEN: A service whose running projection disagrees with its log
	// WHEN: Verify runs at the same head
	// THEN: Each drifted key and aggregate is reported as live-state

	ctx := context.Background()
	svc, err := NewService(ctx, ServiceConfig{
		Store:      &sliceStore{},
		References: openRefs{},
		Clock:      FixedClock(time.Date(2025, time.April, 20, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	_, err = svc.RecordPurchase(ctx, System, PurchaseInput{Base: "a", EquipmentType: "x", Quantity: 10, Date: d(1)})
	require.NoError(t, err)
	moved, err := svc.CreateTransfer(ctx, System, TransferInput{FromBase: "a", ToBase: "b", EquipmentType: "x", Quantity: 4, Date: d(2)})
	require.NoError(t, err)

	report, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), "%+v", report.Violations)

	key := StockKey{Base: "a", EquipmentType: "x"}
	svc.log.mu.Lock()
	svc.log.proj.reserved[key] = 1
	svc.log.proj.transfers[moved.ID].Status = TransferStatusCancelled
	svc.log.mu.Unlock()

	report, err = svc.Verify(ctx)
	require.NoError(t, err)
	var rules []string
	for _, v := range report.Violations {
		if v.Rule == "live-state" {
			assert.Equal(t, key, v.Key)
			rules = append(rules, v.Detail)
		}
	}
	assert.Len(t, rules, 2, "%+v", report.Violations)
}

// Package store provides in-process implementations of the ledger stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/asset-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store and ledger.ReferenceStore.
type Memory struct {
	mu             sync.RWMutex
	events         []ledger.Event // index i holds Seq i+1
	bases          map[ledger.BaseID]ledger.Base
	equipmentTypes map[ledger.EquipmentTypeID]ledger.EquipmentType
}

func NewMemory() *Memory {
	return &Memory{
		bases:          make(map[ledger.BaseID]ledger.Base),
		equipmentTypes: make(map[ledger.EquipmentTypeID]ledger.EquipmentType),
	}
}

// Append adds ev at position ev.Seq. Append-only.
func (m *Memory) Append(ctx context.Context, ev ledger.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	head := ledger.Seq(len(m.events))
	if ev.Seq != head+1 {
		return &ledger.ConflictError{Reason: fmt.Sprintf("append seq %d: head is %d", ev.Seq, head)}
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Read(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if filter.AfterSeq > 0 {
		start = min(int(filter.AfterSeq), len(m.events))
	}
	var out []ledger.Event
	for _, ev := range m.events[start:] {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) Head(_ context.Context) (ledger.Seq, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ledger.Seq(len(m.events)), nil
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (m *Memory) SaveBase(_ context.Context, b ledger.Base) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bases[b.ID]; !ok {
		m.bases[b.ID] = b
	}
	return nil
}

func (m *Memory) GetBase(_ context.Context, id ledger.BaseID) (*ledger.Base, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bases[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBases(_ context.Context) ([]ledger.Base, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Base, 0, len(m.bases))
	for _, b := range m.bases {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveEquipmentType(_ context.Context, et ledger.EquipmentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.equipmentTypes[et.ID]; !ok {
		m.equipmentTypes[et.ID] = et
	}
	return nil
}

func (m *Memory) GetEquipmentType(_ context.Context, id ledger.EquipmentTypeID) (*ledger.EquipmentType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	et, ok := m.equipmentTypes[id]
	if !ok {
		return nil, nil
	}
	return &et, nil
}

func (m *Memory) ListEquipmentTypes(_ context.Context) ([]ledger.EquipmentType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.EquipmentType, 0, len(m.equipmentTypes))
	for _, et := range m.equipmentTypes {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

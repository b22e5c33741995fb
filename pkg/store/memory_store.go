package store

import (
	"context"
	"sync"
	"time"

	"arcanabot/pkg/domain"
)

// MemoryStore keeps all state in-process. It mirrors the GormStore semantics
// closely enough to back the worker and ledger tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]domain.AnalysisRecord
	balances map[balanceKey]int64
	grants   map[grantKey]struct{}
	slots    map[slotKey]int
}

type balanceKey struct {
	identity   int64
	creditType domain.CreditType
}

type grantKey struct {
	identity int64
	key      string
}

type slotKey struct {
	identity int64
	day      string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]domain.AnalysisRecord),
		balances: make(map[balanceKey]int64),
		grants:   make(map[grantKey]struct{}),
		slots:    make(map[slotKey]int),
	}
}

// SetBalance seeds a balance directly; test helper.
func (m *MemoryStore) SetBalance(identity int64, creditType domain.CreditType, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{identity, creditType}] = amount
}

func (m *MemoryStore) CreateRecord(_ context.Context, rec domain.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (domain.AnalysisRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *MemoryStore) SetRecordStatus(_ context.Context, id string, status domain.ReadingStatus, detail domain.ErrorDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.Status = status
	if !detail.Empty() {
		rec.ErrorDetail = detail
	}
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) SetRecordIntermediate(_ context.Context, id string, intermediate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.Intermediate = intermediate
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) CompleteRecord(_ context.Context, id string, interpretation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.Status = domain.StatusCompleted
	rec.Interpretation = interpretation
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) CompletedFacets(_ context.Context, sessionGroupID string) ([]domain.Facet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[domain.Facet]struct{})
	var out []domain.Facet
	for _, rec := range m.records {
		if rec.SessionGroupID != sessionGroupID || rec.Status != domain.StatusCompleted {
			continue
		}
		if rec.Facet == domain.FacetAll {
			continue
		}
		if _, dup := seen[rec.Facet]; dup {
			continue
		}
		seen[rec.Facet] = struct{}{}
		out = append(out, rec.Facet)
	}
	return out, nil
}

func (m *MemoryStore) Balance(_ context.Context, identity int64, creditType domain.CreditType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{identity, creditType}], nil
}

func (m *MemoryStore) Consume(_ context.Context, identity int64, creditType domain.CreditType, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{identity, creditType}
	if m.balances[key] < amount {
		return false, nil
	}
	m.balances[key] -= amount
	return true, nil
}

func (m *MemoryStore) Refund(_ context.Context, identity int64, creditType domain.CreditType, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{identity, creditType}] += amount
	return nil
}

func (m *MemoryStore) GrantOnce(_ context.Context, identity int64, key string, creditType domain.CreditType, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gk := grantKey{identity, key}
	if _, exists := m.grants[gk]; exists {
		return false, nil
	}
	m.grants[gk] = struct{}{}
	m.balances[balanceKey{identity, creditType}] += amount
	return true, nil
}

func (m *MemoryStore) AcquireRejectionSlot(_ context.Context, identity int64, day string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		return false, nil
	}
	key := slotKey{identity, day}
	if m.slots[key] >= limit {
		return false, nil
	}
	m.slots[key]++
	return true, nil
}

func (m *MemoryStore) ReleaseRejectionSlot(_ context.Context, identity int64, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey{identity, day}
	if m.slots[key] > 0 {
		m.slots[key]--
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)

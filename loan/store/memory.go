// Package store provides loan.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	loans  map[int64]*loan.Loan
	nextID int64
	nextTx int64
}

func NewMemory() *Memory {
	return &Memory{loans: make(map[int64]*loan.Loan)}
}

func (m *Memory) Create(_ context.Context, l *loan.Loan) (*loan.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	l.ID = m.nextID
	l.Version = 1
	m.assignIDsLocked(l)
	m.loans[l.ID] = l.Clone()
	return l, nil
}

func (m *Memory) Load(_ context.Context, id int64) (*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.loans[id]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	return l.Clone(), nil
}

// Save is a compare-and-swap on the version.
func (m *Memory) Save(_ context.Context, l *loan.Loan) (*loan.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.loans[l.ID]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	if stored.Version != l.Version {
		return nil, loan.ErrConcurrentModification
	}

	// Check before mutating, so a rejected save leaves the caller's copy intact.
	l.Version++
	m.assignIDsLocked(l)
	m.loans[l.ID] = l.Clone()
	return l, nil
}

func (m *Memory) List(_ context.Context) ([]*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*loan.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// assignIDsLocked gives unpersisted transactions store-wide increasing IDs
// in insertion order.
func (m *Memory) assignIDsLocked(l *loan.Loan) {
	for _, tx := range l.Transactions {
		if tx.ID != nil && *tx.ID > m.nextTx {
			m.nextTx = *tx.ID
		}
	}
	for _, tx := range l.Transactions {
		if tx.ID == nil {
			m.nextTx++
			tx.ID = loan.Int64Ptr(m.nextTx)
		}
	}
}

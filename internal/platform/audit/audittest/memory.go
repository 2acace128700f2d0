// Package audittest provides an in-memory audit.Repository for tests.
package audittest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/diaglab/lims/internal/platform/audit"
)

// MemoryRepository keeps the audit trail in process memory.
type MemoryRepository struct {
	mu       sync.Mutex
	entries  []*audit.Entry
	archive  []*audit.ArchivedRecord
	history  map[string][]audit.HistoryItem
	failNext error
}

var _ audit.Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{history: make(map[string][]audit.HistoryItem)}
}

// FailNext makes the next write return err.
func (m *MemoryRepository) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemoryRepository) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MemoryRepository) Append(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryRepository) List(_ context.Context, q audit.Query) ([]*audit.Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*audit.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if q.EntityType != "" && e.EntityType != q.EntityType {
			continue
		}
		if q.EntityID != "" && e.EntityID != q.EntityID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.Actor != "" && e.Actor != q.Actor {
			continue
		}
		if q.Since != nil && e.RecordedAt.Before(*q.Since) {
			continue
		}
		matched = append(matched, e)
	}
	return page(matched, q.Limit, q.Offset), len(matched), nil
}

func (m *MemoryRepository) Archive(_ context.Context, a *audit.ArchivedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.archive = append(m.archive, &cp)
	return nil
}

func (m *MemoryRepository) ListArchive(_ context.Context, entityType string, limit, offset int) ([]*audit.ArchivedRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*audit.ArchivedRecord
	for _, a := range m.archive {
		if entityType == "" || a.EntityType == entityType {
			matched = append(matched, a)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].DeletedAt.After(matched[j].DeletedAt) })
	return page(matched, limit, offset), len(matched), nil
}

func (m *MemoryRepository) PushHistory(_ context.Context, table string, id uuid.UUID, item audit.HistoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if !audit.HistoryTable(table) {
		return fmt.Errorf("table %q has no edit history", table)
	}
	key := table + "/" + id.String()
	m.history[key] = append(m.history[key], item)
	return nil
}

// History returns the embedded history pushed for one row.
func (m *MemoryRepository) History(table string, id uuid.UUID) []audit.HistoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.HistoryItem(nil), m.history[table+"/"+id.String()]...)
}

// Entries returns every recorded entry in insertion order.
func (m *MemoryRepository) Entries() []*audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*audit.Entry(nil), m.entries...)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

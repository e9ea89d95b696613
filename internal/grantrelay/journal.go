package grantrelay

import (
	"sync"
	"time"
)

// GrantRecord is one journaled grant outcome.
type GrantRecord struct {
	Timestamp time.Time `json:"timestamp"`
	EntityID  string    `json:"entityId"`
	TaskID    string    `json:"taskId"`
	PersonID  string    `json:"personId"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// GrantJournal is a durable audit trail of grant outcomes. Writes are
// best-effort; the CMS stays the source of truth for permission edges and a
// journal failure never fails a pipeline pass.
type GrantJournal interface {
	Record(record GrantRecord) error
	Recent(limit int) ([]GrantRecord, error)
	Close() error
}

const defaultMemoryJournalCapacity = 1000

// MemoryJournal keeps the most recent records in a bounded ring.
type MemoryJournal struct {
	mu       sync.Mutex
	records  []GrantRecord
	capacity int
}

func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = defaultMemoryJournalCapacity
	}
	return &MemoryJournal{capacity: capacity}
}

func (j *MemoryJournal) Record(record GrantRecord) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, record)
	if len(j.records) > j.capacity {
		j.records = j.records[len(j.records)-j.capacity:]
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (j *MemoryJournal) Recent(limit int) ([]GrantRecord, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > len(j.records) {
		limit = len(j.records)
	}
	out := make([]GrantRecord, 0, limit)
	for i := len(j.records) - 1; i >= len(j.records)-limit; i-- {
		out = append(out, j.records[i])
	}
	return out, nil
}

func (j *MemoryJournal) Close() error {
	return nil
}

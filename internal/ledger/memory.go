package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/storeroute/storeroute/internal/task"
)

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (l *MemoryLedger) apply(key string, m mutation) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, found := l.records[key]
	next, changed, err := m(rec, found, time.Now())
	if err != nil {
		return Record{}, err
	}
	if changed {
		l.records[key] = next
	}
	return next, nil
}

// Record implements Ledger.
func (l *MemoryLedger) Record(_ context.Context, key, taskType string, state task.State) error {
	_, err := l.apply(key, recordState(key, taskType, state))
	return err
}

// Begin implements Ledger.
func (l *MemoryLedger) Begin(_ context.Context, key, taskType string) (*Record, error) {
	rec, err := l.apply(key, begin(key, taskType))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Complete implements Ledger.
func (l *MemoryLedger) Complete(_ context.Context, key string) error {
	_, err := l.apply(key, finish(key, task.StateComplete, ""))
	return err
}

// Fail implements Ledger.
func (l *MemoryLedger) Fail(_ context.Context, key, reason string) error {
	_, err := l.apply(key, finish(key, task.StateFailed, reason))
	return err
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, key string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return nil, notFound(key)
	}
	return &rec, nil
}

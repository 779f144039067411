package store

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Op names a write operation, for fault injection.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// FaultFunc is consulted before every write. A non-nil return aborts the
// write with that error, as if the backend had failed mid-flight.
type FaultFunc func(op Op, table, id string) error

// Memory is an in-process Store. It is safe for concurrent use and is the
// backend used by tests, including crash simulation through SetFault.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]*Record
	fault  FaultFunc
	writes int
	closed bool
	now    func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{
		tables: make(map[string]map[string]*Record, len(Tables)),
		now:    time.Now,
	}
	for _, t := range Tables {
		m.tables[t] = map[string]*Record{}
	}
	return m
}

// SetFault installs (or with nil, removes) a fault hook.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// FailAfter makes every write of kind op on table fail with err once n
// such writes have succeeded. An empty table matches all tables.
func (m *Memory) FailAfter(op Op, table string, n int, err error) {
	var count int
	var mu sync.Mutex
	m.SetFault(func(o Op, t, _ string) error {
		if o != op || (table != "" && t != table) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if count >= n {
			return err
		}
		count++
		return nil
	})
}

// Writes returns the number of successful writes since creation or the
// last ResetWrites. Writes inside a rolled-back Tx are not counted.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// ResetWrites zeroes the write counter.
func (m *Memory) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = 0
}

// Corrupt overwrites a field without going through the write path, the way
// a hostile server would. It does not touch UpdatedAt or the write counter.
func (m *Memory) Corrupt(table, id, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkTable(table); err != nil {
		return err
	}
	rec, ok := m.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	rec.Fields[field] = value
	return nil
}

func (m *Memory) Get(ctx context.Context, table string, f Filter) (*Record, error) {
	recs, err := m.List(ctx, table, f)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (m *Memory) List(ctx context.Context, table string, f Filter) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*Record, 0)
	for _, r := range m.tables[table] {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) Insert(ctx context.Context, table string, rec *Record) error {
	return m.write(ctx, func(w *memWriter) error { return w.Insert(ctx, table, rec) })
}

func (m *Memory) Update(ctx context.Context, table, id string, patch map[string]string) error {
	return m.write(ctx, func(w *memWriter) error { return w.Update(ctx, table, id, patch) })
}

func (m *Memory) Delete(ctx context.Context, table, id string) error {
	return m.write(ctx, func(w *memWriter) error { return w.Delete(ctx, table, id) })
}

// Tx stages every write on a copy of the data and swaps it in only when fn
// returns nil.
func (m *Memory) Tx(ctx context.Context, fn func(Writer) error) error {
	return m.write(ctx, func(w *memWriter) error { return fn(w) })
}

func (m *Memory) write(ctx context.Context, fn func(w *memWriter) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	staged := make(map[string]map[string]*Record, len(m.tables))
	for t, rows := range m.tables {
		staged[t] = maps.Clone(rows)
	}
	w := &memWriter{tables: staged, fault: m.fault, now: m.now}
	if err := fn(w); err != nil {
		return err
	}
	m.tables = staged
	m.writes += w.writes
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memWriter applies writes to a staged copy. Records are replaced rather
// than mutated so the live copy never observes a rolled-back change.
type memWriter struct {
	tables map[string]map[string]*Record
	fault  FaultFunc
	now    func() time.Time
	writes int
}

func (w *memWriter) check(op Op, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if w.fault != nil {
		if err := w.fault(op, table, id); err != nil {
			return err
		}
	}
	return nil
}

func (w *memWriter) Insert(ctx context.Context, table string, rec *Record) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	if err := w.check(OpInsert, table, rec.ID); err != nil {
		return err
	}
	if _, exists := w.tables[table][rec.ID]; exists {
		return ErrDuplicate
	}
	w.tables[table][rec.ID] = stamp(rec, w.now())
	w.writes++
	return nil
}

func (w *memWriter) Update(ctx context.Context, table, id string, patch map[string]string) error {
	if err := w.check(OpUpdate, table, id); err != nil {
		return err
	}
	cur, ok := w.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	next := cur.Clone()
	maps.Copy(next.Fields, patch)
	next.UpdatedAt = w.now()
	w.tables[table][id] = next
	w.writes++
	return nil
}

func (w *memWriter) Delete(ctx context.Context, table, id string) error {
	if err := w.check(OpDelete, table, id); err != nil {
		return err
	}
	if _, ok := w.tables[table][id]; !ok {
		return ErrNotFound
	}
	delete(w.tables[table], id)
	w.writes++
	return nil
}

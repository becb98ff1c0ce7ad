package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink keeps records in process memory. It is the default sink for
// tests and single-process deployments without a database.
type MemorySink struct {
	mu      sync.RWMutex
	records []*Record
	failErr error
	closed  bool
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes every following Append return err. Pass nil to recover.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Append stores copies of the records
func (m *MemorySink) Append(ctx context.Context, records ...*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSinkClosed
	}
	if m.failErr != nil {
		return m.failErr
	}
	for _, r := range records {
		c := *r
		m.records = append(m.records, &c)
	}
	return nil
}

// Records returns a copy of every stored record in append order
func (m *MemorySink) Records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// Search filters stored records
func (m *MemorySink) Search(ctx context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

// Get retrieves a record by id, or nil when unknown
func (m *MemorySink) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

// Stats summarizes stored records
func (m *MemorySink) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	records, _ := m.Search(ctx, Filter{StartTime: &from, EndTime: &to})
	return summarize(records), nil
}

// Close marks the sink closed
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func paginate(records []*Record, offset, limit int) []*Record {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

func summarize(records []*Record) *Stats {
	stats := &Stats{
		RecordsByType:   make(map[EventType]int64),
		RecordsByResult: make(map[Outcome]int64),
	}
	for _, r := range records {
		stats.TotalRecords++
		stats.RecordsByType[r.EventType]++
		stats.RecordsByResult[r.Outcome]++
		if r.Outcome == OutcomeDenied {
			stats.Denials++
		}
	}
	return stats
}

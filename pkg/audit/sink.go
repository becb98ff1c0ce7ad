package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrSinkClosed is returned when appending to a closed sink
var ErrSinkClosed = errors.New("audit sink is closed")

// Sink is the append-only destination of audit records. Append must write
// either every record or none of them; the engine treats a returned error as
// a failed mutation.
type Sink interface {
	Append(ctx context.Context, records ...*Record) error
	Close() error
}

// Store provides methods for querying audit records
type Store interface {
	// Search returns records matching the filter, oldest first
	Search(ctx context.Context, filter Filter) ([]*Record, error)

	// Get retrieves a specific record by ID
	Get(ctx context.Context, id string) (*Record, error)

	// Stats summarizes records in [from, to)
	Stats(ctx context.Context, from, to time.Time) (*Stats, error)
}

// Fanout writes records to several sinks concurrently. It is used for
// best-effort mirrors after a mutation has committed, so every sink is
// attempted even when one of them fails.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a new fanout over sinks
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Len returns the number of mirrored sinks
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Append writes to every sink and joins the errors
func (f *Fanout) Append(ctx context.Context, records ...*Record) error {
	if len(f.sinks) == 0 || len(records) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, s := range f.sinks {
		g.Go(func() error {
			if err := s.Append(ctx, records...); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Close closes every sink
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

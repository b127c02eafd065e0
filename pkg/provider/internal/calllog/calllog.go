// Package calllog records calls made to test doubles and can hold them at a
// gate so tests control when a fake backend answers.
package calllog

import (
	"context"
	"slices"
	"sync"
)

// Log records calls of type C. Set Gate and Entered before the first call.
type Log[C any] struct {
	// Gate, when non-nil, parks every call until it is closed or the call's
	// context ends.
	Gate <-chan struct{}

	// Entered, when non-nil, gets a non-blocking send as each call arrives,
	// before it waits on Gate.
	Entered chan struct{}

	mu    sync.Mutex
	calls []C
}

// Enter records c and then waits on Gate. It returns ctx.Err() when the
// context ends first.
func (l *Log[C]) Enter(ctx context.Context, c C) error {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	gate, entered := l.Gate, l.Entered
	l.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calls returns a copy of the recorded calls, oldest first.
func (l *Log[C]) Calls() []C {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// CallCount returns how many calls were recorded.
func (l *Log[C]) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// Reset forgets all recorded calls.
func (l *Log[C]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

package concurrency

import (
	"context"
	"sync"
)

// SingleFlightMap is the keyed variant of SingleFlight: operations sharing a
// key are collapsed, operations under different keys run independently.
type SingleFlightMap[K comparable, T any] struct {
	mu      sync.Mutex
	flights map[K]*SingleFlight[T]
}

// NewSingleFlightMap returns an empty SingleFlightMap.
func NewSingleFlightMap[K comparable, T any]() *SingleFlightMap[K, T] {
	return &SingleFlightMap[K, T]{flights: make(map[K]*SingleFlight[T])}
}

func (m *SingleFlightMap[K, T]) flightFor(key K) *SingleFlight[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flights == nil {
		m.flights = make(map[K]*SingleFlight[T])
	}
	f, ok := m.flights[key]
	if !ok {
		f = &SingleFlight[T]{}
		m.flights[key] = f
	}
	return f
}

// Exec runs op for the given key, collapsing concurrent calls sharing that
// key the same way SingleFlight.Exec does.
func (m *SingleFlightMap[K, T]) Exec(ctx context.Context, key K, op func(ctx context.Context) (T, error)) (T, error) {
	return m.flightFor(key).Exec(ctx, op)
}

// DrainSucceeded awaits every operation in flight when it is called and
// returns only the ones that completed successfully, ignoring rejections.
// Operations that settled before the call, and operations started after it,
// are not included.
func (m *SingleFlightMap[K, T]) DrainSucceeded(ctx context.Context) []T {
	m.mu.Lock()
	calls := make([]*call[T], 0, len(m.flights))
	for _, f := range m.flights {
		f.mu.Lock()
		if c := f.inFlight; c != nil {
			calls = append(calls, c)
		}
		f.mu.Unlock()
	}
	m.mu.Unlock()

	results := make([]T, 0, len(calls))
	for _, c := range calls {
		val, err := waitFor[T](ctx, c)
		if err == nil {
			results = append(results, val)
		}
	}
	return results
}

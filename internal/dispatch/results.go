package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/toolgate/internal/queue"
)

// DefaultResultCapacity bounds the ResultStore when no capacity is configured.
const DefaultResultCapacity = 10000

// ErrResultExists is returned when a second result is stored for an id.
var ErrResultExists = errors.New("result already recorded")

// ResultStore keeps the most recent results, evicting the oldest insertion
// first once capacity is reached. A result is written once and never updated.
type ResultStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	results  map[string]*queue.WorkResult
	waiters  map[string][]chan *queue.WorkResult
}

func NewResultStore(capacity int) *ResultStore {
	if capacity <= 0 {
		capacity = DefaultResultCapacity
	}
	return &ResultStore{
		capacity: capacity,
		results:  make(map[string]*queue.WorkResult),
		waiters:  make(map[string][]chan *queue.WorkResult),
	}
}

// Put records res and wakes anyone waiting on its id.
func (s *ResultStore) Put(res *queue.WorkResult) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("result has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[res.ID]; exists {
		return fmt.Errorf("%w: %s", ErrResultExists, res.ID)
	}
	s.results[res.ID] = res
	s.order = append(s.order, res.ID)
	for len(s.order) > s.capacity {
		delete(s.results, s.order[0])
		s.order[0] = ""
		s.order = s.order[1:]
	}

	for _, ch := range s.waiters[res.ID] {
		ch <- res
	}
	delete(s.waiters, res.ID)
	return nil
}

// Get returns the result for id, if it is still retained.
func (s *ResultStore) Get(id string) (*queue.WorkResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	return res, ok
}

// Wait blocks until a result for id is stored or ctx is done.
func (s *ResultStore) Wait(ctx context.Context, id string) (*queue.WorkResult, error) {
	s.mu.Lock()
	if res, ok := s.results[id]; ok {
		s.mu.Unlock()
		return res, nil
	}
	ch := make(chan *queue.WorkResult, 1)
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		s.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (s *ResultStore) removeWaiter(id string, ch chan *queue.WorkResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = list
	}
}

// Len is the number of retained results.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

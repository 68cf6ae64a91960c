package queue

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is an unbounded in-memory priority queue of WorkItems.
//
// Items dequeue by ascending Priority; items of equal priority dequeue in
// submission order. The order key is (Priority, Seq) where Seq is a counter
// stamped at Push, so the heap never has to be stable on its own.
type Queue struct {
	mu   sync.Mutex
	h    itemHeap
	ids  map[string]struct{}
	next uint64
}

func New() *Queue {
	return &Queue{ids: make(map[string]struct{})}
}

// Push stamps the item with a sequence number and creation time and queues it.
// An empty ID is replaced with a fresh UUID. Returns the item ID.
func (q *Queue) Push(item *WorkItem) (string, error) {
	if item == nil {
		return "", fmt.Errorf("work item is nil")
	}
	if item.Type == "" {
		return "", ErrEmptyType
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ids[item.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	q.next++
	item.Seq = q.next
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	q.ids[item.ID] = struct{}{}
	heap.Push(&q.h, item)
	return item.ID, nil
}

// Requeue puts back an item that was previously pushed, keeping its original
// sequence number so it does not lose its place among equal priorities.
func (q *Queue) Requeue(item *WorkItem) error {
	if item == nil || item.Seq == 0 {
		return fmt.Errorf("requeue requires a previously pushed item")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.ids[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	q.ids[item.ID] = struct{}{}
	heap.Push(&q.h, item)
	return nil
}

// Peek returns the next item without removing it, or nil when empty.
func (q *Queue) Peek() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the next item. Returns nil if the queue is empty.
func (q *Queue) Pop() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	item := heap.Pop(&q.h).(*WorkItem)
	delete(q.ids, item.ID)
	return item
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Contains reports whether an item with id is currently queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// Snapshot returns the queued items in dequeue order.
func (q *Queue) Snapshot() []*WorkItem {
	q.mu.Lock()
	out := make([]*WorkItem, len(q.h))
	copy(out, q.h)
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b *WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

type itemHeap []*WorkItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*WorkItem))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

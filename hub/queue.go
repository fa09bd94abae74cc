package hub

import (
	"container/heap"
	"sync"

	"github.com/Gthulhu/fleet/domain"
)

// pending is one enqueued message together with the channel its sender is
// waiting on.
type pending struct {
	msg  *domain.Message
	done chan domain.DeliveryResult
}

type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].msg.Priority == h[j].msg.Priority {
		// FIFO within the same priority.
		return h[i].msg.CreatedAt.Before(h[j].msg.CreatedAt)
	}
	return h[i].msg.Priority > h[j].msg.Priority
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*pending))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// dispatchQueue is a thread-safe priority queue ordering messages by
// priority (critical first), FIFO within a priority.
type dispatchQueue struct {
	mu   sync.Mutex
	heap pendingHeap
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{}
	heap.Init(&q.heap)
	return q
}

func (q *dispatchQueue) push(p *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, p)
}

func (q *dispatchQueue) pop() *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*pending)
}

func (q *dispatchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

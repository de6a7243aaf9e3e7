package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

type wakeItem struct {
	id    string
	at    time.Time
	index int
}

// wakeHeap is a min-heap of wake instants.
type wakeHeap []*wakeItem

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h wakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wakeHeap) Push(x any) {
	item := x.(*wakeItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *wakeHeap) Pop() any {
	old := *h
	last := len(old) - 1
	item := old[last]
	old[last] = nil
	item.index = -1
	*h = old[:last]
	return item
}

// wakeQueue holds at most one pending wake per instance. It is only a
// latency optimization: the persisted wake time stays authoritative.
type wakeQueue struct {
	mu     sync.Mutex
	heap   wakeHeap
	items  map[string]*wakeItem
	notify chan struct{}
}

func newWakeQueue() *wakeQueue {
	return &wakeQueue{
		items:  make(map[string]*wakeItem),
		notify: make(chan struct{}, 1),
	}
}

// push adds or moves the wake for id.
func (q *wakeQueue) push(id string, at time.Time) {
	q.mu.Lock()
	if item, ok := q.items[id]; ok {
		item.at = at
		heap.Fix(&q.heap, item.index)
	} else {
		item := &wakeItem{id: id, at: at}
		heap.Push(&q.heap, item)
		q.items[id] = item
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// popDue removes and returns every id due at or before now, earliest first.
func (q *wakeQueue) popDue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for q.heap.Len() > 0 && !q.heap[0].at.After(now) {
		item := heap.Pop(&q.heap).(*wakeItem)
		delete(q.items, item.id)
		ids = append(ids, item.id)
	}
	return ids
}

// next returns the earliest pending wake.
func (q *wakeQueue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

func (q *wakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

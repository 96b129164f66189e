package pirate

import (
	"container/list"
	"time"
)

// IdleWorker is a registry entry for a worker waiting for work
type IdleWorker struct {
	Address string
	Expiry  time.Time
}

// WorkerQueue keeps idle workers in least-recently-ready order with at
// most one entry per address. It is not safe for concurrent use; the
// broker loop owns it.
type WorkerQueue struct {
	order *list.List
	index map[string]*list.Element
}

// NewWorkerQueue creates an empty registry
func NewWorkerQueue() *WorkerQueue {
	return &WorkerQueue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Ready inserts or refreshes a worker and moves it to the back of the queue
func (q *WorkerQueue) Ready(w IdleWorker) {
	if el, ok := q.index[w.Address]; ok {
		q.order.Remove(el)
	}
	q.index[w.Address] = q.order.PushBack(w)
}

// Remove drops a worker, reporting whether it was present
func (q *WorkerQueue) Remove(address string) bool {
	el, ok := q.index[address]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, address)
	return true
}

// Next pops the least recently ready worker
func (q *WorkerQueue) Next() (IdleWorker, bool) {
	el := q.order.Front()
	if el == nil {
		return IdleWorker{}, false
	}
	w := q.order.Remove(el).(IdleWorker)
	delete(q.index, w.Address)
	return w, true
}

// Purge removes every worker whose expiry is before now and returns their addresses
func (q *WorkerQueue) Purge(now time.Time) []string {
	var expired []string
	for el := q.order.Front(); el != nil; {
		next := el.Next()
		w := el.Value.(IdleWorker)
		if w.Expiry.Before(now) {
			q.order.Remove(el)
			delete(q.index, w.Address)
			expired = append(expired, w.Address)
		}
		el = next
	}
	return expired
}

// Addresses lists idle workers from least to most recently ready
func (q *WorkerQueue) Addresses() []string {
	out := make([]string, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(IdleWorker).Address)
	}
	return out
}

// Len returns the number of idle workers
func (q *WorkerQueue) Len() int {
	return q.order.Len()
}

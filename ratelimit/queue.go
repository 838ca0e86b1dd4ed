package ratelimit

import (
	"container/list"
	"time"
)

type waiterOutcome int

const (
	outcomeGranted waiterOutcome = iota
	outcomeTimeout
)

type waiter struct {
	id         string
	label      string
	enqueuedAt time.Time
	readyAt    time.Time
	done       chan waiterOutcome
	resolved   bool
}

// waiterQueue keeps waiters in arrival order and supports removal by id
// without disturbing the order of the remaining entries. It is guarded
// by the owning group's mutex.
type waiterQueue struct {
	order *list.List
	index map[string]*list.Element
}

func newWaiterQueue() *waiterQueue {
	return &waiterQueue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (q *waiterQueue) push(w *waiter) int {
	q.index[w.id] = q.order.PushBack(w)
	return q.order.Len()
}

func (q *waiterQueue) head() *waiter {
	front := q.order.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*waiter) // nolint:forcetypeassert
}

func (q *waiterQueue) remove(id string) *waiter {
	elem, ok := q.index[id]
	if !ok {
		return nil
	}
	delete(q.index, id)
	q.order.Remove(elem)
	return elem.Value.(*waiter) // nolint:forcetypeassert
}

func (q *waiterQueue) len() int {
	return q.order.Len()
}

package worker

import (
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// queue is an unbounded multi-producer multi-consumer FIFO. Any number of callers push; the slots pop.
type queue[T any] struct {
	lock   sync.Mutex
	items  *doublylinkedlist.List
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		items:  doublylinkedlist.New(),
		notify: make(chan struct{}, 1),
	}
}

func (q *queue[T]) push(item T) {
	q.lock.Lock()
	q.items.Add(item)
	q.lock.Unlock()
	q.signal()
}

func (q *queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or stop is closed. Once stop is closed it returns false even if items remain.
func (q *queue[T]) pop(stop <-chan struct{}) (T, bool) {
	var zero T
	for {
		select {
		case <-stop:
			return zero, false
		default:
		}
		if item, ok := q.tryPop(); ok {
			return item, true
		}
		select {
		case <-q.notify:
		case <-stop:
			return zero, false
		}
	}
}

func (q *queue[T]) tryPop() (T, bool) {
	q.lock.Lock()
	v, ok := q.items.Get(0)
	if !ok {
		q.lock.Unlock()
		var zero T
		return zero, false
	}
	q.items.Remove(0)
	remaining := q.items.Size()
	q.lock.Unlock()
	if remaining > 0 {
		// pass the wake up on, another consumer may be waiting
		q.signal()
	}
	return v.(T), true
}

func (q *queue[T]) drain() []T {
	q.lock.Lock()
	defer q.lock.Unlock()
	items := make([]T, 0, q.items.Size())
	q.items.Each(func(_ int, v interface{}) {
		items = append(items, v.(T))
	})
	q.items.Clear()
	return items
}

func (q *queue[T]) size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.items.Size()
}

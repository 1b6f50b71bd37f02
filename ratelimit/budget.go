package ratelimit

import (
	"time"

	"github.com/cube-js/cube-sub010/errors"
	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

const (
	// msMul scales every budget unit so that rates below one unit per millisecond are exact in integer arithmetic.
	// A rate expressed in units per second is therefore the number of scaled units gained per millisecond.
	msMul = 1000

	// MaxPendingSize is the most waiters a Budget will queue.
	MaxPendingSize = 100_000
)

// PendingItem is a waiter queued on a Budget. Its channel is closed exactly once, when the item leaves the queue,
// either because it was granted or because its deadline passed. granted and cancelled must only be read while
// holding the lock that guards the Budget.
type PendingItem struct {
	ch        chan struct{}
	timeoutAt time.Time
	granted   bool
	cancelled bool
}

func (p *PendingItem) Done() <-chan struct{} {
	return p.ch
}

func (p *PendingItem) wake() {
	close(p.ch)
}

/*
Budget is a refillable, time decaying resource pool. value may be negative: real usage committed after a task ran
can exceed the deposit charged when it was admitted, and the debt is then repaid by refills before anything else is
admitted.

Budget does no locking and reads no clock; callers pass the current time and serialize access.
*/
type Budget struct {
	value      int64
	rate       int64
	burst      int64
	deposit    int64
	lastRefill time.Time
	pending    *doublylinkedlist.List
}

// NewBudget creates a full budget. rate is in units per second, burst and deposit in units.
func NewBudget(rate int64, burst int64, deposit int64, now time.Time) *Budget {
	return &Budget{
		value:      burst * msMul,
		rate:       rate,
		burst:      burst * msMul,
		deposit:    deposit * msMul,
		lastRefill: now,
		pending:    doublylinkedlist.New(),
	}
}

// Refill credits the budget for the whole milliseconds elapsed since the last refill and then releases as many
// pending waiters from the front of the queue as it can.
func (b *Budget) Refill(now time.Time) {
	elapsedMs := now.Sub(b.lastRefill).Milliseconds()
	if elapsedMs > 0 {
		b.value += elapsedMs * b.rate
		if b.value > b.burst {
			b.value = b.burst
		}
		// Only advance by what was credited, so sub-millisecond remainders accumulate across refills
		b.lastRefill = b.lastRefill.Add(time.Duration(elapsedMs) * time.Millisecond)
	}
	b.processPending(now)
}

func (b *Budget) processPending(now time.Time) {
	for !b.pending.Empty() {
		v, _ := b.pending.Get(0)
		item := v.(*PendingItem)
		if !now.Before(item.timeoutAt) {
			b.pending.Remove(0)
			item.wake()
			continue
		}
		if b.value >= b.deposit {
			b.value -= b.deposit
			item.granted = true
			b.pending.Remove(0)
			item.wake()
			continue
		}
		break
	}
}

/*
TryAllow attempts to admit one task.

It returns (nil, nil) if the task was admitted immediately and the deposit charged. If it can't be admitted now and
timeout is positive, the caller is queued and a PendingItem is returned to wait on. With no timeout it fails with
AdmissionDenied, and with a full queue it fails with AdmissionQueueFull.
*/
func (b *Budget) TryAllow(now time.Time, timeout time.Duration) (*PendingItem, error) {
	b.Refill(now)
	if b.pending.Empty() && b.value >= b.deposit {
		b.value -= b.deposit
		return nil, nil
	}
	if timeout <= 0 {
		return nil, errors.NewCubeErrorf(errors.AdmissionDenied,
			"rate limit exceeded: budget %.3f is below task deposit %.3f", b.Current(), float64(b.deposit)/msMul)
	}
	if b.pending.Size() >= MaxPendingSize {
		return nil, errors.NewCubeErrorf(errors.AdmissionQueueFull,
			"admission queue is full: %d tasks already waiting", b.pending.Size())
	}
	item := &PendingItem{
		ch:        make(chan struct{}),
		timeoutAt: now.Add(timeout),
	}
	b.pending.Add(item)
	return item, nil
}

// CommitTaskUsage trues up the budget once a task has finished. The deposit charged at admission counts as a
// pre-payment, so only the difference to actualSize is applied.
func (b *Budget) CommitTaskUsage(actualSize int64) {
	b.value -= actualSize*msMul - b.deposit
}

// Cancel removes item from the queue if it is still there. It returns whether the item had already been granted,
// in which case the waiter holds an admission even though it stopped waiting.
func (b *Budget) Cancel(item *PendingItem) bool {
	if item.granted {
		return true
	}
	if index := b.pending.IndexOf(item); index >= 0 {
		b.pending.Remove(index)
		item.wake()
	}
	return false
}

// CancelAll wakes every waiter without granting it.
func (b *Budget) CancelAll() {
	for _, v := range b.pending.Values() {
		item := v.(*PendingItem)
		item.cancelled = true
		item.wake()
	}
	b.pending.Clear()
}

// Current returns the budget in public units.
func (b *Budget) Current() float64 {
	return float64(b.value) / msMul
}

// CurrentInt returns the budget in whole public units, truncated towards zero.
func (b *Budget) CurrentInt() int64 {
	return b.value / msMul
}

func (b *Budget) PendingSize() int {
	return b.pending.Size()
}

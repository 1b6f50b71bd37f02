package ratelimit

import (
	"testing"
	"time"

	"github.com/cube-js/cube-sub010/errors"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int64) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func TestBudgetDebtWithoutRefill(t *testing.T) {
	b := NewBudget(0, 100, 10, epoch)

	item, err := b.TryAllow(at(0), 0)
	require.NoError(t, err)
	require.Nil(t, item)
	require.Equal(t, int64(90), b.CurrentInt())

	b.CommitTaskUsage(50)
	_, err = b.TryAllow(at(1), 0)
	require.NoError(t, err)
	require.Equal(t, int64(40), b.CurrentInt())

	b.CommitTaskUsage(45)
	require.Equal(t, int64(5), b.CurrentInt())

	_, err = b.TryAllow(at(2), 0)
	require.True(t, errors.IsCubeErrorWithCode(err, errors.AdmissionDenied))

	b.CommitTaskUsage(20)
	require.Equal(t, int64(-5), b.CurrentInt())
	require.Equal(t, -5.0, b.Current())

	_, err = b.TryAllow(at(3), 0)
	require.True(t, errors.IsCubeErrorWithCode(err, errors.AdmissionDenied))
}

func TestBudgetRefillClampsToBurst(t *testing.T) {
	b := NewBudget(10, 10, 0, epoch)
	b.CommitTaskUsage(3)
	require.Equal(t, 7.0, b.Current())

	b.Refill(at(200))
	require.Equal(t, 9.0, b.Current())

	b.Refill(at(10_000))
	require.Equal(t, 10.0, b.Current())
}

func TestBudgetRefillKeepsSubMillisecondRemainder(t *testing.T) {
	b := NewBudget(1000, 1000, 0, epoch)
	b.CommitTaskUsage(1000)
	require.Equal(t, 0.0, b.Current())
	// 20 refills 1.5ms apart must credit 30ms, not 20ms
	for i := 1; i <= 20; i++ {
		b.Refill(epoch.Add(time.Duration(i) * 1500 * time.Microsecond))
	}
	require.Equal(t, 30.0, b.Current())
}

func TestBudgetFractionalRate(t *testing.T) {
	// one unit per second is a thousandth of a unit per millisecond
	b := NewBudget(1, 5, 1, epoch)
	b.CommitTaskUsage(5)
	b.Refill(at(500))
	require.Equal(t, 1.5, b.Current())
	require.Equal(t, int64(1), b.CurrentInt())
}

func TestBudgetPendingFIFO(t *testing.T) {
	b := NewBudget(10, 10, 2, epoch)
	for i := 0; i < 5; i++ {
		item, err := b.TryAllow(at(0), time.Second)
		require.NoError(t, err)
		require.Nil(t, item)
	}
	require.Equal(t, 0.0, b.Current())

	var items []*PendingItem
	for i := 0; i < 3; i++ {
		item, err := b.TryAllow(at(0), time.Second)
		require.NoError(t, err)
		require.NotNil(t, item)
		items = append(items, item)
	}
	require.Equal(t, 3, b.PendingSize())

	// Budget is still below the deposit, nobody released
	b.Refill(at(199))
	requireNotWoken(t, items[0])
	require.Equal(t, 3, b.PendingSize())

	b.Refill(at(200))
	requireGranted(t, items[0])
	requireNotWoken(t, items[1])

	// A new arrival queues behind existing waiters even if budget is available
	b.Refill(at(399))
	late, err := b.TryAllow(at(399), time.Second)
	require.NoError(t, err)
	require.NotNil(t, late)

	b.Refill(at(400))
	requireGranted(t, items[1])
	b.Refill(at(600))
	requireGranted(t, items[2])
	requireNotWoken(t, late)
	b.Refill(at(800))
	requireGranted(t, late)
	require.Equal(t, 0, b.PendingSize())
}

func TestBudgetTimedOutItemsRemovedWithoutCharge(t *testing.T) {
	b := NewBudget(10, 10, 10, epoch)
	_, err := b.TryAllow(at(0), 0)
	require.NoError(t, err)

	short, err := b.TryAllow(at(0), 100*time.Millisecond)
	require.NoError(t, err)
	long, err := b.TryAllow(at(0), 5*time.Second)
	require.NoError(t, err)

	b.Refill(at(100))
	requireWokenNotGranted(t, short)
	requireNotWoken(t, long)
	require.Equal(t, 1.0, b.Current())

	b.Refill(at(1000))
	requireGranted(t, long)
	require.Equal(t, 0.0, b.Current())
}

func TestBudgetCancel(t *testing.T) {
	b := NewBudget(10, 10, 10, epoch)
	_, err := b.TryAllow(at(0), 0)
	require.NoError(t, err)

	first, err := b.TryAllow(at(0), time.Second)
	require.NoError(t, err)
	second, err := b.TryAllow(at(0), time.Second)
	require.NoError(t, err)

	// cancelling from the middle of the queue is allowed
	require.False(t, b.Cancel(second))
	requireWokenNotGranted(t, second)
	require.Equal(t, 1, b.PendingSize())

	b.Refill(at(1000))
	requireGranted(t, first)
	// already granted, cancel reports it
	require.True(t, b.Cancel(first))
}

func TestBudgetQueueFull(t *testing.T) {
	b := NewBudget(0, 1, 1, epoch)
	_, err := b.TryAllow(at(0), 0)
	require.NoError(t, err)
	for i := 0; i < MaxPendingSize; i++ {
		_, err := b.TryAllow(at(0), time.Hour)
		require.NoError(t, err)
	}
	_, err = b.TryAllow(at(0), time.Hour)
	require.True(t, errors.IsCubeErrorWithCode(err, errors.AdmissionQueueFull))

	b.CancelAll()
	require.Equal(t, 0, b.PendingSize())
}

func requireGranted(t *testing.T, item *PendingItem) {
	select {
	case <-item.Done():
	default:
		require.Fail(t, "item not woken")
	}
	require.True(t, item.granted)
}

func requireWokenNotGranted(t *testing.T, item *PendingItem) {
	select {
	case <-item.Done():
	default:
		require.Fail(t, "item not woken")
	}
	require.False(t, item.granted)
}

func requireNotWoken(t *testing.T, item *PendingItem) {
	select {
	case <-item.Done():
		require.Fail(t, "item woken")
	default:
	}
}

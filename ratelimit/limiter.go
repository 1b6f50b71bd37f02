package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	log "github.com/cube-js/cube-sub010/logger"
)

const refillInterval = 10 * time.Millisecond

type Config struct {
	Name    string
	Rate    int64 // units per second
	Burst   int64
	Deposit int64
}

/*
ProcessRateLimiter gates how much processing may be admitted at a time. A task calls WaitForAllow before it starts,
which charges a fixed deposit, and CommitTaskUsage when it finishes with what it actually used. Waiters are released
strictly in arrival order by a background refill loop started with Start.
*/
type ProcessRateLimiter struct {
	lock     sync.RWMutex
	name     string
	budget   *Budget
	timeNow  func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	started  bool
	logger   *log.CubeLogger
}

func NewProcessRateLimiter(cfg Config) *ProcessRateLimiter {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	l := &ProcessRateLimiter{
		name:    name,
		timeNow: time.Now,
		stopCh:  make(chan struct{}),
		logger:  log.GetLogger("rate-limiter").With("limiter", name),
	}
	l.budget = NewBudget(cfg.Rate, cfg.Burst, cfg.Deposit, l.timeNow())
	l.updateGauges()
	return l
}

// Start launches the refill loop. Without it, waiters only make progress when new admission attempts are made.
func (l *ProcessRateLimiter) Start() {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.started {
		return
	}
	l.started = true
	common.GoWithWaitGroup(&l.loopWG, l.waitProcessingLoop)
}

func (l *ProcessRateLimiter) waitProcessingLoop() {
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.lock.Lock()
			l.budget.Refill(l.timeNow())
			l.updateGauges()
			l.lock.Unlock()
		}
	}
}

// WaitForAllow admits a task, waiting up to timeout for budget to become available. A zero timeout means don't wait
// at all. It fails with AdmissionDenied, AdmissionQueueFull, Timeout, or Cancelled if ctx is done or the limiter is
// stopped.
func (l *ProcessRateLimiter) WaitForAllow(ctx context.Context, timeout time.Duration) error {
	select {
	case <-l.stopCh:
		return errors.NewCancelledError("rate limiter is stopped")
	default:
	}
	l.lock.Lock()
	item, err := l.budget.TryAllow(l.timeNow(), timeout)
	l.updateGauges()
	l.lock.Unlock()
	if err != nil {
		if errors.IsCubeErrorWithCode(err, errors.AdmissionQueueFull) {
			l.countAdmission(outcomeQueueFull)
		} else {
			l.countAdmission(outcomeDenied)
		}
		return err
	}
	if item == nil {
		l.countAdmission(outcomeAdmitted)
		return nil
	}
	l.countAdmission(outcomeQueued)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-item.Done():
		l.lock.RLock()
		granted, cancelled := item.granted, item.cancelled
		l.lock.RUnlock()
		if granted {
			l.countAdmission(outcomeAdmitted)
			return nil
		}
		if cancelled {
			l.countAdmission(outcomeCancelled)
			return errors.NewCancelledError("rate limiter stopped while waiting for admission")
		}
		l.countAdmission(outcomeTimedOut)
		return errors.NewTimeoutErrorf("timed out after %s waiting for admission", timeout)
	case <-timer.C:
		if l.cancel(item) {
			return nil
		}
		l.countAdmission(outcomeTimedOut)
		return errors.NewTimeoutErrorf("timed out after %s waiting for admission", timeout)
	case <-ctx.Done():
		if l.cancel(item) {
			return nil
		}
		l.countAdmission(outcomeCancelled)
		return errors.NewCancelledError("admission wait cancelled")
	case <-l.stopCh:
		if l.cancel(item) {
			return nil
		}
		l.countAdmission(outcomeCancelled)
		return errors.NewCancelledError("rate limiter stopped while waiting for admission")
	}
}

// cancel withdraws item, returning true if it had been granted before we got the lock.
func (l *ProcessRateLimiter) cancel(item *PendingItem) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	granted := l.budget.Cancel(item)
	l.updateGauges()
	if granted {
		l.countAdmission(outcomeAdmitted)
	}
	return granted
}

// CommitTaskUsage records what an admitted task actually used.
func (l *ProcessRateLimiter) CommitTaskUsage(size int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.budget.CommitTaskUsage(size)
	l.updateGauges()
}

// CurrentBudget returns the budget in whole units.
func (l *ProcessRateLimiter) CurrentBudget() int64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.budget.CurrentInt()
}

func (l *ProcessRateLimiter) CurrentBudgetF() float64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.budget.Current()
}

func (l *ProcessRateLimiter) PendingSize() int {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.budget.PendingSize()
}

// StopProcessingLoops stops the refill loop and fails every waiter with Cancelled. It can be called any number of
// times.
func (l *ProcessRateLimiter) StopProcessingLoops() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.loopWG.Wait()
		l.lock.Lock()
		defer l.lock.Unlock()
		if size := l.budget.PendingSize(); size > 0 {
			l.logger.Debugf("cancelling %d pending admissions", size)
		}
		l.budget.CancelAll()
		l.updateGauges()
	})
}

// must be called with lock held
func (l *ProcessRateLimiter) updateGauges() {
	budgetGauge.WithLabelValues(l.name).Set(l.budget.Current())
	pendingGauge.WithLabelValues(l.name).Set(float64(l.budget.PendingSize()))
}

func (l *ProcessRateLimiter) countAdmission(outcome string) {
	admissionCounter.WithLabelValues(l.name, outcome).Inc()
}

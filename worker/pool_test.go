package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	"github.com/cube-js/cube-sub010/testutils"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// inProcessSpawner runs each child as a goroutine serving an in-memory pipe.
type inProcessSpawner struct {
	attempts atomic.Int64
	spawns   atomic.Int64
	failures atomic.Int64
	// the first failFirst spawns fail, -1 fails all of them
	failFirst int64
	// receives a value whenever a child starts a sleep task
	started chan struct{}
}

func newInProcessSpawner(failFirst int64) *inProcessSpawner {
	return &inProcessSpawner{failFirst: failFirst, started: make(chan struct{}, 100)}
}

func (s *inProcessSpawner) Spawn(ctx context.Context) (*Child, error) {
	attempt := s.attempts.Inc()
	if s.failFirst < 0 || attempt <= s.failFirst {
		s.failures.Inc()
		return nil, errors.NewCubeError(errors.ProcessSpawnFailure, "spawn refused")
	}
	s.spawns.Inc()
	parentConn, childConn := ipc.Pipe()
	// the child outlives ctx, only kill ends it
	childCtx, cancel := context.WithCancel(context.Background())
	processor := func(ctx context.Context, t task) (taskResult, error) {
		if t.Op == "sleep" {
			s.started <- struct{}{}
		}
		return runInProcessTask(ctx, t)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ServeChild[task, taskResult](childCtx, childConn, taskCodec, resultCodec,
			MessageProcessorFunc[task, taskResult](processor))
		_ = childConn.Close()
	}()
	kill := func() error {
		cancel()
		_ = childConn.Close()
		<-done
		return nil
	}
	return NewChild(int(attempt), parentConn, nil, kill), nil
}

// runInProcessTask is runTask without the ops that would take the test process down.
func runInProcessTask(ctx context.Context, t task) (taskResult, error) {
	if t.Op == "crash" || t.Op == "exit" {
		return taskResult{}, errors.Errorf("op %s not supported in process", t.Op)
	}
	return runTask(ctx, t)
}

func newTestPool(t *testing.T, cfg PoolConfig, spawner Spawner) *Pool[task, taskResult] {
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RespawnInitialBackoff == 0 {
		cfg.RespawnInitialBackoff = 5 * time.Millisecond
		cfg.RespawnMaxBackoff = 20 * time.Millisecond
	}
	pool, err := NewPool[task, taskResult](cfg, spawner, taskCodec, resultCodec)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.StopWorkers())
	})
	return pool
}

func TestPoolInvalidConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  PoolConfig
		err  string
	}{
		{name: "no workers", cfg: PoolConfig{NumWorkers: 0, Timeout: time.Second},
			err: "invalid configuration: worker pool num-workers must be > 0 but is 0"},
		{name: "no timeout", cfg: PoolConfig{NumWorkers: 1},
			err: "invalid configuration: worker pool timeout must be > 0 but is 0s"},
		{name: "negative spawn attempts", cfg: PoolConfig{NumWorkers: 1, Timeout: time.Second, MaxSpawnAttempts: -1},
			err: "invalid configuration: worker pool max-spawn-attempts must be >= 0 but is -1"},
		{name: "backoff inverted", cfg: PoolConfig{NumWorkers: 1, Timeout: time.Second,
			RespawnInitialBackoff: time.Second, RespawnMaxBackoff: time.Millisecond},
			err: "invalid configuration: worker pool respawn-max-backoff must be >= respawn-initial-backoff"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPool[task, taskResult](tc.cfg, newInProcessSpawner(0), taskCodec, resultCodec)
			require.Error(t, err)
			require.True(t, errors.IsCubeErrorWithCode(err, errors.InvalidConfiguration))
			require.Equal(t, tc.err, err.Error())
		})
	}
}

func TestPoolAllRequestsSucceed(t *testing.T) {
	for _, numWorkers := range []int{1, 2, 4} {
		for numRequests := 1; numRequests <= numWorkers; numRequests++ {
			t.Run(fmt.Sprintf("workers-%d-requests-%d", numWorkers, numRequests), func(t *testing.T) {
				pool := newTestPool(t, PoolConfig{NumWorkers: numWorkers, Timeout: time.Second}, newInProcessSpawner(0))
				var wg sync.WaitGroup
				for i := 0; i < numRequests; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						res, err := pool.Process(context.Background(), task{Op: "sleep", Value: i, SleepMs: 50})
						require.NoError(t, err)
						require.Equal(t, i, res.Value)
					}(i)
				}
				wg.Wait()
			})
		}
	}
}

func TestPoolMoreRequestsThanWorkers(t *testing.T) {
	spawner := newInProcessSpawner(0)
	pool := newTestPool(t, PoolConfig{NumWorkers: 3}, spawner)
	numRequests := 30
	var wg sync.WaitGroup
	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := pool.Process(context.Background(), task{Op: "sleep", Value: i, SleepMs: 5})
			require.NoError(t, err)
			require.Equal(t, i, res.Value)
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(3), spawner.spawns.Load())
	require.Equal(t, 0, pool.QueueDepth())
}

func TestPoolSlotsRunOneRequestAtATime(t *testing.T) {
	pool := newTestPool(t, PoolConfig{NumWorkers: 2}, newInProcessSpawner(0))
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Process(context.Background(), task{Op: "sleep", SleepMs: 100})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	// four 100ms requests on two slots need two rounds
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestPoolTimeoutHealsSlot(t *testing.T) {
	spawner := newInProcessSpawner(0)
	pool := newTestPool(t, PoolConfig{NumWorkers: 1, Timeout: 100 * time.Millisecond}, spawner)

	_, err := pool.Process(context.Background(), task{Op: "sleep", SleepMs: 10000})
	require.Error(t, err)
	require.True(t, errors.IsCubeErrorWithCode(err, errors.Timeout))

	res, err := pool.Process(context.Background(), task{Op: "echo", Value: 23})
	require.NoError(t, err)
	require.Equal(t, 23, res.Value)
	require.Equal(t, int64(2), spawner.spawns.Load())
}

func TestPoolProcessingErrorKeepsChild(t *testing.T) {
	spawner := newInProcessSpawner(0)
	pool := newTestPool(t, PoolConfig{NumWorkers: 1}, spawner)

	_, err := pool.Process(context.Background(), task{Op: "fail", Value: 3})
	require.True(t, errors.IsCubeErrorWithCode(err, errors.ProcessingError))
	require.Equal(t, "task 3 failed", err.Error())

	_, err = pool.Process(context.Background(), task{Op: "unknown"})
	require.True(t, errors.IsCubeErrorWithCode(err, errors.InternalError))

	res, err := pool.Process(context.Background(), task{Op: "echo", Value: 4})
	require.NoError(t, err)
	require.Equal(t, 4, res.Value)
	require.Equal(t, int64(1), spawner.spawns.Load())
}

func TestPoolSpawnFailureFailsQueuedRequests(t *testing.T) {
	spawner := newInProcessSpawner(-1)
	pool := newTestPool(t, PoolConfig{NumWorkers: 1, MaxSpawnAttempts: 2}, spawner)

	_, err := pool.Process(context.Background(), task{Op: "echo"})
	require.Error(t, err)
	require.True(t, errors.IsCubeErrorWithCode(err, errors.ProcessSpawnFailure))
	require.Equal(t, 0, pool.HealthySlots())
	require.GreaterOrEqual(t, spawner.failures.Load(), int64(2))
}

func TestPoolRecoversFromSpawnFailures(t *testing.T) {
	spawner := newInProcessSpawner(3)
	pool := newTestPool(t, PoolConfig{NumWorkers: 1}, spawner)

	res, err := pool.Process(context.Background(), task{Op: "echo", Value: 8})
	require.NoError(t, err)
	require.Equal(t, 8, res.Value)
	require.Equal(t, int64(3), spawner.failures.Load())
	require.Equal(t, 1, pool.HealthySlots())
}

func TestPoolProcessContextCancelled(t *testing.T) {
	spawner := newInProcessSpawner(0)
	pool := newTestPool(t, PoolConfig{NumWorkers: 1}, spawner)

	busy := make(chan error, 1)
	go func() {
		_, err := pool.Process(context.Background(), task{Op: "sleep", SleepMs: 300})
		busy <- err
	}()
	<-spawner.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.Process(ctx, task{Op: "echo"})
	require.True(t, errors.IsCubeErrorWithCode(err, errors.Cancelled))
	require.NoError(t, <-busy)

	// the cancelled request is skipped by the slot
	res, err := pool.Process(context.Background(), task{Op: "echo", Value: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Value)
}

func TestPoolStopWorkers(t *testing.T) {
	spawner := newInProcessSpawner(0)
	pool, err := NewPool[task, taskResult](PoolConfig{Name: t.Name(), NumWorkers: 1, Timeout: time.Second},
		spawner, taskCodec, resultCodec)
	require.NoError(t, err)

	inflight := make(chan error, 1)
	go func() {
		_, err := pool.Process(context.Background(), task{Op: "sleep", SleepMs: 200})
		inflight <- err
	}()
	<-spawner.started

	numQueued := 3
	queued := make(chan error, numQueued)
	for i := 0; i < numQueued; i++ {
		go func() {
			_, err := pool.Process(context.Background(), task{Op: "echo"})
			queued <- err
		}()
	}
	testutils.WaitForValue(t, numQueued, pool.QueueDepth)

	require.NoError(t, pool.StopWorkers())
	// the request being processed finishes, the queued ones are cancelled
	require.NoError(t, <-inflight)
	for i := 0; i < numQueued; i++ {
		require.True(t, errors.IsCubeErrorWithCode(<-queued, errors.Cancelled))
	}
	require.Equal(t, 0, pool.HealthySlots())

	require.NoError(t, pool.StopWorkers())
	_, err = pool.Process(context.Background(), task{Op: "echo"})
	require.True(t, errors.IsCubeErrorWithCode(err, errors.Cancelled))
}

func TestPoolStopWorkersWhileSpawning(t *testing.T) {
	entered := make(chan struct{}, 1)
	spawner := SpawnerFunc(func(ctx context.Context) (*Child, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, errors.NewCubeErrorf(errors.ProcessSpawnFailure, "spawn interrupted: %v", ctx.Err())
	})
	pool, err := NewPool[task, taskResult](PoolConfig{Name: t.Name(), NumWorkers: 1, Timeout: time.Second},
		spawner, taskCodec, resultCodec)
	require.NoError(t, err)
	<-entered

	queued := make(chan error, 1)
	go func() {
		_, err := pool.Process(context.Background(), task{Op: "echo"})
		queued <- err
	}()
	testutils.WaitForValue(t, 1, pool.QueueDepth)

	stopped := make(chan error, 1)
	go func() {
		stopped <- pool.StopWorkers()
	}()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "StopWorkers did not return while a slot was spawning")
	}
	require.True(t, errors.IsCubeErrorWithCode(<-queued, errors.Cancelled))
	require.Equal(t, 0, pool.HealthySlots())
}

package server

import (
	"context"
	"sync"
	"time"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/conf"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	"github.com/cube-js/cube-sub010/lifecycle"
	log "github.com/cube-js/cube-sub010/logger"
	"github.com/cube-js/cube-sub010/metrics"
	"github.com/cube-js/cube-sub010/ratelimit"
	"github.com/cube-js/cube-sub010/transport"
	"github.com/cube-js/cube-sub010/worker"
	"golang.org/x/sync/errgroup"
)

const (
	ExecuteHandlerID = 1
	poolName         = "execute"
)

/*
Server is the execution daemon. Each request received on the socket transport is first admitted by the rate limiter,
then run by the worker pool, and finally the wall time it took is committed to the limiter as task usage in
milliseconds.
*/
type Server struct {
	lock          sync.Mutex
	conf          conf.Config
	spawner       worker.Spawner
	poolLock      sync.RWMutex
	pool          *worker.Pool[[]byte, []byte]
	limiter       *ratelimit.ProcessRateLimiter
	transport     *transport.SocketTransportServer
	metricsServer *metrics.Server
	lifecycle     *lifecycle.Endpoints
	ctx           context.Context
	cancel        context.CancelFunc
	inflight      sync.WaitGroup
	started       bool
	stopped       bool
	stopWaitGroup *sync.WaitGroup
}

func NewServer(config conf.Config) (*Server, error) {
	spawner := &worker.ExecSpawner{
		Path:      *config.WorkerPath,
		Processor: *config.WorkerProcessor,
	}
	return NewServerWithSpawner(config, spawner)
}

// NewServerWithSpawner creates a server whose workers are started by spawner. config must have had defaults applied.
func NewServerWithSpawner(config conf.Config, spawner worker.Spawner) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conf:      config,
		spawner:   spawner,
		transport: transport.NewSocketTransportServer(*config.ServerAddress),
		ctx:       ctx,
		cancel:    cancel,
	}
	if *config.RateLimitEnabled {
		s.limiter = ratelimit.NewProcessRateLimiter(ratelimit.Config{
			Name:    poolName,
			Rate:    int64(*config.RateLimitRate),
			Burst:   int64(*config.RateLimitBurst),
			Deposit: int64(*config.RateLimitDeposit),
		})
	}
	s.metricsServer = metrics.NewServer(*config.MetricsBind, !*config.MetricsEnabled)
	s.lifecycle = lifecycle.NewLifecycleEndpoints(config, s.hasHealthyWorkers)
	s.transport.RegisterHandler(ExecuteHandlerID, s.handleExecute)
	return s, nil
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return errors.New("server has been stopped")
	}
	pool, err := worker.NewPool[[]byte, []byte](worker.PoolConfig{
		Name:                  poolName,
		NumWorkers:            *s.conf.NumWorkers,
		Timeout:               *s.conf.WorkerTimeout,
		RespawnInitialBackoff: *s.conf.RespawnInitialBackoff,
		RespawnMaxBackoff:     *s.conf.RespawnMaxBackoff,
		MaxSpawnAttempts:      *s.conf.MaxSpawnAttempts,
	}, s.spawner, ipc.BytesCodec{}, ipc.BytesCodec{})
	if err != nil {
		return err
	}
	s.poolLock.Lock()
	s.pool = pool
	s.poolLock.Unlock()
	if s.limiter != nil {
		s.limiter.Start()
	}
	var g errgroup.Group
	g.Go(s.metricsServer.Start)
	g.Go(s.transport.Start)
	g.Go(s.lifecycle.Start)
	if err := g.Wait(); err != nil {
		if stopErr := s.stopComponents(); stopErr != nil {
			log.Warnf("failed to stop server after failed start: %v", stopErr)
		}
		return errors.WithStack(err)
	}
	s.lifecycle.SetActive(true)
	s.started = true
	log.Infof("execution server started on %s with %d workers", s.transport.Address(), *s.conf.NumWorkers)
	return nil
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	err := s.stopComponents()
	if s.stopWaitGroup != nil {
		// This lets main exit
		s.stopWaitGroup.Done()
	}
	log.Infof("execution server stopped")
	return err
}

// stopComponents stops everything that was started, in reverse order. Requests still running are answered with
// Cancelled.
func (s *Server) stopComponents() error {
	var firstErr error
	s.lifecycle.SetActive(false)
	if err := s.transport.Stop(); err != nil {
		firstErr = err
	}
	s.cancel()
	if s.limiter != nil {
		s.limiter.StopProcessingLoops()
	}
	if s.pool != nil {
		if err := s.pool.StopWorkers(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.inflight.Wait()
	if err := s.metricsServer.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lifecycle.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ready once at least one worker slot has a live child
func (s *Server) hasHealthyWorkers() bool {
	s.poolLock.RLock()
	defer s.poolLock.RUnlock()
	return s.pool != nil && s.pool.HealthySlots() > 0
}

func (s *Server) handleExecute(rc *transport.RequestContext, request []byte, respond transport.ResponseWriter) error {
	// the pool answers asynchronously and request is only valid until we return
	req := common.ByteSliceCopy(request)
	s.inflight.Add(1)
	common.Go(func() {
		defer s.inflight.Done()
		resp, err := s.Execute(s.ctx, req)
		if err := respond(resp, err); err != nil {
			log.Debugf("failed to answer execute request from %s: %v", rc.RemoteAddress, err)
		}
	})
	return nil
}

// Execute admits req and runs it on the worker pool.
func (s *Server) Execute(ctx context.Context, req []byte) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.WaitForAllow(ctx, *s.conf.AdmissionTimeout); err != nil {
			return nil, err
		}
	}
	s.poolLock.RLock()
	pool := s.pool
	s.poolLock.RUnlock()
	if pool == nil {
		return nil, errors.NewCubeError(errors.Cancelled, "execution server is not started")
	}
	start := time.Now()
	resp, err := pool.Process(ctx, req)
	if s.limiter != nil {
		s.limiter.CommitTaskUsage(time.Since(start).Milliseconds())
	}
	return resp, err
}

func (s *Server) Address() string {
	return s.transport.Address()
}

func (s *Server) MetricsAddress() string {
	return s.metricsServer.Address()
}

func (s *Server) LifecycleAddress() string {
	return s.lifecycle.Address()
}

func (s *Server) GetConfig() conf.Config {
	return s.conf
}

func (s *Server) SetStopWaitGroup(waitGroup *sync.WaitGroup) {
	s.stopWaitGroup = waitGroup
}

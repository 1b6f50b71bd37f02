package metrics

import (
	"net"
	"net/http"
	"sync"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	log "github.com/cube-js/cube-sub010/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	Labels        = prometheus.Labels
	Counter       = prometheus.Counter
	CounterVec    = prometheus.CounterVec
	CounterOpts   = prometheus.CounterOpts
	Gauge         = prometheus.Gauge
	GaugeVec      = prometheus.GaugeVec
	GaugeOpts     = prometheus.GaugeOpts
	HistogramOpts = prometheus.HistogramOpts
	HistogramVec  = prometheus.HistogramVec
	Observer      = prometheus.Observer
)

// Server exposes everything registered with the default prometheus registry on /metrics.
type Server struct {
	lock       sync.Mutex
	bind       string
	address    string
	httpServer *http.Server
	dummy      bool
	stopWG     sync.WaitGroup
}

type metricServer struct{}

func (ms *metricServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			DisableCompression: true,
		}),
	).ServeHTTP(w, r)
}

// NewServer creates a server listening on bind. A dummy server does nothing, it is used when metrics are disabled.
func NewServer(bind string, dummy bool) *Server {
	if dummy {
		return &Server{dummy: true}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", &metricServer{})
	return &Server{
		bind: bind,
		httpServer: &http.Server{
			Handler: mux,
		},
	}
}

func (s *Server) Start() error {
	if s.dummy {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	listener, err := common.Listen(s.bind)
	if err != nil {
		return errors.WithStack(err)
	}
	s.address = listener.Addr().String()
	common.GoWithWaitGroup(&s.stopWG, func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("prometheus http export server failed %v", err)
		}
	})
	log.Debugf("Started prometheus http server on address %s", s.address)
	return nil
}

// Address is the address the server listens on once started.
func (s *Server) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.address
}

func (s *Server) Stop() error {
	if s.dummy {
		return nil
	}
	err := s.httpServer.Close()
	s.stopWG.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

package conf

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
)

const (
	DefaultServerAddress         = "localhost:7960"
	DefaultNumWorkers            = 4
	DefaultWorkerTimeout         = 30 * time.Second
	DefaultWorkerProcessor       = "echo"
	DefaultRespawnInitialBackoff = 100 * time.Millisecond
	DefaultRespawnMaxBackoff     = 10 * time.Second
	DefaultMaxSpawnAttempts      = 5

	DefaultRateLimitEnabled = true
	DefaultRateLimitRate    = 1000
	DefaultRateLimitBurst   = 10000
	DefaultRateLimitDeposit = 100
	DefaultAdmissionTimeout = 10 * time.Second

	DefaultMetricsBind    = "localhost:9102"
	DefaultMetricsEnabled = false

	DefaultLifecycleAddress     = "localhost:8913"
	DefaultStartupEndpointPath  = "/started"
	DefaultReadyEndpointPath    = "/ready"
	DefaultLiveEndpointPath     = "/liveness"
	DefaultLifecycleEnabled     = false
)

type Config struct {
	ServerAddress *string `help:"Address the execution server listens on"`

	// Worker pool config
	NumWorkers            *int           `help:"Number of worker child processes"`
	WorkerTimeout         *time.Duration `help:"Maximum time a worker child may spend on one request before it is killed"`
	WorkerProcessor       *string        `help:"Name of the registered processor the worker children run"`
	WorkerPath            *string        `help:"Path of the worker binary. Defaults to this binary"`
	RespawnInitialBackoff *time.Duration
	RespawnMaxBackoff     *time.Duration
	MaxSpawnAttempts      *int `help:"Consecutive spawn failures after which queued requests are failed. 0 retries forever"`

	// Admission control config
	RateLimitEnabled *bool
	// Units per second. A unit is one millisecond of worker time
	RateLimitRate    *ParseableInt
	RateLimitBurst   *ParseableInt
	RateLimitDeposit *ParseableInt
	AdmissionTimeout *time.Duration `help:"How long a request may wait for admission. 0 fails straight away"`

	MetricsBind    *string `help:"Bind address for Prometheus metrics." env:"METRICS_BIND"`
	MetricsEnabled *bool

	// Lifecycle endpoints, for k8s probes
	LifecycleEndpointEnabled *bool
	LifecycleAddress         *string
	StartupEndpointPath      *string
	ReadyEndpointPath        *string
	LiveEndpointPath         *string

	Original *string
}

type ParseableInt int64

// UnmarshalText Kong uses default Json Unmrashalling which unmarshalls numbers as float64 which can result in loss of precision
// or failure to parse - this ensures large int fields are parsed correctly
// the field needs to be quoted as a string in the config
func (p *ParseableInt) UnmarshalText(text []byte) error {
	s := string(text)
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*p = ParseableInt(i)
	return nil
}

func parseableIntOf(i int64) *ParseableInt {
	p := ParseableInt(i)
	return &p
}

func (c *Config) ApplyDefaults() {
	if c.ServerAddress == nil {
		c.ServerAddress = common.AddressOf(DefaultServerAddress)
	}
	if c.NumWorkers == nil || *c.NumWorkers == 0 {
		c.NumWorkers = common.AddressOf(DefaultNumWorkers)
	}
	if c.WorkerTimeout == nil {
		c.WorkerTimeout = common.AddressOf(DefaultWorkerTimeout)
	}
	if c.WorkerProcessor == nil {
		c.WorkerProcessor = common.AddressOf(DefaultWorkerProcessor)
	}
	if c.WorkerPath == nil {
		c.WorkerPath = common.AddressOf("")
	}
	if c.RespawnInitialBackoff == nil {
		c.RespawnInitialBackoff = common.AddressOf(DefaultRespawnInitialBackoff)
	}
	if c.RespawnMaxBackoff == nil {
		c.RespawnMaxBackoff = common.AddressOf(DefaultRespawnMaxBackoff)
	}
	if c.MaxSpawnAttempts == nil {
		c.MaxSpawnAttempts = common.AddressOf(DefaultMaxSpawnAttempts)
	}
	if c.RateLimitEnabled == nil {
		c.RateLimitEnabled = common.AddressOf(DefaultRateLimitEnabled)
	}
	if c.RateLimitRate == nil {
		c.RateLimitRate = parseableIntOf(DefaultRateLimitRate)
	}
	if c.RateLimitBurst == nil {
		c.RateLimitBurst = parseableIntOf(DefaultRateLimitBurst)
	}
	if c.RateLimitDeposit == nil {
		c.RateLimitDeposit = parseableIntOf(DefaultRateLimitDeposit)
	}
	if c.AdmissionTimeout == nil {
		c.AdmissionTimeout = common.AddressOf(DefaultAdmissionTimeout)
	}
	if c.MetricsBind == nil {
		c.MetricsBind = common.AddressOf(DefaultMetricsBind)
	}
	if c.MetricsEnabled == nil {
		c.MetricsEnabled = common.AddressOf(DefaultMetricsEnabled)
	}
	if c.LifecycleEndpointEnabled == nil {
		c.LifecycleEndpointEnabled = common.AddressOf(DefaultLifecycleEnabled)
	}
	if c.LifecycleAddress == nil {
		c.LifecycleAddress = common.AddressOf(DefaultLifecycleAddress)
	}
	if c.StartupEndpointPath == nil {
		c.StartupEndpointPath = common.AddressOf(DefaultStartupEndpointPath)
	}
	if c.ReadyEndpointPath == nil {
		c.ReadyEndpointPath = common.AddressOf(DefaultReadyEndpointPath)
	}
	if c.LiveEndpointPath == nil {
		c.LiveEndpointPath = common.AddressOf(DefaultLiveEndpointPath)
	}
}

// Validate must be called after ApplyDefaults.
func (c *Config) Validate() error { //nolint:gocyclo
	if *c.ServerAddress == "" {
		return errors.NewInvalidConfigurationError("server-address must be specified")
	}
	if *c.NumWorkers < 1 {
		return errors.NewInvalidConfigurationError("num-workers must be > 0")
	}
	if *c.WorkerTimeout < 1*time.Millisecond {
		return errors.NewInvalidConfigurationError("worker-timeout must be >= 1ms")
	}
	if *c.WorkerProcessor == "" {
		return errors.NewInvalidConfigurationError("worker-processor must be specified")
	}
	if *c.RespawnInitialBackoff < 1*time.Millisecond {
		return errors.NewInvalidConfigurationError("respawn-initial-backoff must be >= 1ms")
	}
	if *c.RespawnMaxBackoff < *c.RespawnInitialBackoff {
		return errors.NewInvalidConfigurationError("respawn-max-backoff must be >= respawn-initial-backoff")
	}
	if *c.MaxSpawnAttempts < 0 {
		return errors.NewInvalidConfigurationError("max-spawn-attempts must be >= 0")
	}
	if *c.RateLimitEnabled {
		if *c.RateLimitRate < 0 {
			return errors.NewInvalidConfigurationError("rate-limit-rate must be >= 0")
		}
		if *c.RateLimitBurst < 1 {
			return errors.NewInvalidConfigurationError("rate-limit-burst must be > 0")
		}
		if *c.RateLimitDeposit < 0 {
			return errors.NewInvalidConfigurationError("rate-limit-deposit must be >= 0")
		}
		if *c.RateLimitDeposit > *c.RateLimitBurst {
			return errors.NewInvalidConfigurationError("rate-limit-deposit must be <= rate-limit-burst")
		}
		if *c.AdmissionTimeout < 0 {
			return errors.NewInvalidConfigurationError("admission-timeout must be >= 0")
		}
	}
	if *c.MetricsEnabled && *c.MetricsBind == "" {
		return errors.NewInvalidConfigurationError("metrics-bind must be specified if metrics-enabled is true")
	}
	if *c.LifecycleEndpointEnabled {
		if *c.LifecycleAddress == "" {
			return errors.NewInvalidConfigurationError("lifecycle-address must be specified if lifecycle-endpoint-enabled is true")
		}
		for _, path := range []*string{c.StartupEndpointPath, c.ReadyEndpointPath, c.LiveEndpointPath} {
			if !strings.HasPrefix(*path, "/") {
				return errors.NewInvalidConfigurationError(fmt.Sprintf("lifecycle endpoint path %q must start with /", *path))
			}
		}
	}
	return nil
}

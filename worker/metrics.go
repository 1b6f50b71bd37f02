package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK           = "ok"
	outcomeError        = "error"
	outcomeTimeout      = "timeout"
	outcomeDisconnected = "disconnected"
	outcomeCancelled    = "cancelled"
	outcomeSpawnFailure = "spawn_failure"
)

var (
	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cube_worker_pool_queue_depth",
		Help: "number of messages waiting for a worker slot",
	}, []string{"pool"})
	healthySlotsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cube_worker_pool_healthy_slots",
		Help: "number of worker slots with a running child process",
	}, []string{"pool"})
	messagesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cube_worker_pool_messages_total",
		Help: "messages completed by worker slots, by outcome",
	}, []string{"pool", "outcome"})
	spawnsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cube_worker_pool_spawns_total",
		Help: "child process spawn attempts, by outcome",
	}, []string{"pool", "outcome"})
	processDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cube_worker_pool_process_duration_seconds",
		Help:    "time from sending a message to a child until its response arrived",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"pool"})
)

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAdmitted  = "admitted"
	outcomeQueued    = "queued"
	outcomeDenied    = "denied"
	outcomeQueueFull = "queue_full"
	outcomeTimedOut  = "timed_out"
	outcomeCancelled = "cancelled"
)

var (
	budgetGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cube_rate_limiter_budget",
		Help: "Current processing budget of the rate limiter, negative when in debt",
	}, []string{"limiter"})
	pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cube_rate_limiter_pending",
		Help: "Number of tasks waiting for admission",
	}, []string{"limiter"})
	admissionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cube_rate_limiter_admissions_total",
		Help: "Admission attempts by outcome",
	}, []string{"limiter", "outcome"})
)

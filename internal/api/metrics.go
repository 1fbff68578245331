package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_api_requests_total",
		Help: "Total number of trigger API requests",
	}, []string{"route", "status"})

	latencyHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanward_api_latency_seconds",
		Help:    "Latency of trigger API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

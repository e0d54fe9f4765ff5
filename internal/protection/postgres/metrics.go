// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chestlock_postgres_cache_lookups_total",
		Help: "Total number of protection cache lookups by result",
	}, []string{"result"})

	// durableWrites counts background writes by operation and final status.
	durableWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chestlock_postgres_durable_writes_total",
		Help: "Total number of durable protection writes",
	}, []string{"op", "status"})

	writeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chestlock_postgres_write_duration_seconds",
		Help:    "Histogram of durable protection write latency in seconds, including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chestlock_postgres_write_queue_depth",
		Help: "Number of durable writes queued or in flight",
	})
)

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package filestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recordsSkipped counts sections dropped during Load.
	recordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chestlock_filestore_records_skipped_total",
		Help: "Total number of malformed protection records skipped while loading the document",
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chestlock_filestore_flush_duration_seconds",
		Help:    "Histogram of protection document flush latency in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

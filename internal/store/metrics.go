// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schemaVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chestlock_schema_version",
		Help: "Schema version recorded by the last migration run",
	})

	// stepOutcomes counts migration steps by outcome.
	stepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chestlock_migration_steps_total",
		Help: "Total number of schema migration steps by outcome",
	}, []string{"outcome"})
)

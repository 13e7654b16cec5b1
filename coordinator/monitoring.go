// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkstation_refresh_total",
		Help: "Count of poll cycles started.",
	},
		[]string{"device"})

	refreshErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkstation_refresh_errors_total",
		Help: "Count of poll cycles that failed.",
	},
		[]string{"device"})

	refreshCoalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkstation_refresh_coalesced_total",
		Help: "Count of refresh requests that joined a cycle already in flight.",
	},
		[]string{"device"})

	refreshDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkstation_refresh_duration_seconds",
		Help:    "Duration of poll cycles.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	},
		[]string{"device"})

	consecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_refresh_consecutive_failures",
		Help: "Number of poll cycles that failed since the last success.",
	},
		[]string{"device"})

	lastSuccessGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_refresh_last_success_timestamp_seconds",
		Help: "Start time of the last successful poll cycle.",
	},
		[]string{"device"})

	subscriptionsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_subscriptions",
		Help: "Number of registered snapshot subscriptions.",
	},
		[]string{"device"})

	watchersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_availability_watchers",
		Help: "Number of registered availability watchers.",
	},
		[]string{"device"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		refreshTotal,
		refreshErrors,
		refreshCoalesced,
		refreshDuration,
		consecutiveFailures,
		lastSuccessGauge,
		subscriptionsGauge,
		watchersGauge,
	)
}

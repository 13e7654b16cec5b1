// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package hamqtt

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkstation_mqtt_published_total",
		Help: "Count of MQTT messages published, by topic kind.",
	},
		[]string{"kind"})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkstation_mqtt_publish_errors_total",
		Help: "Count of MQTT publishes that failed, by topic kind.",
	},
		[]string{"kind"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		publishedTotal,
		publishErrors,
	)
}

// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package device

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	diskReadyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_disk_ready",
		Help: "1 if the disk reports a ready status, 0 otherwise.",
	},
		[]string{"device", "disk"})

	diskFreeSpaceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_disk_free_space",
		Help: "Free space reported by a ready disk, in the disk's unit.",
	},
		[]string{"device", "disk"})

	diskUsedPercentGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_disk_used_percent",
		Help: "Used percentage reported by a ready disk.",
	},
		[]string{"device", "disk"})

	diskCapacityGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkstation_disk_capacity",
		Help: "Capacity reported by a ready disk, in the disk's unit.",
	},
		[]string{"device", "disk"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		diskReadyGauge,
		diskFreeSpaceGauge,
		diskUsedPercentGauge,
		diskCapacityGauge,
	)
}

// Monitoring exports per-disk gauges for the snapshots of a single device.
//
// Monitoring is safe for concurrent use.
type Monitoring struct {
	// Device is the device label value.
	Device string

	mu sync.Mutex
	// disks is the set of disks that currently have exported series.
	disks map[string]struct{}
}

// Update updates disk metrics from s.
//
// Disks that have left the snapshot have their series deleted. A disk that is
// not ready keeps only its readiness series; its readings are deleted rather
// than reported as zero.
func (m *Monitoring) Update(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, s.Len())
	for _, name := range s.DiskNames() {
		d := s.Disk(name)
		labels := prometheus.Labels{"device": m.Device, "disk": name}
		seen[name] = struct{}{}

		if !d.Ready() {
			diskReadyGauge.With(labels).Set(0)
			m.deleteReadings(labels)
			continue
		}
		diskReadyGauge.With(labels).Set(1)

		setOrDelete(diskFreeSpaceGauge, labels, d.Metrics, func(dm *DiskMetrics) *float64 { return dm.FreeSpace })
		setOrDelete(diskUsedPercentGauge, labels, d.Metrics, func(dm *DiskMetrics) *float64 { return dm.UsedPercent })
		setOrDelete(diskCapacityGauge, labels, d.Metrics, func(dm *DiskMetrics) *float64 { return dm.Capacity })
	}

	for name := range m.disks {
		if _, ok := seen[name]; !ok {
			labels := prometheus.Labels{"device": m.Device, "disk": name}
			diskReadyGauge.Delete(labels)
			m.deleteReadings(labels)
		}
	}
	m.disks = seen
}

// Clear deletes every series exported by m.
func (m *Monitoring) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.disks {
		labels := prometheus.Labels{"device": m.Device, "disk": name}
		diskReadyGauge.Delete(labels)
		m.deleteReadings(labels)
	}
	m.disks = nil
}

func (m *Monitoring) deleteReadings(labels prometheus.Labels) {
	diskFreeSpaceGauge.Delete(labels)
	diskUsedPercentGauge.Delete(labels)
	diskCapacityGauge.Delete(labels)
}

func setOrDelete(g *prometheus.GaugeVec, labels prometheus.Labels, dm *DiskMetrics, get func(*DiskMetrics) *float64) {
	if dm != nil {
		if v := get(dm); v != nil {
			g.With(labels).Set(*v)
			return
		}
	}
	g.Delete(labels)
}

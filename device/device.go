// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package device defines the data model shared by the LinkStation monitor.
//
// A Snapshot is a point-in-time view of every disk on a single NAS device. It
// is produced atomically by one poll cycle and is never mutated after it has
// been published; holders of a *Snapshot may read it without locking.
//
// A Disk carries its status string and, only when the disk is ready (see
// IsReady), its Metrics. Metrics of a not-ready disk are absent rather than
// zero, so that consumers never mistake a degraded disk for an empty one.
//
// Optional Prometheus monitoring can be enabled by registering on startup
// (generally init()) via RegisterMonitoring.
package device

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// StatusNormal is the status prefix that a healthy LinkStation disk reports.
const StatusNormal = "normal"

// IsReady returns true if a disk reporting status is eligible to report its
// numeric metrics.
//
// A disk is ready if its status is empty or begins with "normal". Every other
// status is treated as degraded.
func IsReady(status string) bool {
	return status == "" || strings.HasPrefix(status, StatusNormal)
}

// Metric is the key of a displayable disk metric.
type Metric string

const (
	// MetricStatus is the disk status.
	MetricStatus Metric = "current_status"
	// MetricFreeSpace is the amount of free space on the disk.
	MetricFreeSpace Metric = "disk_free"
	// MetricUsedPercent is the percentage of the disk that is in use.
	MetricUsedPercent Metric = "disk_used_pct"
)

// Metrics is the registered set of metrics, in display order.
var Metrics = []Metric{MetricStatus, MetricFreeSpace, MetricUsedPercent}

var metricAliases = map[string]Metric{
	string(MetricStatus):      MetricStatus,
	string(MetricFreeSpace):   MetricFreeSpace,
	string(MetricUsedPercent): MetricUsedPercent,

	"status":       MetricStatus,
	"free_space":   MetricFreeSpace,
	"used_percent": MetricUsedPercent,
}

// ParseMetric parses v into a Metric. Both the canonical keys and their short
// aliases ("status", "free_space", "used_percent") are accepted.
func ParseMetric(v string) (Metric, error) {
	if m, ok := metricAliases[strings.TrimSpace(v)]; ok {
		return m, nil
	}
	return "", errors.Errorf("unknown metric %q", v)
}

// Numeric returns true if m is a numeric metric.
func (m Metric) Numeric() bool { return m == MetricFreeSpace || m == MetricUsedPercent }

// DiskMetrics holds the readings of a ready disk.
//
// Each field is nil if the device did not report it.
type DiskMetrics struct {
	FreeSpace   *float64
	UsedPercent *float64
	Capacity    *float64
	UsedAmount  *float64
	UnitName    *string
}

// Disk is the state of a single disk within a Snapshot.
type Disk struct {
	// Name is the disk's name. It is unique within a device.
	Name string
	// Status is the disk's raw status string.
	Status string
	// Metrics holds the disk's readings. It is nil unless the disk is ready.
	Metrics *DiskMetrics
}

// Ready returns true if the disk is ready.
func (d *Disk) Ready() bool { return IsReady(d.Status) }

// Value returns the numeric reading for m, if available.
func (d *Disk) Value(m Metric) (float64, bool) {
	if d == nil || d.Metrics == nil {
		return 0, false
	}

	var v *float64
	switch m {
	case MetricFreeSpace:
		v = d.Metrics.FreeSpace
	case MetricUsedPercent:
		v = d.Metrics.UsedPercent
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Snapshot is an immutable view of all disks on a device.
type Snapshot struct {
	// Sequence is the snapshot's sequence number. Each successive snapshot
	// published by a source has a larger Sequence.
	Sequence int64
	// Taken is the time when the poll cycle producing this snapshot began.
	Taken time.Time

	disks map[string]*Disk
	order []string
}

// NewSnapshot builds a Snapshot from disks. The enumeration order of disks is
// preserved. If a disk name appears more than once, the last entry wins.
func NewSnapshot(seq int64, taken time.Time, disks []*Disk) *Snapshot {
	s := Snapshot{
		Sequence: seq,
		Taken:    taken,
		disks:    make(map[string]*Disk, len(disks)),
		order:    make([]string, 0, len(disks)),
	}
	for _, d := range disks {
		if _, ok := s.disks[d.Name]; !ok {
			s.order = append(s.order, d.Name)
		}
		s.disks[d.Name] = d
	}
	return &s
}

// Disk returns the named disk, or nil if the snapshot has no such disk.
func (s *Snapshot) Disk(name string) *Disk {
	if s == nil {
		return nil
	}
	return s.disks[name]
}

// DiskNames returns the snapshot's disk names in enumeration order.
func (s *Snapshot) DiskNames() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Len returns the number of disks in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.disks)
}

// ReadyDisks returns the names of the ready disks, sorted.
func (s *Snapshot) ReadyDisks() []string {
	if s == nil {
		return nil
	}
	var names []string
	for name, d := range s.disks {
		if d.Ready() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

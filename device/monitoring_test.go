// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package device

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Monitoring", func() {
	var m *Monitoring
	BeforeEach(func() {
		m = &Monitoring{Device: "monitoring-test"}
	})
	AfterEach(func() { m.Clear() })

	labels := func(disk string) prometheus.Labels {
		return prometheus.Labels{"device": "monitoring-test", "disk": disk}
	}

	It("exports readings for ready disks", func() {
		m.Update(NewSnapshot(1, time.Now(), []*Disk{readyDisk("disk1", 10, 50)}))

		Expect(testutil.ToFloat64(diskReadyGauge.With(labels("disk1")))).To(Equal(1.0))
		Expect(testutil.ToFloat64(diskFreeSpaceGauge.With(labels("disk1")))).To(Equal(10.0))
		Expect(testutil.ToFloat64(diskUsedPercentGauge.With(labels("disk1")))).To(Equal(50.0))
		Expect(testutil.ToFloat64(diskCapacityGauge.With(labels("disk1")))).To(Equal(20.0))
	})

	It("deletes readings when a disk becomes not ready", func() {
		m.Update(NewSnapshot(1, time.Now(), []*Disk{readyDisk("disk1", 10, 50)}))
		m.Update(NewSnapshot(2, time.Now(), []*Disk{{Name: "disk1", Status: "error"}}))

		Expect(testutil.ToFloat64(diskReadyGauge.With(labels("disk1")))).To(Equal(0.0))
		Expect(diskFreeSpaceGauge.Delete(labels("disk1"))).To(BeFalse())
	})

	It("deletes series for disks that disappear", func() {
		m.Update(NewSnapshot(1, time.Now(), []*Disk{readyDisk("disk1", 10, 50)}))
		m.Update(NewSnapshot(2, time.Now(), nil))

		Expect(diskReadyGauge.Delete(labels("disk1"))).To(BeFalse())
		Expect(diskUsedPercentGauge.Delete(labels("disk1"))).To(BeFalse())
	})
})

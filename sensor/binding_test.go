// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sensor

import (
	"context"

	"github.com/iKaew/hass-linkstation-addon/coordinator"
	"github.com/iKaew/hass-linkstation-addon/device"
	"github.com/iKaew/hass-linkstation-addon/linkstation/linkstationtest"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

func float(v float64) *float64 { return &v }
func str(v string) *string     { return &v }

// gaugeValue returns the value of the named gauge for deviceName, or -1 if reg
// doesn't have it.
func gaugeValue(reg *prometheus.Registry, name, deviceName string) float64 {
	mfs, err := reg.Gather()
	Expect(err).ToNot(HaveOccurred())
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "device" && l.GetValue() == deviceName {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

func mustDescription(m device.Metric) Description {
	d, ok := DescriptionFor(m)
	Expect(ok).To(BeTrue())
	return d
}

var readyDisk = &device.Disk{
	Name:   "disk1",
	Status: "normal",
	Metrics: &device.DiskMetrics{
		FreeSpace:   float(10),
		UsedPercent: float(50),
		Capacity:    float(20),
		UsedAmount:  float(10),
		UnitName:    str("GB"),
	},
}

var _ = Describe("ComputeDisplay", func() {
	table.DescribeTable("computes display values",
		func(m device.Metric, d *device.Disk, expected Value, expectedOK bool) {
			v, ok := ComputeDisplay(mustDescription(m), d)
			Expect(ok).To(Equal(expectedOK))
			if expectedOK {
				Expect(v).To(Equal(expected))
			}
		},

		table.Entry("ready status", device.MetricStatus, readyDisk, TextValue("normal"), true),
		table.Entry("ready status with suffix", device.MetricStatus,
			&device.Disk{Name: "disk1", Status: "normal_rw", Metrics: &device.DiskMetrics{}}, TextValue("normal"), true),
		table.Entry("empty status", device.MetricStatus,
			&device.Disk{Name: "disk1", Metrics: &device.DiskMetrics{}}, TextValue("normal"), true),
		table.Entry("degraded status", device.MetricStatus,
			&device.Disk{Name: "disk1", Status: "error"}, TextValue("error"), true),
		table.Entry("missing disk status", device.MetricStatus, nil, Value{}, false),

		table.Entry("ready free space", device.MetricFreeSpace, readyDisk, NumberValue(10), true),
		table.Entry("ready used percent", device.MetricUsedPercent, readyDisk, NumberValue(50), true),
		table.Entry("degraded free space", device.MetricFreeSpace,
			&device.Disk{Name: "disk1", Status: "error"}, Value{}, false),
		table.Entry("degraded used percent", device.MetricUsedPercent,
			&device.Disk{Name: "disk1", Status: "degraded"}, Value{}, false),
		table.Entry("absent reading", device.MetricFreeSpace,
			&device.Disk{Name: "disk1", Status: "normal", Metrics: &device.DiskMetrics{}}, Value{}, false),
		table.Entry("missing disk reading", device.MetricUsedPercent, nil, Value{}, false),
	)
})

var _ = Describe("Value", func() {
	It("renders numbers without trailing zeroes", func() {
		Expect(NumberValue(10).String()).To(Equal("10"))
		Expect(NumberValue(12.5).String()).To(Equal("12.5"))
		Expect(TextValue("error").String()).To(Equal("error"))
	})

	It("encodes as a JSON number or string", func() {
		data, err := json.Marshal([]Value{NumberValue(50), TextValue("normal")})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal(`[50,"normal"]`))

		var vs []Value
		Expect(json.Unmarshal(data, &vs)).To(Succeed())
		Expect(vs).To(Equal([]Value{NumberValue(50), TextValue("normal")}))
	})
})

var _ = Describe("Binding", func() {
	var (
		fake  *linkstationtest.Fake
		coord *coordinator.Coordinator
		ctx   context.Context
	)
	BeforeEach(func() {
		fake = linkstationtest.New()
		coord = coordinator.New(fake, coordinator.Options{Name: "LS"})
		ctx = context.Background()
	})

	newBound := func(m device.Metric) *Binding {
		b := NewBinding("LS", "disk1", mustDescription(m))
		b.Bind(coord)
		return b
	}

	It("is named after its device, disk and description", func() {
		b := NewBinding("LinkStation", "disk1", mustDescription(device.MetricUsedPercent))
		Expect(b.Name()).To(Equal("LinkStation disk1 used (%)"))
		Expect(b.UniqueID()).To(Equal("linkstation_disk1_disk_used_pct"))

		st := b.State()
		Expect(st.Name).To(Equal("LinkStation disk1 used (%)"))
		Expect(st.Icon).To(Equal("mdi:gauge"))
		Expect(st.Unit).To(Equal("%"))
		Expect(st.StateClass).To(Equal(StateClassMeasurement))
		Expect(st.Available).To(BeFalse())
	})

	It("presents a ready disk", func() {
		fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
		free, pct, status := newBound(device.MetricFreeSpace), newBound(device.MetricUsedPercent), newBound(device.MetricStatus)

		_, err := coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(free.State().Value).To(Equal(NumberValue(10)))
		Expect(pct.State().Value).To(Equal(NumberValue(50)))
		Expect(status.State().Value).To(Equal(TextValue("normal")))
		for _, b := range []*Binding{free, pct, status} {
			st := b.State()
			Expect(st.Available).To(BeTrue())
			Expect(st.Attributes).To(Equal(map[string]interface{}{
				AttrDiskCapacity: 20.0,
				AttrDiskUsed:     10.0,
				AttrDiskUnitName: "GB",
			}))
		}
	})

	It("presents a degraded disk", func() {
		fake.SetDisk("disk1", &linkstationtest.Disk{Status: "error"})
		free, status := newBound(device.MetricFreeSpace), newBound(device.MetricStatus)

		_, err := coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(free.State().Available).To(BeFalse())
		Expect(status.State().Available).To(BeTrue())
		Expect(status.State().Value).To(Equal(TextValue("error")))
		Expect(status.State().Attributes).To(BeEmpty())
	})

	It("keeps stale attributes once a disk degrades", func() {
		fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
		b := newBound(device.MetricStatus)
		_, err := coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())

		fake.SetDisk("disk1", &linkstationtest.Disk{Status: "error"})
		_, err = coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())

		st := b.State()
		Expect(st.Value).To(Equal(TextValue("error")))
		Expect(st.Attributes).To(HaveKeyWithValue(AttrDiskCapacity, 20.0))
	})

	It("becomes unavailable when its disk disappears", func() {
		fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
		b := newBound(device.MetricStatus)
		_, err := coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())

		fake.RemoveDisk("disk1")
		_, err = coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.State().Available).To(BeFalse())
	})

	It("keeps its value across failed refreshes until the coordinator gives up", func() {
		fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
		b := newBound(device.MetricFreeSpace)

		var changes []State
		b.OnChange(func(st State) { changes = append(changes, st) })

		_, err := coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(changes).ToNot(BeEmpty())
		Expect(changes[len(changes)-1].Available).To(BeTrue())
		seen := len(changes)

		fake.FailOn("AllDisks", errors.New("unreachable"))
		for i := 0; i < coordinator.DefaultFailureThreshold-1; i++ {
			_, err = coord.Refresh(ctx)
			Expect(err).To(HaveOccurred())
			Expect(b.State().Available).To(BeTrue())
			Expect(b.State().Value).To(Equal(NumberValue(10)))
		}
		Expect(changes).To(HaveLen(seen))

		_, err = coord.Refresh(ctx)
		Expect(err).To(HaveOccurred())
		Expect(b.State().Available).To(BeFalse())
		Expect(b.State().Value).To(Equal(NumberValue(10)))
		Expect(changes).To(HaveLen(seen + 1))
		Expect(changes[seen].Available).To(BeFalse())
	})

	It("stops updating once closed", func() {
		fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
		b := newBound(device.MetricFreeSpace)
		count := 0
		b.OnChange(func(State) { count++ })

		b.Close()
		b.Close()

		_, err := coord.Refresh(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(BeZero())
		Expect(b.State().Available).To(BeFalse())
	})

	It("releases its coordinator registrations once closed", func() {
		reg := prometheus.NewRegistry()
		coordinator.RegisterMonitoring(reg)

		watched := coordinator.New(fake, coordinator.Options{Name: "LS-closing"})
		b := NewBinding("LS", "disk1", mustDescription(device.MetricFreeSpace))
		b.Bind(watched)
		Expect(gaugeValue(reg, "linkstation_subscriptions", "LS-closing")).To(Equal(1.0))
		Expect(gaugeValue(reg, "linkstation_availability_watchers", "LS-closing")).To(Equal(1.0))

		b.Close()
		Expect(gaugeValue(reg, "linkstation_subscriptions", "LS-closing")).To(Equal(0.0))
		Expect(gaugeValue(reg, "linkstation_availability_watchers", "LS-closing")).To(Equal(0.0))
	})

	Context("restoring", func() {
		var restorer mapRestorer
		BeforeEach(func() {
			restorer = mapRestorer{
				"ls_disk1_disk_free": {
					UniqueID:   "ls_disk1_disk_free",
					Metric:     device.MetricFreeSpace,
					Value:      NumberValue(7),
					Available:  true,
					Attributes: map[string]interface{}{AttrDiskUnitName: "GB"},
				},
			}
		})

		It("presents the persisted state until the first poll", func() {
			fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
			b := newBound(device.MetricFreeSpace)
			Expect(b.Restore(restorer)).To(BeTrue())

			st := b.State()
			Expect(st.Value).To(Equal(NumberValue(7)))
			Expect(st.Available).To(BeTrue())
			Expect(st.Attributes).To(HaveKeyWithValue(AttrDiskUnitName, "GB"))

			_, err := coord.Refresh(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(b.State().Value).To(Equal(NumberValue(10)))
		})

		It("ignores persisted state after a live update", func() {
			fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
			b := newBound(device.MetricFreeSpace)
			_, err := coord.Refresh(ctx)
			Expect(err).ToNot(HaveOccurred())

			Expect(b.Restore(restorer)).To(BeFalse())
			Expect(b.State().Value).To(Equal(NumberValue(10)))
		})

		It("ignores missing or mismatched states", func() {
			Expect(newBound(device.MetricUsedPercent).Restore(restorer)).To(BeFalse())
			Expect(newBound(device.MetricUsedPercent).Restore(nil)).To(BeFalse())
		})
	})
})

type mapRestorer map[string]State

func (r mapRestorer) Lookup(uniqueID string) (State, bool) {
	st, ok := r[uniqueID]
	return st, ok
}

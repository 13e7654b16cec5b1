// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sensor

import (
	"github.com/iKaew/hass-linkstation-addon/device"
)

// StateClassMeasurement marks a sensor whose value is a current measurement.
const StateClassMeasurement = "measurement"

// Description describes how one disk metric is presented.
type Description struct {
	// Key is the metric this description presents.
	Key device.Metric
	// Name is appended to the device and disk names to form the entity name.
	Name string
	// Unit is the unit of measurement, if any.
	Unit string
	// StateClass is the sensor's state class, if any.
	StateClass string
	// Icon is the entity icon.
	Icon string
}

// Descriptions is the set of supported sensor descriptions, in presentation
// order.
var Descriptions = []Description{
	{
		Key:  device.MetricStatus,
		Name: "status",
		Icon: "mdi:harddisk",
	},
	{
		Key:        device.MetricFreeSpace,
		Name:       "available",
		Unit:       "GB",
		StateClass: StateClassMeasurement,
		Icon:       "mdi:folder-outline",
	},
	{
		Key:        device.MetricUsedPercent,
		Name:       "used (%)",
		Unit:       "%",
		StateClass: StateClassMeasurement,
		Icon:       "mdi:gauge",
	},
}

// DescriptionFor returns the Description for m.
func DescriptionFor(m device.Metric) (Description, bool) {
	for _, d := range Descriptions {
		if d.Key == m {
			return d, true
		}
	}
	return Description{}, false
}

// Numeric returns true if the description presents a numeric reading.
func (d *Description) Numeric() bool { return d.Key.Numeric() }

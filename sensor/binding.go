// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package sensor binds coordinator snapshots to displayable sensor entities.
//
// A Binding represents one (device, disk, metric) sensor. It subscribes to a
// Coordinator and, after every successful poll, recomputes its display value
// and attributes from the disk's new state. Bindings never talk to the device
// themselves.
package sensor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/iKaew/hass-linkstation-addon/coordinator"
	"github.com/iKaew/hass-linkstation-addon/device"
)

// Attribute keys carried by every sensor of a ready disk.
const (
	AttrDiskCapacity = "disk_capacity"
	AttrDiskUsed     = "disk_used"
	AttrDiskUnitName = "disk_unit_name"
)

// ComputeDisplay computes the value that desc presents for d.
//
// A status sensor always has a value: "normal" if the disk is ready, the raw
// status otherwise. Numeric sensors pass the reading through unchanged for a
// ready disk and are unavailable otherwise. A nil disk is unavailable.
func ComputeDisplay(desc Description, d *device.Disk) (Value, bool) {
	if d == nil {
		return Value{}, false
	}

	if desc.Key == device.MetricStatus {
		if d.Ready() {
			return TextValue(device.StatusNormal), true
		}
		return TextValue(d.Status), true
	}

	if !d.Ready() {
		return Value{}, false
	}
	v, ok := d.Value(desc.Key)
	if !ok {
		return Value{}, false
	}
	return NumberValue(v), true
}

// UniqueID returns the unique ID of the sensor presenting metric for disk on
// the named device.
func UniqueID(deviceName, disk string, metric device.Metric) string {
	id := fmt.Sprintf("%s_%s_%s", deviceName, disk, metric)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r - 'A' + 'a'
		default:
			return '_'
		}
	}, id)
}

// State is a sensor's externally visible state.
type State struct {
	UniqueID   string                 `json:"unique_id"`
	Name       string                 `json:"name"`
	Device     string                 `json:"device"`
	Disk       string                 `json:"disk"`
	Metric     device.Metric          `json:"metric"`
	Value      Value                  `json:"value"`
	Available  bool                   `json:"available"`
	Icon       string                 `json:"icon,omitempty"`
	Unit       string                 `json:"unit,omitempty"`
	StateClass string                 `json:"state_class,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Binding is a single sensor entity fed by a Coordinator.
//
// Binding is safe for concurrent use.
type Binding struct {
	desc       Description
	deviceName string
	disk       string
	uniqueID   string

	mu sync.Mutex
	// value and available are the binding's own display state.
	value     Value
	available bool
	// attrs accumulates disk attributes. Entries are never removed, so a disk
	// that stops reporting keeps its last known values.
	attrs map[string]interface{}
	// live is true once a snapshot has been received.
	live bool
	// restored is true while the state comes from a Restorer and no live
	// update has been received.
	restored bool

	coord     *coordinator.Coordinator
	sub       *coordinator.Subscription
	watch     *coordinator.Watch
	closed    bool
	listeners []func(State)
}

// NewBinding returns a Binding presenting desc for the named device's disk.
// It is unavailable until it receives a snapshot or is restored.
func NewBinding(deviceName, disk string, desc Description) *Binding {
	return &Binding{
		desc:       desc,
		deviceName: deviceName,
		disk:       disk,
		uniqueID:   UniqueID(deviceName, disk, desc.Key),
		attrs:      make(map[string]interface{}),
	}
}

// UniqueID returns the binding's unique ID.
func (b *Binding) UniqueID() string { return b.uniqueID }

// Name returns the binding's entity name.
func (b *Binding) Name() string {
	return fmt.Sprintf("%s %s %s", b.deviceName, b.disk, b.desc.Name)
}

// Description returns the binding's Description.
func (b *Binding) Description() Description { return b.desc }

// Disk returns the name of the disk the binding presents.
func (b *Binding) Disk() string { return b.disk }

// Bind subscribes b to c. A binding may be bound once.
func (b *Binding) Bind(c *coordinator.Coordinator) {
	b.mu.Lock()
	if b.coord != nil || b.closed {
		b.mu.Unlock()
		return
	}
	b.coord = c
	b.mu.Unlock()

	sub := c.Subscribe(b.disk, b.desc.Key, b.OnSnapshotChanged)
	watch := c.WatchAvailability(func(bool) {
		b.mu.Lock()
		live := b.live
		b.mu.Unlock()

		// Until the first snapshot arrives, the binding is unavailable anyway.
		if live {
			b.notify()
		}
	})

	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.sub, b.watch = sub, watch
	}
	b.mu.Unlock()

	if closed {
		// Closed while subscribing.
		sub.Close()
		watch.Close()
	}
}

// Close unsubscribes b from its coordinator and stops watching its
// availability. After Close, b no longer changes or notifies its listeners.
func (b *Binding) Close() {
	b.mu.Lock()
	sub, watch := b.sub, b.watch
	b.sub, b.watch, b.closed = nil, nil, true
	b.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if watch != nil {
		watch.Close()
	}
}

// OnChange registers fn to receive b's State after every change.
func (b *Binding) OnChange(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// OnSnapshotChanged updates b from its disk's state in a new snapshot. d is
// nil if the disk is missing from the snapshot.
func (b *Binding) OnSnapshotChanged(d *device.Disk) {
	value, ok := ComputeDisplay(b.desc, d)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.value, b.available = value, ok
	b.live, b.restored = true, false
	if d != nil && d.Ready() && d.Metrics != nil {
		if m := d.Metrics; m.Capacity != nil {
			b.attrs[AttrDiskCapacity] = *m.Capacity
		}
		if m := d.Metrics; m.UsedAmount != nil {
			b.attrs[AttrDiskUsed] = *m.UsedAmount
		}
		if m := d.Metrics; m.UnitName != nil {
			b.attrs[AttrDiskUnitName] = *m.UnitName
		}
	}
	b.mu.Unlock()

	b.notify()
}

// State returns b's current State.
//
// The state is available only if both the binding and its coordinator are.
// A restored state keeps its own availability until the first live update.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Binding) stateLocked() State {
	available := b.available
	if !b.restored && b.coord != nil {
		available = available && b.coord.Available()
	}

	st := State{
		UniqueID:   b.uniqueID,
		Name:       b.Name(),
		Device:     b.deviceName,
		Disk:       b.disk,
		Metric:     b.desc.Key,
		Value:      b.value,
		Available:  available,
		Icon:       b.desc.Icon,
		Unit:       b.desc.Unit,
		StateClass: b.desc.StateClass,
	}
	if len(b.attrs) > 0 {
		st.Attributes = make(map[string]interface{}, len(b.attrs))
		for k, v := range b.attrs {
			st.Attributes[k] = v
		}
	}
	return st
}

func (b *Binding) notify() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	st := b.stateLocked()
	listeners := append(([]func(State))(nil), b.listeners...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

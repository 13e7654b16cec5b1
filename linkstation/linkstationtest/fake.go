// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package linkstationtest offers a scriptable in-memory linkstation.Client.
package linkstationtest

import (
	"context"
	"sync"

	"github.com/iKaew/hass-linkstation-addon/linkstation"

	"github.com/pkg/errors"
)

// Disk is the scripted state of a single disk. Nil readings are reported as
// linkstation.ErrValueUnavailable.
type Disk struct {
	Status      string
	Free        *float64
	UsedPercent *float64
	Capacity    *float64
	Used        *float64
	Unit        *string
}

// ReadyDisk returns a fully-populated disk with a "normal" status.
func ReadyDisk(free, usedPercent, capacity, used float64, unit string) *Disk {
	return &Disk{
		Status:      "normal",
		Free:        &free,
		UsedPercent: &usedPercent,
		Capacity:    &capacity,
		Used:        &used,
		Unit:        &unit,
	}
}

// Fake is a linkstation.Client whose device state and failures are scripted.
//
// Fake is safe for concurrent use. It records how many operations are in
// flight at once, so tests can assert the absence of concurrent use.
type Fake struct {
	mu sync.Mutex

	name  string
	order []string
	disks map[string]*Disk
	errs  map[string]error

	// gate, if not nil, is received from at the start of every AllDisks call.
	gate chan struct{}

	calls       map[string]int
	inFlight    int
	maxInFlight int
	connected   bool
}

var _ linkstation.Client = (*Fake)(nil)
var _ linkstation.Namer = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		disks: make(map[string]*Disk),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// Factory returns a linkstation.Factory that always yields f.
func (f *Fake) Factory() linkstation.Factory {
	return func(_, _, _ string) linkstation.Client { return f }
}

// SetName sets the name returned by DeviceName.
func (f *Fake) SetName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
}

// SetDisk adds or replaces a disk. New disks are enumerated after existing
// ones.
func (f *Fake) SetDisk(name string, d *Disk) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.disks[name]; !ok {
		f.order = append(f.order, name)
	}
	cp := *d
	f.disks[name] = &cp
}

// RemoveDisk removes a disk.
func (f *Fake) RemoveDisk(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.disks, name)
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// FailOn causes the named operation (e.g., "AllDisks", "DiskFree") to fail
// with err. A nil err clears the failure.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Gate installs a channel that every AllDisks call must receive from before
// proceeding. It is used to hold a poll cycle open.
func (f *Fake) Gate(c chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = c
}

// Calls returns the number of times op has been called.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// MaxInFlight returns the largest number of operations observed in flight at
// the same time.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Connected returns true if the client has been connected and not closed.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) enter(op string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	exit := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.inFlight--
	}
	if err := f.errs[op]; err != nil {
		return exit, err
	}
	return exit, nil
}

// Connect implements linkstation.Client.
func (f *Fake) Connect(c context.Context) error {
	exit, err := f.enter("Connect")
	defer exit()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

// DeviceName implements linkstation.Namer.
func (f *Fake) DeviceName(c context.Context) (string, error) {
	exit, err := f.enter("DeviceName")
	defer exit()
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.name == "" {
		return "", linkstation.ErrValueUnavailable
	}
	return f.name, nil
}

// AllDisks implements linkstation.Client.
func (f *Fake) AllDisks(c context.Context) ([]string, error) {
	exit, err := f.enter("AllDisks")
	defer exit()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.Done():
			return nil, c.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...), nil
}

// DiskStatus implements linkstation.Client.
func (f *Fake) DiskStatus(c context.Context, disk string) (status string, err error) {
	err = f.withDisk("DiskStatus", disk, func(d *Disk) error {
		status = d.Status
		return nil
	})
	return
}

// DiskFree implements linkstation.Client.
func (f *Fake) DiskFree(c context.Context, disk string) (float64, error) {
	return f.reading("DiskFree", disk, func(d *Disk) *float64 { return d.Free })
}

// DiskUsedPercent implements linkstation.Client.
func (f *Fake) DiskUsedPercent(c context.Context, disk string) (float64, error) {
	return f.reading("DiskUsedPercent", disk, func(d *Disk) *float64 { return d.UsedPercent })
}

// DiskCapacity implements linkstation.Client.
func (f *Fake) DiskCapacity(c context.Context, disk string) (float64, error) {
	return f.reading("DiskCapacity", disk, func(d *Disk) *float64 { return d.Capacity })
}

// DiskAmountUsed implements linkstation.Client.
func (f *Fake) DiskAmountUsed(c context.Context, disk string) (float64, error) {
	return f.reading("DiskAmountUsed", disk, func(d *Disk) *float64 { return d.Used })
}

// DiskUnitName implements linkstation.Client.
func (f *Fake) DiskUnitName(c context.Context, disk string) (unit string, err error) {
	err = f.withDisk("DiskUnitName", disk, func(d *Disk) error {
		if d.Unit == nil {
			return linkstation.ErrValueUnavailable
		}
		unit = *d.Unit
		return nil
	})
	return
}

// Close implements linkstation.Client.
func (f *Fake) Close() error {
	exit, err := f.enter("Close")
	defer exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return err
}

func (f *Fake) reading(op, disk string, get func(*Disk) *float64) (v float64, err error) {
	err = f.withDisk(op, disk, func(d *Disk) error {
		r := get(d)
		if r == nil {
			return linkstation.ErrValueUnavailable
		}
		v = *r
		return nil
	})
	return
}

func (f *Fake) withDisk(op, disk string, fn func(*Disk) error) error {
	exit, err := f.enter(op)
	defer exit()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.disks[disk]
	if d == nil {
		return errors.Wrapf(linkstation.ErrUnknownDisk, "%q", disk)
	}
	return fn(d)
}

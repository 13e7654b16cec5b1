// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package linkstation defines the client contract for a Buffalo LinkStation
// NAS and an HTTP implementation of it.
//
// Consumers depend on Client only. HTTPClient speaks to the NAS web UI
// endpoint; linkstationtest.Fake offers a scriptable in-memory Client.
package linkstation

import (
	"context"

	"github.com/pkg/errors"
)

// ErrValueUnavailable is returned by a disk reading getter when the device
// does not report that reading for the disk. It is not a connectivity error.
var ErrValueUnavailable = errors.New("value unavailable")

// ErrUnknownDisk is returned when a disk is not known to the device.
var ErrUnknownDisk = errors.New("unknown disk")

// Client is a connection to a single LinkStation device.
//
// Each method may fail with a connectivity error. A Client is not assumed to
// be safe for concurrent use.
type Client interface {
	// Connect authenticates with the device.
	Connect(c context.Context) error

	// AllDisks returns the names of the disks on the device.
	AllDisks(c context.Context) ([]string, error)

	// DiskStatus returns the disk's raw status string.
	DiskStatus(c context.Context, disk string) (string, error)
	// DiskFree returns the disk's free space, in its unit.
	DiskFree(c context.Context, disk string) (float64, error)
	// DiskUsedPercent returns the percentage of the disk in use.
	DiskUsedPercent(c context.Context, disk string) (float64, error)
	// DiskCapacity returns the disk's capacity, in its unit.
	DiskCapacity(c context.Context, disk string) (float64, error)
	// DiskAmountUsed returns the disk's used space, in its unit.
	DiskAmountUsed(c context.Context, disk string) (float64, error)
	// DiskUnitName returns the name of the unit readings are expressed in.
	DiskUnitName(c context.Context, disk string) (string, error)

	// Close releases the client's session. The client may be reconnected
	// afterwards.
	Close() error
}

// Namer is implemented by clients that can report the device's own name.
type Namer interface {
	DeviceName(c context.Context) (string, error)
}

// Factory constructs a Client for a device.
type Factory func(username, password, host string) Client

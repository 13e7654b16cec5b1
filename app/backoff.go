// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package app

import (
	"time"
)

// Setup retry delays.
const (
	MinRetryDelay = 30 * time.Second
	MaxRetryDelay = 5 * time.Minute
)

// backoff yields doubling delays between Min and Max.
type backoff struct {
	Min time.Duration
	Max time.Duration

	next time.Duration
}

// Next returns the next delay.
func (b *backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Min
	}
	d := b.next
	if b.next *= 2; b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset restarts the delay sequence.
func (b *backoff) Reset() { b.next = 0 }

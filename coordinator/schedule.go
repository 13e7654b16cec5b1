// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Start starts the automatic refresh loop. It will run until c is cancelled
// or Stop is called.
//
// The first automatic poll happens one interval after Start. While the
// coordinator is manual (or unconfigured), the loop idles until Configure
// installs an interval.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFunc != nil {
		return errors.New("already started")
	}

	ctx, cancelFunc := context.WithCancel(ctx)
	c.cancelFunc = cancelFunc
	c.finishedC = make(chan struct{})

	go func(finishedC chan struct{}) {
		defer close(finishedC)
		c.runSchedule(ctx)
	}(c.finishedC)
	return nil
}

// Stop stops the refresh loop, blocking until it has exited. Stop does
// nothing if the loop isn't running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancelFunc, finishedC := c.cancelFunc, c.finishedC
	c.cancelFunc, c.finishedC = nil, nil
	c.mu.Unlock()

	if cancelFunc == nil {
		return
	}
	cancelFunc()
	<-finishedC
}

// Release stops the refresh loop, aborts and waits for any cycle in flight,
// and withdraws the coordinator's per-disk metrics. Later Refresh calls fail
// with ErrReleased. The last snapshot remains available through Current.
func (c *Coordinator) Release() {
	c.Stop()

	c.cancelLifetime()
	c.cycleMu.Lock()
	c.cycleMu.Unlock()

	c.monitoring.Clear()
}

// signalScheduleLocked wakes the refresh loop so it re-reads the schedule.
func (c *Coordinator) signalScheduleLocked() {
	select {
	case c.scheduleC <- struct{}{}:
	default:
		// A wake-up is already pending.
	}
}

func (c *Coordinator) runSchedule(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	// arm (re)installs the timer for the current schedule. A manual schedule
	// leaves the timer disarmed.
	arm := func() {
		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		interval, manual := c.Schedule()
		if manual || interval <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
	}
	disarmed := func() bool {
		interval, manual := c.Schedule()
		return manual || interval <= 0
	}

	arm()
	for {
		var timerC <-chan time.Time
		if timer != nil && !disarmed() {
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return

		case <-c.scheduleC:
			// The schedule changed; start a fresh interval.
			arm()

		case <-timerC:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debugf("Scheduled refresh of %q failed; retrying in one interval.", c.opts.Name)
			}
			arm()
		}
	}
}

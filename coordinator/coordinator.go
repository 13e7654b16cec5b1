// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package coordinator implements a polling data coordinator for a single
// LinkStation device.
//
// A Coordinator polls its Client on a configurable cadence or on demand,
// normalizes the results into a device.Snapshot, and retains the last
// successful Snapshot. After every successful poll, each registered
// Subscription's callback is invoked with its disk's new state. A failed poll
// leaves the previous Snapshot in place and notifies no one.
//
// Concurrent Refresh calls are coalesced into a single poll cycle, so the
// Client never sees more than one cycle at a time. A cycle runs under the
// Coordinator's own lifetime, bounded by Options.CycleTimeout: a caller that
// gives up waiting does not abort the cycle for the others.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iKaew/hass-linkstation-addon/device"
	"github.com/iKaew/hass-linkstation-addon/linkstation"
	"github.com/iKaew/hass-linkstation-addon/support/logging"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// DefaultFailureThreshold is the number of consecutive failed poll cycles
// after which a Coordinator reports itself unavailable.
const DefaultFailureThreshold = 3

// DefaultCycleTimeout bounds the duration of a single poll cycle.
const DefaultCycleTimeout = 2 * time.Minute

// ErrReleased is returned by Refresh once the Coordinator has been released.
var ErrReleased = errors.New("coordinator released")

// RefreshError is returned when a poll cycle fails.
type RefreshError struct {
	// Device is the name of the coordinator that failed.
	Device string
	// Op is the client operation that failed.
	Op string
	// Disk is the disk being queried, if any.
	Disk string
	// Err is the underlying client error.
	Err error
}

func (e *RefreshError) Error() string {
	if e.Disk != "" {
		return fmt.Sprintf("refreshing %q: %s(%q): %s", e.Device, e.Op, e.Disk, e.Err)
	}
	return fmt.Sprintf("refreshing %q: %s: %s", e.Device, e.Op, e.Err)
}

// Cause returns the underlying error, for errors.Cause.
func (e *RefreshError) Cause() error { return e.Err }

// Unwrap returns the underlying error, for errors.Is and errors.As.
func (e *RefreshError) Unwrap() error { return e.Err }

// Callback is invoked with a subscribed disk's state after each successful
// poll. d is nil if the disk is absent from the new snapshot.
//
// Callbacks run synchronously on the refreshing goroutine and must not call
// Refresh.
type Callback func(d *device.Disk)

// Subscription is a registered interest in one disk metric.
type Subscription struct {
	c      *Coordinator
	id     uint64
	disk   string
	metric device.Metric
	cb     Callback
}

// Disk returns the subscribed disk's name.
func (s *Subscription) Disk() string { return s.disk }

// Metric returns the subscribed metric.
func (s *Subscription) Metric() device.Metric { return s.metric }

// Close unsubscribes s. It is equivalent to calling Unsubscribe.
func (s *Subscription) Close() { s.c.Unsubscribe(s) }

// Options configures a Coordinator.
type Options struct {
	// Name identifies the coordinator in logs and metrics.
	Name string
	// Logger, if not nil, is the logger to use.
	Logger logging.L
	// FailureThreshold is the number of consecutive failures after which the
	// coordinator is unavailable. If <= 0, DefaultFailureThreshold is used.
	FailureThreshold int
	// CycleTimeout bounds each poll cycle. If <= 0, DefaultCycleTimeout is
	// used.
	CycleTimeout time.Duration
	// NowFunc, if not nil, is used to get the current time.
	NowFunc func() time.Time
}

// Coordinator owns the current Snapshot of one device.
//
// Coordinator is safe for concurrent use.
type Coordinator struct {
	client linkstation.Client
	opts   Options
	logger logging.L

	// current holds the latest successful *device.Snapshot.
	current atomic.Value
	// seq is the last issued snapshot sequence number.
	seq int64

	// flight coalesces concurrent poll cycles.
	flight singleflight.Group
	// cycleMu is held for the duration of each poll cycle.
	cycleMu sync.Mutex

	// lifetime is cancelled by Release, aborting any cycle in flight.
	lifetime       context.Context
	cancelLifetime context.CancelFunc

	// monitoring exports the current snapshot's per-disk gauges.
	monitoring device.Monitoring

	// subsMu protects subs and nextSubID.
	subsMu    sync.Mutex
	subs      map[uint64]*Subscription
	nextSubID uint64

	// mu protects the remaining fields.
	mu          sync.Mutex
	interval    time.Duration
	manual      bool
	configured  bool
	failures    int
	lastErr     error
	lastSuccess time.Time
	available   bool
	watchers    map[uint64]*Watch
	nextWatchID uint64
	scheduleC   chan struct{}
	cancelFunc  context.CancelFunc
	finishedC   chan struct{}
}

// New returns a Coordinator polling client.
//
// The coordinator has no schedule until Configure is called, and does not
// poll automatically until Start is called.
func New(client linkstation.Client, opts Options) *Coordinator {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	lifetime, cancelLifetime := context.WithCancel(context.Background())
	return &Coordinator{
		client:         client,
		opts:           opts,
		logger:         logging.Must(opts.Logger),
		lifetime:       lifetime,
		cancelLifetime: cancelLifetime,
		monitoring:     device.Monitoring{Device: opts.Name},
		subs:           make(map[uint64]*Subscription),
		watchers:       make(map[uint64]*Watch),
		scheduleC:      make(chan struct{}, 1),
	}
}

// Name returns the coordinator's name.
func (c *Coordinator) Name() string { return c.opts.Name }

// Configure sets the refresh cadence.
//
// If manual is true, no automatic poll is ever scheduled and interval is
// ignored. Otherwise interval must be positive. Configuring the current
// values again has no effect.
func (c *Coordinator) Configure(interval time.Duration, manual bool) error {
	if !manual && interval <= 0 {
		return errors.Errorf("invalid refresh interval %s", interval)
	}
	if manual {
		interval = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.configured && c.interval == interval && c.manual == manual {
		return nil
	}
	c.interval, c.manual, c.configured = interval, manual, true

	if manual {
		c.logger.Infof("Coordinator %q refreshes manually.", c.opts.Name)
	} else {
		c.logger.Infof("Coordinator %q refreshes every %s.", c.opts.Name, interval)
	}
	c.signalScheduleLocked()
	return nil
}

// Schedule returns the configured interval and manual flag.
func (c *Coordinator) Schedule() (interval time.Duration, manual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval, c.manual
}

// Current returns the last successful Snapshot, or nil if no poll has
// succeeded yet.
func (c *Coordinator) Current() *device.Snapshot {
	s, _ := c.current.Load().(*device.Snapshot)
	return s
}

// Refresh performs a poll cycle and returns its Snapshot.
//
// If a cycle is already in flight, Refresh waits for and returns that cycle's
// result instead of starting another. On failure, a *RefreshError is returned
// and Current is unchanged.
//
// If ctx is done before the cycle finishes, Refresh returns ctx's error. The
// cycle itself carries on for any other caller.
func (c *Coordinator) Refresh(ctx context.Context) (*device.Snapshot, error) {
	resC := c.flight.DoChan("refresh", func() (interface{}, error) {
		return c.runCycle()
	})

	select {
	case res := <-resC:
		if res.Shared {
			refreshCoalesced.WithLabelValues(c.opts.Name).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*device.Snapshot), nil

	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for refresh of %q", c.opts.Name)
	}
}

// runCycle runs one poll cycle under the Coordinator's lifetime.
func (c *Coordinator) runCycle() (*device.Snapshot, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.lifetime.Err() != nil {
		return nil, errors.Wrapf(ErrReleased, "refreshing %q", c.opts.Name)
	}
	ctx, cancelFunc := context.WithTimeout(c.lifetime, c.opts.CycleTimeout)
	defer cancelFunc()
	return c.refreshOnce(ctx)
}

func (c *Coordinator) refreshOnce(ctx context.Context) (*device.Snapshot, error) {
	start := c.now()
	labels := []string{c.opts.Name}
	refreshTotal.WithLabelValues(labels...).Inc()

	snap, err := c.poll(ctx, start)
	refreshDuration.WithLabelValues(labels...).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		if c.lifetime.Err() != nil {
			// Aborted by Release; this says nothing about the device.
			return nil, err
		}
		refreshErrors.WithLabelValues(labels...).Inc()
		c.recordFailure(err)
		return nil, err
	}

	// Swap in the new snapshot before anyone is told about it.
	c.current.Store(snap)
	c.monitoring.Update(snap)
	c.recordSuccess(snap.Taken)
	c.publish(snap)
	return snap, nil
}

// poll runs one cycle against the client. Any client failure aborts the whole
// cycle.
func (c *Coordinator) poll(ctx context.Context, start time.Time) (*device.Snapshot, error) {
	fail := func(op, disk string, err error) error {
		return &RefreshError{Device: c.opts.Name, Op: op, Disk: disk, Err: err}
	}

	if err := c.client.Connect(ctx); err != nil {
		return nil, fail("Connect", "", err)
	}
	defer func() {
		if err := c.client.Close(); err != nil {
			c.logger.Warnf("Failed to close session for %q: %s", c.opts.Name, err)
		}
	}()

	names, err := c.client.AllDisks(ctx)
	if err != nil {
		return nil, fail("AllDisks", "", err)
	}

	disks := make([]*device.Disk, 0, len(names))
	for _, name := range names {
		status, err := c.client.DiskStatus(ctx, name)
		if err != nil {
			return nil, fail("DiskStatus", name, err)
		}

		d := device.Disk{
			Name:   name,
			Status: status,
		}
		if device.IsReady(status) {
			if d.Metrics, err = c.pollMetrics(ctx, name); err != nil {
				return nil, err
			}
		}
		disks = append(disks, &d)
	}

	seq := atomic.AddInt64(&c.seq, 1)
	return device.NewSnapshot(seq, start, disks), nil
}

func (c *Coordinator) pollMetrics(ctx context.Context, disk string) (*device.DiskMetrics, error) {
	var dm device.DiskMetrics

	readings := []struct {
		op  string
		get func(context.Context, string) (float64, error)
		dst **float64
	}{
		{"DiskFree", c.client.DiskFree, &dm.FreeSpace},
		{"DiskUsedPercent", c.client.DiskUsedPercent, &dm.UsedPercent},
		{"DiskCapacity", c.client.DiskCapacity, &dm.Capacity},
		{"DiskAmountUsed", c.client.DiskAmountUsed, &dm.UsedAmount},
	}
	for _, r := range readings {
		v, err := r.get(ctx, disk)
		switch {
		case err == nil:
			*r.dst = &v
		case errors.Cause(err) == linkstation.ErrValueUnavailable:
			// The device doesn't report this reading; leave it absent.
		default:
			return nil, &RefreshError{Device: c.opts.Name, Op: r.op, Disk: disk, Err: err}
		}
	}

	unit, err := c.client.DiskUnitName(ctx, disk)
	switch {
	case err == nil:
		dm.UnitName = &unit
	case errors.Cause(err) == linkstation.ErrValueUnavailable:
	default:
		return nil, &RefreshError{Device: c.opts.Name, Op: "DiskUnitName", Disk: disk, Err: err}
	}

	return &dm, nil
}

// Subscribe registers cb to be called with disk's state after every
// successful poll.
func (c *Coordinator) Subscribe(disk string, metric device.Metric, cb Callback) *Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextSubID++
	s := &Subscription{
		c:      c,
		id:     c.nextSubID,
		disk:   disk,
		metric: metric,
		cb:     cb,
	}
	c.subs[s.id] = s
	subscriptionsGauge.WithLabelValues(c.opts.Name).Set(float64(len(c.subs)))
	return s
}

// Unsubscribe removes s. Removing a Subscription that is no longer registered
// does nothing.
func (c *Coordinator) Unsubscribe(s *Subscription) {
	if s == nil || s.c != c {
		return
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if _, ok := c.subs[s.id]; ok {
		delete(c.subs, s.id)
		subscriptionsGauge.WithLabelValues(c.opts.Name).Set(float64(len(c.subs)))
	}
}

// publish notifies all current subscriptions of snap, in subscription order.
//
// The subscription list is copied so that callbacks may unsubscribe.
func (c *Coordinator) publish(snap *device.Snapshot) {
	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		s.cb(snap.Disk(s.disk))
	}
}

// Available returns false before the first successful poll, and after
// FailureThreshold consecutive failures.
func (c *Coordinator) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// ConsecutiveFailures returns the number of poll cycles that have failed
// since the last success.
func (c *Coordinator) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// LastError returns the error of the most recent cycle, or nil if it
// succeeded.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastSuccess returns the start time of the last successful cycle.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// Watch is a registered availability watcher.
type Watch struct {
	c  *Coordinator
	id uint64
	fn func(available bool)
}

// Close unregisters w. Closing w again does nothing.
func (w *Watch) Close() {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	delete(w.c.watchers, w.id)
	watchersGauge.WithLabelValues(w.c.opts.Name).Set(float64(len(w.c.watchers)))
}

// WatchAvailability registers fn to be called whenever Available changes,
// until the returned Watch is closed.
func (c *Coordinator) WatchAvailability(fn func(available bool)) *Watch {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextWatchID++
	w := &Watch{c: c, id: c.nextWatchID, fn: fn}
	c.watchers[w.id] = w
	watchersGauge.WithLabelValues(c.opts.Name).Set(float64(len(c.watchers)))
	return w
}

func (c *Coordinator) recordSuccess(taken time.Time) {
	c.mu.Lock()
	if c.failures > 0 {
		c.logger.Infof("Coordinator %q recovered after %d failed refresh(es).", c.opts.Name, c.failures)
	}
	c.failures, c.lastErr, c.lastSuccess = 0, nil, taken
	watchers := c.setAvailableLocked(true)
	c.mu.Unlock()

	consecutiveFailures.WithLabelValues(c.opts.Name).Set(0)
	lastSuccessGauge.WithLabelValues(c.opts.Name).Set(float64(taken.Unix()))
	notifyWatchers(watchers, true)
}

func (c *Coordinator) recordFailure(err error) {
	c.mu.Lock()
	c.failures++
	c.lastErr = err
	failures := c.failures
	var watchers []*Watch
	if failures >= c.opts.FailureThreshold {
		watchers = c.setAvailableLocked(false)
	}
	c.mu.Unlock()

	c.logger.Errorf("Refresh of %q failed (%d consecutive): %s", c.opts.Name, failures, err)
	consecutiveFailures.WithLabelValues(c.opts.Name).Set(float64(failures))
	notifyWatchers(watchers, false)
}

// setAvailableLocked updates availability, returning the watchers to notify
// if it changed.
func (c *Coordinator) setAvailableLocked(v bool) []*Watch {
	if c.available == v {
		return nil
	}
	c.available = v

	watchers := make([]*Watch, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	sort.Slice(watchers, func(i, j int) bool { return watchers[i].id < watchers[j].id })
	return watchers
}

func notifyWatchers(watchers []*Watch, v bool) {
	for _, w := range watchers {
		w.fn(v)
	}
}

func (c *Coordinator) now() time.Time {
	if c.opts.NowFunc != nil {
		return c.opts.NowFunc()
	}
	return time.Now()
}

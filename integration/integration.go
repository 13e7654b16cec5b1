// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package integration sets up and tears down the monitoring of one configured
// LinkStation device.
//
// Setup builds a device client and a Coordinator, creates one sensor Binding
// per disk and monitored metric, and registers the entry's manual refresh
// service. Automatic polling is deferred until the host reports that it has
// started, so that setup never competes with the rest of startup for the
// network.
package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/iKaew/hass-linkstation-addon/config"
	"github.com/iKaew/hass-linkstation-addon/coordinator"
	"github.com/iKaew/hass-linkstation-addon/device"
	"github.com/iKaew/hass-linkstation-addon/linkstation"
	"github.com/iKaew/hass-linkstation-addon/sensor"
	"github.com/iKaew/hass-linkstation-addon/support/logging"

	"github.com/pkg/errors"
)

// Domain is the service domain of LinkStation integrations.
const Domain = "linkstation"

// RefreshService is the name of the manual refresh service.
const RefreshService = "refresh_linkstation"

// NotReadyError is returned by Setup when the device could not be reached or
// enumerated. The host should retry setup later.
type NotReadyError struct {
	// Entry is the name of the entry being set up.
	Entry string
	// Err is the underlying error.
	Err error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("entry %q is not ready: %s", e.Entry, e.Err)
}

// Cause returns the underlying error, for errors.Cause.
func (e *NotReadyError) Cause() error { return e.Err }

// Unwrap returns the underlying error, for errors.Is and errors.As.
func (e *NotReadyError) Unwrap() error { return e.Err }

// IsNotReady returns true if err is, or wraps, a *NotReadyError.
func IsNotReady(err error) bool {
	var nre *NotReadyError
	return errors.As(err, &nre)
}

// StateSink receives sensor states to persist.
type StateSink interface {
	Update(st sensor.State)
	Save() error
}

// Options configures Setup.
type Options struct {
	// Factory builds the device client. It must not be nil.
	Factory linkstation.Factory
	// Logger, if not nil, is the logger to use.
	Logger logging.L
	// Services, if not nil, receives the entry's refresh service.
	Services *Services

	// HostStarted is closed when the host has finished starting. If nil, the
	// host is considered started.
	HostStarted <-chan struct{}

	// Restorer, if not nil, provides persisted sensor states.
	Restorer sensor.Restorer
	// Sink, if not nil, receives every sensor state change and is saved on
	// Unload.
	Sink StateSink
	// OnChange, if not nil, is called with every sensor state change.
	OnChange func(sensor.State)

	// FailureThreshold is passed to the Coordinator.
	FailureThreshold int
}

// ServiceDomain returns the service domain of the named entry.
func ServiceDomain(entry string) string { return Domain + "." + entry }

// Integration is a running, set-up entry.
type Integration struct {
	entry      config.Entry
	deviceName string
	opts       Options
	logger     logging.L

	client   linkstation.Client
	coord    *coordinator.Coordinator
	bindings []*sensor.Binding

	// cancelFunc cancels the deferred start and the schedule loop.
	cancelFunc context.CancelFunc
	// startedC is closed once the deferred start has finished.
	startedC chan struct{}

	mu       sync.Mutex
	options  config.Options
	unloaded bool
	doneC    chan struct{}
}

// Setup sets up entry.
//
// If the device cannot be reached, a *NotReadyError is returned and nothing
// is left registered.
func Setup(c context.Context, entry config.Entry, opts Options) (*Integration, error) {
	if opts.Factory == nil {
		return nil, errors.New("a client factory is required")
	}
	if err := entry.Validate(); err != nil {
		// An entry without a host can never come up; report it as not ready,
		// matching a device that can't be reached.
		if entry.Host == "" {
			return nil, &NotReadyError{Entry: entry.Name, Err: err}
		}
		return nil, errors.Wrapf(err, "invalid entry %q", entry.Name)
	}
	metrics, err := entry.Metrics()
	if err != nil {
		return nil, err
	}

	logger := logging.With(logging.Must(opts.Logger), "entry", entry.Name)
	client := opts.Factory(entry.Username, entry.Password, entry.Host)

	// Release the client unless setup completes.
	succeeded := false
	defer func() {
		if !succeeded {
			_ = client.Close()
		}
	}()

	disks := entry.Disks
	if len(disks) == 0 {
		logger.Debugf("No disks configured; enumerating disks from the device.")
		if disks, err = client.AllDisks(c); err != nil {
			logger.Errorf("Connection to LinkStation failed: %s", err)
			return nil, &NotReadyError{Entry: entry.Name, Err: err}
		}
	}

	deviceName := entry.Name
	if namer, ok := client.(linkstation.Namer); ok && entry.IsDefaultName() {
		logger.Debugf("No name configured; reading the name from the device.")
		if deviceName, err = namer.DeviceName(c); err != nil {
			logger.Errorf("Connection to LinkStation failed: %s", err)
			return nil, &NotReadyError{Entry: entry.Name, Err: err}
		}
	}

	coord := coordinator.New(client, coordinator.Options{
		Name:             entry.Name,
		Logger:           logger,
		FailureThreshold: opts.FailureThreshold,
	})

	i := Integration{
		entry:      entry,
		deviceName: deviceName,
		opts:       opts,
		logger:     logger,
		client:     client,
		coord:      coord,
		options:    entry.Options(),
		startedC:   make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	i.createBindings(disks, metrics)

	if opts.Services != nil {
		opts.Services.Register(ServiceDomain(entry.Name), RefreshService, i.RefreshService)
	}

	// The deferred start is bound to the Integration's lifetime, not to c.
	startCtx, cancelFunc := context.WithCancel(context.Background())
	i.cancelFunc = cancelFunc
	go func() {
		defer close(i.startedC)
		i.deferredStart(startCtx)
	}()

	logger.Infof("Set up %q with %d sensor(s) on %d disk(s).", deviceName, len(i.bindings), len(disks))
	succeeded = true
	return &i, nil
}

// createBindings creates and binds one sensor per disk and metric.
func (i *Integration) createBindings(disks []string, metrics []device.Metric) {
	for _, disk := range disks {
		for _, m := range metrics {
			desc, ok := sensor.DescriptionFor(m)
			if !ok {
				continue
			}

			b := sensor.NewBinding(i.deviceName, disk, desc)
			if i.opts.Restorer != nil && b.Restore(i.opts.Restorer) {
				i.logger.Debugf("Restored state of %q.", b.UniqueID())
			}
			if sink := i.opts.Sink; sink != nil {
				b.OnChange(sink.Update)
			}
			if fn := i.opts.OnChange; fn != nil {
				b.OnChange(fn)
			}
			b.Bind(i.coord)
			i.bindings = append(i.bindings, b)
		}
	}
}

// deferredStart waits for the host to start, then applies the schedule and
// starts polling. A manual entry only ever polls through its service.
func (i *Integration) deferredStart(c context.Context) {
	if hs := i.opts.HostStarted; hs != nil {
		select {
		case <-hs:
		case <-c.Done():
			return
		}
	}

	// The schedule is applied under i.mu so a concurrent UpdateOptions can't be
	// overwritten with stale options.
	i.mu.Lock()
	opts := i.options
	err := i.coord.Configure(opts.ScanInterval, opts.Manual)
	i.mu.Unlock()
	if err != nil {
		i.logger.Errorf("Invalid schedule: %s", err)
		return
	}
	if !opts.Manual {
		if _, err := i.coord.Refresh(c); err != nil {
			i.logger.Warnf("Initial refresh failed: %s", err)
		}
	}
	if err := i.coord.Start(c); err != nil {
		i.logger.Errorf("Could not start schedule: %s", err)
	}
}

// Name returns the integration's entry name.
func (i *Integration) Name() string { return i.entry.Name }

// DeviceName returns the name the integration's sensors are presented under.
func (i *Integration) DeviceName() string { return i.deviceName }

// Entry returns the integration's entry.
func (i *Integration) Entry() config.Entry { return i.entry }

// Coordinator returns the integration's Coordinator.
func (i *Integration) Coordinator() *coordinator.Coordinator { return i.coord }

// Bindings returns the integration's sensor bindings.
func (i *Integration) Bindings() []*sensor.Binding {
	return append([]*sensor.Binding(nil), i.bindings...)
}

// States returns the current state of every sensor.
func (i *Integration) States() []sensor.State {
	states := make([]sensor.State, len(i.bindings))
	for idx, b := range i.bindings {
		states[idx] = b.State()
	}
	return states
}

// Options returns the integration's current runtime options.
func (i *Integration) Options() config.Options {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.options
}

// RefreshService is the handler of the entry's refresh service. It requests a
// refresh and waits for it.
func (i *Integration) RefreshService(c context.Context) error {
	if i.isDone() {
		return errors.Errorf("entry %q is unloaded", i.entry.Name)
	}
	_, err := i.coord.Refresh(c)
	return err
}

// UpdateOptions applies new runtime options and requests a refresh.
//
// The refresh result is returned; the new options are applied regardless.
func (i *Integration) UpdateOptions(c context.Context, opts config.Options) error {
	i.mu.Lock()
	if err := i.coord.Configure(opts.ScanInterval, opts.Manual); err != nil {
		i.mu.Unlock()
		return err
	}
	i.options = opts
	i.mu.Unlock()

	i.logger.Infof("Options updated (interval %s, manual %v).", opts.ScanInterval, opts.Manual)
	_, err := i.coord.Refresh(c)
	return err
}

// Unload stops the integration: it removes the refresh service, stops
// polling, closes every binding, persists sensor states, and releases the
// client. Unload is idempotent.
func (i *Integration) Unload() error {
	i.mu.Lock()
	if i.unloaded {
		i.mu.Unlock()
		<-i.doneC
		return nil
	}
	i.unloaded = true
	i.mu.Unlock()
	defer close(i.doneC)

	if s := i.opts.Services; s != nil {
		s.Remove(ServiceDomain(i.entry.Name), RefreshService)
	}

	i.cancelFunc()
	<-i.startedC
	i.coord.Release()

	for _, b := range i.bindings {
		b.Close()
	}

	var err error
	if sink := i.opts.Sink; sink != nil {
		for _, b := range i.bindings {
			sink.Update(b.State())
		}
		if err = sink.Save(); err != nil {
			i.logger.Errorf("Failed to save sensor states: %s", err)
		}
	}

	if cerr := i.client.Close(); cerr != nil {
		i.logger.Warnf("Failed to close client: %s", cerr)
	}
	i.logger.Infof("Unloaded %q.", i.deviceName)
	return err
}

// DoneC returns a channel that is closed once the integration is unloaded.
func (i *Integration) DoneC() <-chan struct{} { return i.doneC }

func (i *Integration) isDone() bool {
	select {
	case <-i.doneC:
		return true
	default:
		return false
	}
}

// VerifyConnection checks that entry's device accepts its credentials, by
// connecting and closing a session.
func VerifyConnection(c context.Context, factory linkstation.Factory, entry config.Entry) error {
	client := factory(entry.Username, entry.Password, entry.Host)
	if err := client.Connect(c); err != nil {
		_ = client.Close()
		return errors.Wrap(err, "cannot connect")
	}
	return client.Close()
}

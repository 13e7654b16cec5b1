// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package app is the LinkStation monitor host process.
//
// The host loads the configuration file, sets up one integration per
// configured entry (retrying entries whose device is not ready), publishes
// every sensor to Home Assistant over MQTT, and serves Prometheus metrics,
// sensor states and manual refreshes over HTTP. Sensor states are persisted
// so they can be restored on the next start.
package app

import (
	"context"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/iKaew/hass-linkstation-addon/config"
	"github.com/iKaew/hass-linkstation-addon/hamqtt"
	"github.com/iKaew/hass-linkstation-addon/integration"
	"github.com/iKaew/hass-linkstation-addon/linkstation"
	"github.com/iKaew/hass-linkstation-addon/sensor"
	"github.com/iKaew/hass-linkstation-addon/state"
	"github.com/iKaew/hass-linkstation-addon/support/logging"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// DefaultSaveInterval is the time between periodic state saves.
const DefaultSaveInterval = 5 * time.Minute

// App is the host process.
type App struct {
	// ConfigPath is the path of the configuration file. It is read by Run if
	// Config is nil, and by Reload.
	ConfigPath string
	// Config, if not nil, is used instead of reading ConfigPath on Run.
	Config *config.Config
	// Listen, if not empty, overrides the configured HTTP listen address.
	Listen string

	// Logger is the logger to use. If nil, a default logrus logger is used.
	Logger *logrus.Logger
	// Gatherer is the metrics source served on /metrics. If nil, the default
	// Prometheus gatherer is used.
	Gatherer prometheus.Gatherer

	// FactoryFor, if not nil, returns the client factory for an entry.
	// Otherwise, an HTTP client is used.
	FactoryFor func(e config.Entry) linkstation.Factory
	// Broker, if not nil, is used instead of dialing the configured broker.
	Broker hamqtt.Broker

	// RetryMin and RetryMax bound the delay between setup attempts of an
	// entry that is not ready. If zero, MinRetryDelay and MaxRetryDelay are
	// used.
	RetryMin time.Duration
	RetryMax time.Duration
	// SaveInterval is the time between periodic state saves. If zero,
	// DefaultSaveInterval is used.
	SaveInterval time.Duration

	registry integration.Registry
	services integration.Services

	mu          sync.Mutex
	runners     map[string]*runner
	store       *state.Store
	publisher   *hamqtt.Publisher
	hostStarted chan struct{}
}

// runner sets up and owns the integration of a single entry.
type runner struct {
	name       string
	cancelFunc context.CancelFunc
	// firstC is closed once the first setup attempt has finished.
	firstC chan struct{}
	// doneC is closed once the runner has exited.
	doneC chan struct{}

	// mu protects entry, which Apply updates while the runner retries.
	mu    sync.Mutex
	entry config.Entry
}

// Entry returns the runner's current entry.
func (r *runner) Entry() config.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry
}

func (r *runner) setEntry(e config.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry = e
}

func (a *App) logger() *logrus.Logger {
	if a.Logger == nil {
		a.Logger = logrus.StandardLogger()
	}
	return a.Logger
}

func (a *App) component(name string) logging.L {
	return a.logger().WithField("component", name)
}

// Run runs the host until c is cancelled.
func (a *App) Run(c context.Context) error {
	log := a.component("app")

	cfg := a.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(a.ConfigPath); err != nil {
			return err
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	a.runners = make(map[string]*runner)
	a.hostStarted = make(chan struct{})
	a.mu.Unlock()

	if cfg.State.Path != "" {
		store, err := state.Open(cfg.State.Path, a.component("state"))
		if err != nil {
			// A damaged state file shouldn't keep the monitor down.
			log.Warnf("Discarding unreadable sensor states: %s", err)
			store = &state.Store{Path: cfg.State.Path, Logger: a.component("state")}
		}
		a.mu.Lock()
		a.store = store
		a.mu.Unlock()
	}

	closeBroker, err := a.startMQTT(&cfg.MQTT)
	if err != nil {
		return err
	}
	defer closeBroker()

	// Set up every entry. The host has started once each has made its first
	// attempt.
	a.mu.Lock()
	var first []*runner
	for _, e := range cfg.LinkStation {
		first = append(first, a.startRunnerLocked(c, e))
	}
	a.mu.Unlock()
	for _, r := range first {
		select {
		case <-r.firstC:
		case <-c.Done():
		}
	}
	close(a.hostStarted)
	log.Infof("Started with %d entr(ies).", len(first))

	stopHTTP := a.startHTTP(cfg)
	defer stopHTTP()

	saveInterval := a.SaveInterval
	if saveInterval <= 0 {
		saveInterval = DefaultSaveInterval
	}
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			a.shutdown()
			return nil

		case <-ticker.C:
			a.saveStates()
		}
	}
}

// shutdown stops every runner, unloading its integration, and saves sensor
// states.
func (a *App) shutdown() {
	a.mu.Lock()
	runners := a.runners
	a.runners = nil
	a.mu.Unlock()

	for _, r := range runners {
		r.cancelFunc()
	}
	for _, r := range runners {
		<-r.doneC
	}
	a.saveStates()
}

func (a *App) saveStates() {
	a.mu.Lock()
	store := a.store
	a.mu.Unlock()

	if store == nil {
		return
	}
	if err := store.Save(); err != nil {
		a.component("state").Errorf("Failed to save sensor states: %s", err)
	}
}

func (a *App) startMQTT(cfg *config.MQTT) (func(), error) {
	broker := a.Broker
	closeBroker := func() {}

	if broker == nil {
		if !cfg.Enabled() {
			return closeBroker, nil
		}

		pb, err := hamqtt.Dial(cfg, a.component("mqtt"), func() {
			a.mu.Lock()
			pub := a.publisher
			a.mu.Unlock()

			if pub != nil {
				if err := pub.Republish(); err != nil {
					a.component("mqtt").Warnf("Failed to republish sensors: %s", err)
				}
			}
		})
		if err != nil {
			return nil, err
		}
		broker = pb
		closeBroker = func() { pb.Close(cfg.TopicPrefix) }
	}

	a.mu.Lock()
	a.publisher = hamqtt.NewPublisher(broker, cfg, a.component("mqtt"))
	a.mu.Unlock()
	return closeBroker, nil
}

func (a *App) startHTTP(cfg *config.Config) func() {
	listen := cfg.HTTP.Listen
	if a.Listen != "" {
		listen = a.Listen
	}
	if listen == "-" {
		return func() {}
	}

	log := a.component("http")
	srv := http.Server{
		Addr:    listen,
		Handler: a.Handler(),
	}
	go func() {
		log.Infof("Serving HTTP on %q.", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server failed: %s", err)
		}
	}()

	return func() {
		c, cancelFunc := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFunc()
		if err := srv.Shutdown(c); err != nil {
			log.Warnf("HTTP server shutdown: %s", err)
		}
	}
}

// startRunnerLocked starts a runner for e. a.mu must be held.
func (a *App) startRunnerLocked(c context.Context, e config.Entry) *runner {
	c, cancelFunc := context.WithCancel(c)
	r := runner{
		name:       e.Name,
		entry:      e,
		cancelFunc: cancelFunc,
		firstC:     make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	a.runners[e.Name] = &r

	go func() {
		defer close(r.doneC)
		a.runEntry(c, &r)
	}()
	return &r
}

// runEntry sets up r's entry, retrying while the device is not ready, and
// holds the integration until c is cancelled.
func (a *App) runEntry(c context.Context, r *runner) {
	log := logging.With(a.component("app"), "entry", r.name)

	var firstOnce sync.Once
	signalFirst := func() { firstOnce.Do(func() { close(r.firstC) }) }
	defer signalFirst()

	b := backoff{Min: a.RetryMin, Max: a.RetryMax}
	if b.Min <= 0 {
		b.Min = MinRetryDelay
	}
	if b.Max <= 0 {
		b.Max = MaxRetryDelay
	}

	for {
		e := r.Entry()
		i, err := integration.Setup(c, e, a.integrationOptions(e))
		switch {
		case err == nil:
			a.hold(c, r, i, signalFirst)
			return

		case !integration.IsNotReady(err):
			log.Errorf("Setup failed permanently: %s", err)
			return
		}

		signalFirst()
		delay := b.Next()
		log.Warnf("Device is not ready; retrying in %s: %s", delay, err)
		select {
		case <-c.Done():
			return
		case <-time.After(delay):
		}
	}
}

// hold registers and publishes i, then unloads it once c is cancelled. ready
// is called once i is published.
func (a *App) hold(c context.Context, r *runner, i *integration.Integration, ready func()) {
	log := logging.With(a.component("app"), "entry", i.Name())

	if err := a.registry.Add(i); err != nil {
		log.Errorf("Could not register integration: %s", err)
		_ = i.Unload()
		return
	}

	// Options may have been reloaded while i was being set up.
	e := r.Entry()
	if opts := e.Options(); opts != i.Options() {
		if err := i.UpdateOptions(c, opts); err != nil {
			log.Warnf("Failed to apply reloaded options: %s", err)
		}
	}

	a.mu.Lock()
	pub := a.publisher
	a.mu.Unlock()

	if pub != nil {
		if err := pub.Add(i); err != nil {
			log.Warnf("Failed to publish sensors: %s", err)
		}
	}
	ready()

	<-c.Done()

	if pub != nil {
		if err := pub.Remove(i); err != nil {
			log.Warnf("Failed to withdraw sensors: %s", err)
		}
	}
	if err := i.Unload(); err != nil {
		log.Warnf("Unload: %s", err)
	}
}

func (a *App) integrationOptions(e config.Entry) integration.Options {
	a.mu.Lock()
	defer a.mu.Unlock()

	opts := integration.Options{
		Factory:     a.factoryFor(e),
		Logger:      a.component("integration"),
		Services:    &a.services,
		HostStarted: a.hostStarted,
	}
	if a.store != nil {
		opts.Restorer = a.store
		opts.Sink = a.store
	}
	return opts
}

func (a *App) factoryFor(e config.Entry) linkstation.Factory {
	if a.FactoryFor != nil {
		return a.FactoryFor(e)
	}
	logger := a.component("linkstation")
	return func(username, password, host string) linkstation.Client {
		return &linkstation.HTTPClient{
			Host:     host,
			Username: username,
			Password: password,
			Protocol: e.Protocol,
			Language: e.Language,
			Logger:   logger,
		}
	}
}

// Reload re-reads ConfigPath and applies it.
//
// Entries that were removed, or whose connection settings changed, are
// unloaded; option changes are applied in place; new entries are set up.
// MQTT, HTTP and state settings only take effect on restart.
func (a *App) Reload(c context.Context) error {
	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		return err
	}
	return a.Apply(c, cfg)
}

// Apply applies cfg to the running host.
func (a *App) Apply(c context.Context, cfg *config.Config) error {
	log := a.component("app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.runners == nil {
		a.mu.Unlock()
		return errors.New("not running")
	}
	var stopped []*runner
	for name, r := range a.runners {
		cur := r.Entry()
		ne, ok := cfg.Entry(name)
		if ok && sameConnection(&cur, &ne) {
			continue
		}
		r.cancelFunc()
		stopped = append(stopped, r)
		delete(a.runners, name)
	}
	a.mu.Unlock()

	for _, r := range stopped {
		<-r.doneC
		log.Infof("Stopped entry %q.", r.name)
	}

	type optionsUpdate struct {
		i    *integration.Integration
		opts config.Options
	}
	var updates []optionsUpdate

	a.mu.Lock()
	for _, e := range cfg.LinkStation {
		r := a.runners[e.Name]
		if r == nil {
			// Runners outlive any single Apply call.
			a.startRunnerLocked(context.Background(), e)
			log.Infof("Started entry %q.", e.Name)
			continue
		}

		cur := r.Entry()
		if cur.Options() != e.Options() {
			r.setEntry(e)
			if i := a.registry.Get(e.Name); i != nil {
				updates = append(updates, optionsUpdate{i, e.Options()})
			}
		}
	}
	a.mu.Unlock()

	// Updating options refreshes the device, so it happens outside the lock.
	var errs []string
	for _, u := range updates {
		if err := u.i.UpdateOptions(c, u.opts); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return errors.Errorf("applying options: %v", errs)
	}
	return nil
}

// sameConnection returns true if a and b differ only in their runtime
// options.
func sameConnection(a, b *config.Entry) bool {
	ac, bc := *a, *b
	ac.ScanInterval, ac.Manual = 0, false
	bc.ScanInterval, bc.Manual = 0, false
	return reflect.DeepEqual(ac, bc)
}

// EntryStatus is the externally visible status of one entry.
type EntryStatus struct {
	Name           string         `json:"name"`
	Device         string         `json:"device"`
	Available      bool           `json:"available"`
	LastSuccess    *time.Time     `json:"last_success,omitempty"`
	LastSuccessAgo string         `json:"last_success_ago,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Sensors        []sensor.State `json:"sensors"`
}

// Status returns the status of every running integration, sorted by entry
// name.
func (a *App) Status() []EntryStatus {
	all := a.registry.All()
	statuses := make([]EntryStatus, 0, len(all))
	for _, i := range all {
		coord := i.Coordinator()
		st := EntryStatus{
			Name:      i.Name(),
			Device:    i.DeviceName(),
			Available: coord.Available(),
			Sensors:   i.States(),
		}
		if t := coord.LastSuccess(); !t.IsZero() {
			st.LastSuccess = &t
			st.LastSuccessAgo = humanize.Time(t)
		}
		if err := coord.LastError(); err != nil {
			st.LastError = err.Error()
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

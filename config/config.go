// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package config loads and validates the monitor's YAML configuration file.
package config

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/iKaew/hass-linkstation-addon/device"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied to entries that leave a field unset.
const (
	DefaultName            = "LinkStation"
	DefaultScanInterval    = 15
	DefaultProtocol        = "http"
	DefaultLanguage        = "en"
	DefaultListen          = ":9120"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTopicPrefix     = "linkstation"
)

// ErrAlreadyConfigured is returned when two entries share a name.
var ErrAlreadyConfigured = errors.New("already configured")

// Options are the runtime-adjustable settings of an entry.
type Options struct {
	// ScanInterval is the time between automatic refreshes.
	ScanInterval time.Duration
	// Manual disables automatic refreshes.
	Manual bool
}

// Entry configures one LinkStation device.
type Entry struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Protocol string `yaml:"protocol,omitempty"`
	Language string `yaml:"language,omitempty"`

	// ScanInterval is the refresh interval, in minutes.
	ScanInterval int  `yaml:"scan_interval"`
	Manual       bool `yaml:"manual"`

	// Disks, if not empty, is the set of disks to monitor. Otherwise, every
	// disk reported by the device is monitored.
	Disks []string `yaml:"disks,omitempty"`
	// MonitoredVariables, if not empty, is the set of metric keys to present.
	// Otherwise, every metric is presented.
	MonitoredVariables []string `yaml:"monitored_variables,omitempty"`
}

// Options returns the entry's runtime options.
func (e *Entry) Options() Options {
	return Options{
		ScanInterval: time.Duration(e.ScanInterval) * time.Minute,
		Manual:       e.Manual,
	}
}

// Metrics returns the entry's monitored metrics, in display order.
func (e *Entry) Metrics() ([]device.Metric, error) {
	if len(e.MonitoredVariables) == 0 {
		return append([]device.Metric(nil), device.Metrics...), nil
	}

	want := make(map[device.Metric]struct{}, len(e.MonitoredVariables))
	for _, v := range e.MonitoredVariables {
		m, err := device.ParseMetric(v)
		if err != nil {
			return nil, err
		}
		want[m] = struct{}{}
	}

	metrics := make([]device.Metric, 0, len(want))
	for _, m := range device.Metrics {
		if _, ok := want[m]; ok {
			metrics = append(metrics, m)
		}
	}
	return metrics, nil
}

// IsDefaultName returns true if the entry uses the default name, in which
// case the device's own name should be used.
func (e *Entry) IsDefaultName() bool { return e.Name == DefaultName }

func (e *Entry) setDefaults() {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		e.Name = DefaultName
	}
	if e.ScanInterval == 0 {
		e.ScanInterval = DefaultScanInterval
	}
	if e.Protocol == "" {
		e.Protocol = DefaultProtocol
	}
	if e.Language == "" {
		e.Language = DefaultLanguage
	}
}

// Validate checks that e is usable, applying defaults to unset fields.
func (e *Entry) Validate() error {
	e.setDefaults()

	switch {
	case e.Host == "":
		return errors.New("host is required")
	case e.Username == "":
		return errors.New("username is required")
	case e.Password == "":
		return errors.New("password is required")
	case e.ScanInterval < 0:
		return errors.Errorf("scan_interval must be positive (%d)", e.ScanInterval)
	}

	switch e.Protocol {
	case "http", "https":
	default:
		return errors.Errorf("unsupported protocol %q", e.Protocol)
	}

	if _, err := e.Metrics(); err != nil {
		return errors.Wrap(err, "monitored_variables")
	}
	return nil
}

// MQTT configures the Home Assistant MQTT publisher.
type MQTT struct {
	// Broker is the broker URL. If empty, MQTT publishing is disabled.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
}

// Enabled returns true if MQTT publishing is configured.
func (m *MQTT) Enabled() bool { return m.Broker != "" }

// HTTP configures the HTTP endpoint server.
type HTTP struct {
	// Listen is the address to listen on. If "-", the server is disabled.
	Listen string `yaml:"listen"`
}

// State configures sensor state persistence.
type State struct {
	// Path is the state file. If empty, states are not persisted.
	Path string `yaml:"path"`
}

// Config is the monitor's configuration.
type Config struct {
	LinkStation []Entry `yaml:"linkstation"`
	MQTT        MQTT    `yaml:"mqtt"`
	HTTP        HTTP    `yaml:"http"`
	State       State   `yaml:"state"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %q", path)
	}
	return cfg, nil
}

// Parse parses and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates every section of c, applying defaults.
func (c *Config) Validate() error {
	entries := c.LinkStation
	c.LinkStation = make([]Entry, 0, len(entries))
	for i := range entries {
		if err := c.Add(entries[i]); err != nil {
			return errors.Wrapf(err, "linkstation entry #%d", i)
		}
	}

	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultListen
	}
	return nil
}

// Add validates e and adds it to c. It returns ErrAlreadyConfigured if an
// entry with the same name exists.
func (c *Config) Add(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, ok := c.Entry(e.Name); ok {
		return errors.Wrapf(ErrAlreadyConfigured, "%q", e.Name)
	}
	c.LinkStation = append(c.LinkStation, e)
	return nil
}

// Import adds each entry whose host is not yet configured, returning the
// entries that were added. Invalid entries are returned as an error after
// the valid ones have been added.
func (c *Config) Import(entries ...Entry) ([]Entry, error) {
	var (
		added []Entry
		errs  []string
	)
	for _, e := range entries {
		if e.Host == "" || c.hasHost(e.Host) {
			continue
		}
		if err := c.Add(e); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		added = append(added, c.LinkStation[len(c.LinkStation)-1])
	}

	if len(errs) > 0 {
		return added, errors.Errorf("importing entries: %s", strings.Join(errs, "; "))
	}
	return added, nil
}

// Entry returns the entry named name.
func (c *Config) Entry(name string) (Entry, bool) {
	for _, e := range c.LinkStation {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func (c *Config) hasHost(host string) bool {
	for _, e := range c.LinkStation {
		if e.Host == host {
			return true
		}
	}
	return false
}

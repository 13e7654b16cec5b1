// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package hamqtt publishes sensor states to Home Assistant using MQTT
// discovery.
//
// Each sensor gets a retained discovery config at
// <discovery_prefix>/sensor/<unique_id>/config, and retained state, JSON
// attributes and availability topics under
// <topic_prefix>/<entry>/<disk>/<metric>/. A message on
// <topic_prefix>/<entry>/refresh invokes the entry's refresh service.
package hamqtt

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iKaew/hass-linkstation-addon/config"
	"github.com/iKaew/hass-linkstation-addon/integration"
	"github.com/iKaew/hass-linkstation-addon/sensor"
	"github.com/iKaew/hass-linkstation-addon/support/logging"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// RefreshTimeout bounds a refresh requested over MQTT.
const RefreshTimeout = 2 * time.Minute

// Topics are the topics of a single sensor.
type Topics struct {
	Config       string
	State        string
	Attributes   string
	Availability string
}

// DeviceInfo is the discovery payload's device section.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// Discovery is a sensor's discovery config payload.
type Discovery struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id"`
	StateTopic          string     `json:"state_topic"`
	AttributesTopic     string     `json:"json_attributes_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available"`
	PayloadNotAvailable string     `json:"payload_not_available"`
	Icon                string     `json:"icon,omitempty"`
	Unit                string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Device              DeviceInfo `json:"device"`
}

// Segment makes v safe to use as a single MQTT topic level.
func Segment(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ', 0:
			return '_'
		default:
			return r
		}
	}, strings.ToLower(v))
}

// Publisher publishes integration sensors to a Broker.
//
// Publisher is safe for concurrent use.
type Publisher struct {
	broker          Broker
	discoveryPrefix string
	topicPrefix     string
	logger          logging.L

	mu           sync.Mutex
	integrations map[string]*integration.Integration
}

// NewPublisher returns a Publisher using the prefixes in cfg.
func NewPublisher(b Broker, cfg *config.MQTT, logger logging.L) *Publisher {
	discoveryPrefix, topicPrefix := cfg.DiscoveryPrefix, cfg.TopicPrefix
	if discoveryPrefix == "" {
		discoveryPrefix = config.DefaultDiscoveryPrefix
	}
	if topicPrefix == "" {
		topicPrefix = config.DefaultTopicPrefix
	}
	return &Publisher{
		broker:          b,
		discoveryPrefix: discoveryPrefix,
		topicPrefix:     topicPrefix,
		logger:          logging.Must(logger),
		integrations:    make(map[string]*integration.Integration),
	}
}

// TopicsFor returns the topics of the sensor st on the named entry.
func (p *Publisher) TopicsFor(entry string, st *sensor.State) Topics {
	base := strings.Join([]string{p.topicPrefix, Segment(entry), Segment(st.Disk), string(st.Metric)}, "/")
	return Topics{
		Config:       strings.Join([]string{p.discoveryPrefix, "sensor", st.UniqueID, "config"}, "/"),
		State:        base + "/state",
		Attributes:   base + "/attributes",
		Availability: base + "/availability",
	}
}

// RefreshTopic returns the refresh command topic of the named entry.
func (p *Publisher) RefreshTopic(entry string) string {
	return strings.Join([]string{p.topicPrefix, Segment(entry), "refresh"}, "/")
}

// DiscoveryFor builds the discovery payload of sensor st on the named entry,
// presented as deviceName.
func (p *Publisher) DiscoveryFor(entry, deviceName string, st *sensor.State) *Discovery {
	t := p.TopicsFor(entry, st)
	return &Discovery{
		Name:                st.Name,
		UniqueID:            st.UniqueID,
		ObjectID:            st.UniqueID,
		StateTopic:          t.State,
		AttributesTopic:     t.Attributes,
		AvailabilityTopic:   t.Availability,
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
		Icon:                st.Icon,
		Unit:                st.Unit,
		StateClass:          st.StateClass,
		Device: DeviceInfo{
			Identifiers:  []string{integration.Domain + "_" + Segment(entry)},
			Name:         deviceName,
			Manufacturer: "Buffalo",
			Model:        "LinkStation",
		},
	}
}

// Add publishes every sensor of i, follows their changes, and subscribes to
// i's refresh topic.
func (p *Publisher) Add(i *integration.Integration) error {
	p.mu.Lock()
	p.integrations[i.Name()] = i
	p.mu.Unlock()

	for _, b := range i.Bindings() {
		entry := i.Name()
		b.OnChange(func(st sensor.State) {
			if err := p.PublishState(entry, &st); err != nil {
				p.logger.Warnf("Failed to publish state of %q: %s", st.UniqueID, err)
			}
		})
	}

	return p.publishIntegration(i)
}

// Remove withdraws i's sensors from discovery and unsubscribes its refresh
// topic.
func (p *Publisher) Remove(i *integration.Integration) error {
	p.mu.Lock()
	if cur := p.integrations[i.Name()]; cur == i {
		delete(p.integrations, i.Name())
	}
	p.mu.Unlock()

	var errs []string
	if err := p.broker.Unsubscribe(p.RefreshTopic(i.Name())); err != nil {
		errs = append(errs, err.Error())
	}
	for _, st := range i.States() {
		t := p.TopicsFor(i.Name(), &st)
		if err := p.publish(t.Availability, PayloadOffline); err != nil {
			errs = append(errs, err.Error())
		}
		// An empty retained config removes the entity.
		if err := p.broker.Publish(t.Config, 1, true, nil); err != nil {
			publishErrors.WithLabelValues("config").Inc()
			errs = append(errs, err.Error())
			continue
		}
		publishedTotal.WithLabelValues("config").Inc()
	}

	if len(errs) > 0 {
		return errors.Errorf("removing %q: %s", i.Name(), strings.Join(errs, "; "))
	}
	return nil
}

// Republish publishes every added integration again. It is used after the
// broker connection is re-established.
func (p *Publisher) Republish() error {
	p.mu.Lock()
	all := make([]*integration.Integration, 0, len(p.integrations))
	for _, i := range p.integrations {
		all = append(all, i)
	}
	p.mu.Unlock()
	sort.Slice(all, func(a, b int) bool { return all[a].Name() < all[b].Name() })

	var errs []string
	for _, i := range all {
		if err := p.publishIntegration(i); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (p *Publisher) publishIntegration(i *integration.Integration) error {
	entry := i.Name()
	for _, st := range i.States() {
		st := st
		payload, err := json.Marshal(p.DiscoveryFor(entry, i.DeviceName(), &st))
		if err != nil {
			return errors.Wrapf(err, "encoding discovery of %q", st.UniqueID)
		}
		if err := p.broker.Publish(p.TopicsFor(entry, &st).Config, 1, true, payload); err != nil {
			publishErrors.WithLabelValues("config").Inc()
			return errors.Wrapf(err, "publishing discovery of %q", st.UniqueID)
		}
		publishedTotal.WithLabelValues("config").Inc()

		if err := p.PublishState(entry, &st); err != nil {
			return err
		}
	}

	err := p.broker.Subscribe(p.RefreshTopic(entry), 1, func(string, []byte) {
		// The refresh publishes through the broker, so it must not run on the
		// broker's message handler.
		go p.refresh(i)
	})
	if err != nil {
		return errors.Wrapf(err, "subscribing to refresh topic of %q", entry)
	}
	return nil
}

// refresh runs i's refresh service on behalf of an MQTT request.
func (p *Publisher) refresh(i *integration.Integration) {
	c, cancelFunc := context.WithTimeout(context.Background(), RefreshTimeout)
	defer cancelFunc()

	p.logger.Infof("Refresh of %q requested over MQTT.", i.Name())
	if err := i.RefreshService(c); err != nil {
		p.logger.Warnf("Refresh of %q failed: %s", i.Name(), err)
	}
}

// PublishState publishes st's availability, state and attributes.
//
// The state and attributes of an unavailable sensor are left as they were.
func (p *Publisher) PublishState(entry string, st *sensor.State) error {
	t := p.TopicsFor(entry, st)

	availability := PayloadOffline
	if st.Available {
		availability = PayloadOnline
	}
	if err := p.publish(t.Availability, availability); err != nil {
		return errors.Wrapf(err, "publishing availability of %q", st.UniqueID)
	}
	if !st.Available {
		return nil
	}

	if err := p.publish(t.State, st.Value.String()); err != nil {
		return errors.Wrapf(err, "publishing state of %q", st.UniqueID)
	}

	attrs := st.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return errors.Wrapf(err, "encoding attributes of %q", st.UniqueID)
	}
	if err := p.broker.Publish(t.Attributes, 1, true, payload); err != nil {
		publishErrors.WithLabelValues("attributes").Inc()
		return errors.Wrapf(err, "publishing attributes of %q", st.UniqueID)
	}
	publishedTotal.WithLabelValues("attributes").Inc()
	return nil
}

func (p *Publisher) publish(topic, payload string) error {
	kind := topic[strings.LastIndexByte(topic, '/')+1:]
	if err := p.broker.Publish(topic, 1, true, []byte(payload)); err != nil {
		publishErrors.WithLabelValues(kind).Inc()
		return err
	}
	publishedTotal.WithLabelValues(kind).Inc()
	return nil
}

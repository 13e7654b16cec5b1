// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package hamqtt

import (
	"time"

	"github.com/iKaew/hass-linkstation-addon/config"
	"github.com/iKaew/hass-linkstation-addon/support/logging"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Broker is the subset of an MQTT client that a Publisher uses.
type Broker interface {
	// Publish publishes payload to topic.
	Publish(topic string, qos byte, retained bool, payload []byte) error
	// Subscribe registers fn to receive messages published to topic.
	Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error
	// Unsubscribe removes subscriptions to topics.
	Unsubscribe(topics ...string) error
}

// DefaultTimeout is the time a PahoBroker waits for a broker acknowledgement.
const DefaultTimeout = 10 * time.Second

// PahoBroker is a Broker backed by a Paho MQTT client.
type PahoBroker struct {
	client  mqtt.Client
	timeout time.Duration
}

var _ Broker = (*PahoBroker)(nil)

// BridgeAvailabilityTopic returns the topic on which the monitor's own
// availability is published.
func BridgeAvailabilityTopic(topicPrefix string) string {
	return topicPrefix + "/bridge/availability"
}

// ClientID returns cfg's client ID, generating a unique one if it is unset.
func ClientID(cfg *config.MQTT) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return "linkstation-monitor-" + uuid.New().String()
}

// Dial connects to the broker configured by cfg.
//
// The connection registers a will that marks the monitor offline, and
// reconnects automatically. onConnect, if not nil, is called after every
// (re)connection, and should restore subscriptions and retained state.
func Dial(cfg *config.MQTT, logger logging.L, onConnect func()) (*PahoBroker, error) {
	logger = logging.Must(logger)
	availability := BridgeAvailabilityTopic(cfg.TopicPrefix)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(ClientID(cfg))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(DefaultTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	// Handlers publish and wait for acknowledgements.
	opts.SetOrderMatters(false)
	opts.SetWill(availability, PayloadOffline, 1, true)

	b := PahoBroker{timeout: DefaultTimeout}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Infof("Connected to MQTT broker %q.", cfg.Broker)
		if err := b.Publish(availability, 1, true, []byte(PayloadOnline)); err != nil {
			logger.Warnf("Failed to publish bridge availability: %s", err)
		}
		if onConnect != nil {
			onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warnf("Lost connection to MQTT broker %q: %s", cfg.Broker, err)
	})

	b.client = mqtt.NewClient(opts)
	if err := b.wait(b.client.Connect()); err != nil {
		return nil, errors.Wrapf(err, "connecting to MQTT broker %q", cfg.Broker)
	}
	return &b, nil
}

// Publish implements Broker.
func (b *PahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return b.wait(b.client.Publish(topic, qos, retained, payload))
}

// Subscribe implements Broker.
func (b *PahoBroker) Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error {
	return b.wait(b.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Topic(), msg.Payload())
	}))
}

// Unsubscribe implements Broker.
func (b *PahoBroker) Unsubscribe(topics ...string) error {
	return b.wait(b.client.Unsubscribe(topics...))
}

// Close marks the monitor offline and disconnects.
func (b *PahoBroker) Close(topicPrefix string) {
	_ = b.Publish(BridgeAvailabilityTopic(topicPrefix), 1, true, []byte(PayloadOffline))
	b.client.Disconnect(250)
}

func (b *PahoBroker) wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(b.timeout) {
		return errors.New("timed out waiting for the MQTT broker")
	}
	return tok.Error()
}

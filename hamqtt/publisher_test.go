// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package hamqtt

import (
	"context"
	"sync"
	"testing"

	"github.com/iKaew/hass-linkstation-addon/config"
	"github.com/iKaew/hass-linkstation-addon/integration"
	"github.com/iKaew/hass-linkstation-addon/linkstation/linkstationtest"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeBroker is an in-memory Broker that keeps the last retained payload of
// every topic.
type fakeBroker struct {
	mu       sync.Mutex
	retained map[string]string
	subs     map[string]func(string, []byte)
	failOn   string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained: make(map[string]string),
		subs:     make(map[string]func(string, []byte)),
	}
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failOn == topic {
		return errors.New("publish refused")
	}
	if len(payload) == 0 {
		delete(b.retained, topic)
		return nil
	}
	b.retained[topic] = string(payload)
	return nil
}

func (b *fakeBroker) Subscribe(topic string, qos byte, fn func(string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = fn
	return nil
}

func (b *fakeBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
	}
	return nil
}

func (b *fakeBroker) get(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.retained[topic]
	return v, ok
}

func (b *fakeBroker) deliver(topic string, payload []byte) bool {
	b.mu.Lock()
	fn := b.subs[topic]
	b.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(topic, payload)
	return true
}

var _ = Describe("Publisher", func() {
	var (
		fake   *linkstationtest.Fake
		broker *fakeBroker
		pub    *Publisher
		integ  *integration.Integration
	)
	BeforeEach(func() {
		fake = linkstationtest.New()
		fake.SetDisk("disk1", linkstationtest.ReadyDisk(10, 50, 20, 10, "GB"))
		broker = newFakeBroker()
		pub = NewPublisher(broker, &config.MQTT{}, nil)

		var err error
		integ, err = integration.Setup(context.Background(), config.Entry{
			Name:     "Basement NAS",
			Host:     "10.0.0.1",
			Username: "admin",
			Password: "secret",
			Manual:   true,
		}, integration.Options{Factory: fake.Factory()})
		Expect(err).ToNot(HaveOccurred())
	})
	AfterEach(func() {
		Expect(integ.Unload()).To(Succeed())
	})

	const (
		configTopic = "homeassistant/sensor/basement_nas_disk1_disk_free/config"
		baseTopic   = "linkstation/basement_nas/disk1/disk_free"
	)

	It("builds topics from the entry, disk and metric", func() {
		st := integ.Bindings()[1].State()
		Expect(pub.TopicsFor(integ.Name(), &st)).To(Equal(Topics{
			Config:       configTopic,
			State:        baseTopic + "/state",
			Attributes:   baseTopic + "/attributes",
			Availability: baseTopic + "/availability",
		}))
		Expect(pub.RefreshTopic(integ.Name())).To(Equal("linkstation/basement_nas/refresh"))
	})

	It("publishes discovery configs for every sensor", func() {
		Expect(pub.Add(integ)).To(Succeed())

		payload, ok := broker.get(configTopic)
		Expect(ok).To(BeTrue())
		Expect(payload).To(MatchJSON(`{
			"name": "Basement NAS disk1 available",
			"unique_id": "basement_nas_disk1_disk_free",
			"object_id": "basement_nas_disk1_disk_free",
			"state_topic": "linkstation/basement_nas/disk1/disk_free/state",
			"json_attributes_topic": "linkstation/basement_nas/disk1/disk_free/attributes",
			"availability_topic": "linkstation/basement_nas/disk1/disk_free/availability",
			"payload_available": "online",
			"payload_not_available": "offline",
			"icon": "mdi:folder-outline",
			"unit_of_measurement": "GB",
			"state_class": "measurement",
			"device": {
				"identifiers": ["linkstation_basement_nas"],
				"name": "Basement NAS",
				"manufacturer": "Buffalo",
				"model": "LinkStation"
			}
		}`))

		_, ok = broker.get("homeassistant/sensor/basement_nas_disk1_current_status/config")
		Expect(ok).To(BeTrue())
		_, ok = broker.get("homeassistant/sensor/basement_nas_disk1_disk_used_pct/config")
		Expect(ok).To(BeTrue())
	})

	It("marks sensors offline until the first poll", func() {
		Expect(pub.Add(integ)).To(Succeed())

		v, _ := broker.get(baseTopic + "/availability")
		Expect(v).To(Equal(PayloadOffline))
		_, ok := broker.get(baseTopic + "/state")
		Expect(ok).To(BeFalse())
	})

	It("publishes state changes after a refresh requested over MQTT", func() {
		Expect(pub.Add(integ)).To(Succeed())
		Expect(broker.deliver(pub.RefreshTopic(integ.Name()), nil)).To(BeTrue())

		Eventually(func() string {
			v, _ := broker.get(baseTopic + "/state")
			return v
		}).Should(Equal("10"))
		v, _ := broker.get(baseTopic + "/availability")
		Expect(v).To(Equal(PayloadOnline))
		v, _ = broker.get(baseTopic + "/attributes")
		Expect(v).To(MatchJSON(`{"disk_capacity": 20, "disk_used": 10, "disk_unit_name": "GB"}`))
		v, _ = broker.get("linkstation/basement_nas/disk1/current_status/state")
		Expect(v).To(Equal("normal"))
	})

	It("returns from the refresh handler before the refresh completes", func() {
		Expect(pub.Add(integ)).To(Succeed())
		gate := make(chan struct{})
		fake.Gate(gate)

		deliveredC := make(chan bool, 1)
		go func() { deliveredC <- broker.deliver(pub.RefreshTopic(integ.Name()), nil) }()
		Eventually(deliveredC).Should(Receive(BeTrue()))
		Eventually(func() int { return fake.Calls("AllDisks") }).Should(Equal(2))
		_, ok := broker.get(baseTopic + "/state")
		Expect(ok).To(BeFalse())

		close(gate)
		Eventually(func() string {
			v, _ := broker.get(baseTopic + "/state")
			return v
		}).Should(Equal("10"))
	})

	It("keeps the last state of a sensor that becomes unavailable", func() {
		Expect(pub.Add(integ)).To(Succeed())
		Expect(integ.RefreshService(context.Background())).To(Succeed())

		fake.SetDisk("disk1", &linkstationtest.Disk{Status: "error"})
		Expect(integ.RefreshService(context.Background())).To(Succeed())

		v, _ := broker.get(baseTopic + "/availability")
		Expect(v).To(Equal(PayloadOffline))
		v, _ = broker.get(baseTopic + "/state")
		Expect(v).To(Equal("10"))
		v, _ = broker.get("linkstation/basement_nas/disk1/current_status/state")
		Expect(v).To(Equal("error"))
	})

	It("withdraws sensors when removed", func() {
		Expect(pub.Add(integ)).To(Succeed())
		Expect(pub.Remove(integ)).To(Succeed())

		_, ok := broker.get(configTopic)
		Expect(ok).To(BeFalse())
		Expect(broker.deliver(pub.RefreshTopic(integ.Name()), nil)).To(BeFalse())
	})

	It("republishes after reconnecting", func() {
		Expect(pub.Add(integ)).To(Succeed())
		broker.retained = make(map[string]string)

		Expect(pub.Republish()).To(Succeed())
		_, ok := broker.get(configTopic)
		Expect(ok).To(BeTrue())
	})

	It("reports publish failures", func() {
		broker.failOn = configTopic
		Expect(pub.Add(integ)).To(MatchError(ContainSubstring("publish refused")))
	})
})

var _ = Describe("Segment", func() {
	It("replaces topic separators and wildcards", func() {
		Expect(Segment("My NAS/+#")).To(Equal("my_nas___"))
	})
})

func TestHAMQTT(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Home Assistant MQTT Tests")
}

// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iKaew/hass-linkstation-addon/device"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

const fullConfig = `
linkstation:
  - name: Basement
    host: 192.168.1.20
    username: admin
    password: secret
    scan_interval: 5
    disks: [disk1, disk2]
    monitored_variables: [current_status, disk_free]
  - host: 192.168.1.21
    username: admin
    password: secret
    manual: true
mqtt:
  broker: tcp://127.0.0.1:1883
http:
  listen: ":8080"
state:
  path: /var/lib/linkstation.state
`

func validEntry(name, host string) Entry {
	return Entry{
		Name:     name,
		Host:     host,
		Username: "admin",
		Password: "secret",
	}
}

var _ = Describe("Config", func() {
	It("parses a full configuration and applies defaults", func() {
		cfg, err := Parse([]byte(fullConfig))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.LinkStation).To(HaveLen(2))

		e := cfg.LinkStation[0]
		Expect(e.Name).To(Equal("Basement"))
		Expect(e.Options()).To(Equal(Options{ScanInterval: 5 * time.Minute}))
		Expect(e.Disks).To(Equal([]string{"disk1", "disk2"}))
		Expect(e.Protocol).To(Equal(DefaultProtocol))
		Expect(e.Language).To(Equal(DefaultLanguage))
		Expect(e.Metrics()).To(Equal([]device.Metric{device.MetricStatus, device.MetricFreeSpace}))

		e = cfg.LinkStation[1]
		Expect(e.Name).To(Equal(DefaultName))
		Expect(e.IsDefaultName()).To(BeTrue())
		Expect(e.Options()).To(Equal(Options{ScanInterval: 15 * time.Minute, Manual: true}))
		Expect(e.Metrics()).To(Equal(device.Metrics))

		Expect(cfg.MQTT.Enabled()).To(BeTrue())
		Expect(cfg.MQTT.DiscoveryPrefix).To(Equal(DefaultDiscoveryPrefix))
		Expect(cfg.MQTT.TopicPrefix).To(Equal(DefaultTopicPrefix))
		Expect(cfg.HTTP.Listen).To(Equal(":8080"))
		Expect(cfg.State.Path).To(Equal("/var/lib/linkstation.state"))
	})

	It("defaults an empty configuration", func() {
		cfg, err := Parse([]byte("{}"))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.LinkStation).To(BeEmpty())
		Expect(cfg.MQTT.Enabled()).To(BeFalse())
		Expect(cfg.HTTP.Listen).To(Equal(DefaultListen))
	})

	It("loads from a file", func() {
		tdir, err := ioutil.TempDir("", "config_test")
		Expect(err).ToNot(HaveOccurred())
		defer func() {
			_ = os.RemoveAll(tdir)
		}()

		path := filepath.Join(tdir, "config.yaml")
		Expect(ioutil.WriteFile(path, []byte(fullConfig), 0644)).To(Succeed())
		cfg, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.LinkStation).To(HaveLen(2))

		_, err = Load(filepath.Join(tdir, "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})

	table.DescribeTable("rejects invalid entries",
		func(mutate func(e *Entry), msg string) {
			e := validEntry("nas", "10.0.0.1")
			mutate(&e)
			Expect(e.Validate()).To(MatchError(ContainSubstring(msg)))
		},

		table.Entry("missing host", func(e *Entry) { e.Host = "" }, "host is required"),
		table.Entry("missing username", func(e *Entry) { e.Username = "" }, "username is required"),
		table.Entry("missing password", func(e *Entry) { e.Password = "" }, "password is required"),
		table.Entry("negative interval", func(e *Entry) { e.ScanInterval = -1 }, "scan_interval"),
		table.Entry("bad protocol", func(e *Entry) { e.Protocol = "ftp" }, "unsupported protocol"),
		table.Entry("unknown metric", func(e *Entry) {
			e.MonitoredVariables = []string{"temperature"}
		}, `unknown metric "temperature"`),
	)

	It("accepts metric aliases", func() {
		e := validEntry("nas", "10.0.0.1")
		e.MonitoredVariables = []string{"used_percent", "status", "current_status"}
		Expect(e.Validate()).To(Succeed())
		Expect(e.Metrics()).To(Equal([]device.Metric{device.MetricStatus, device.MetricUsedPercent}))
	})

	Context("adding entries", func() {
		var cfg Config
		BeforeEach(func() {
			cfg = Config{}
			Expect(cfg.Add(validEntry("nas", "10.0.0.1"))).To(Succeed())
		})

		It("refuses a duplicate name", func() {
			err := cfg.Add(validEntry("nas", "10.0.0.2"))
			Expect(errors.Cause(err)).To(Equal(ErrAlreadyConfigured))
			Expect(cfg.LinkStation).To(HaveLen(1))
		})

		It("imports only entries for new hosts", func() {
			added, err := cfg.Import(
				validEntry("other", "10.0.0.1"),
				validEntry("second", "10.0.0.2"),
				Entry{Name: "no host"},
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(added).To(HaveLen(1))
			Expect(added[0].Name).To(Equal("second"))
			Expect(added[0].ScanInterval).To(Equal(DefaultScanInterval))

			_, ok := cfg.Entry("second")
			Expect(ok).To(BeTrue())
			_, ok = cfg.Entry("other")
			Expect(ok).To(BeFalse())
		})

		It("reports invalid imports after adding the valid ones", func() {
			bad := validEntry("bad", "10.0.0.3")
			bad.Password = ""

			added, err := cfg.Import(bad, validEntry("good", "10.0.0.4"))
			Expect(err).To(MatchError(ContainSubstring("password is required")))
			Expect(added).To(HaveLen(1))
			Expect(cfg.LinkStation).To(HaveLen(2))
		})
	})

	It("rejects duplicate names in a file", func() {
		_, err := Parse([]byte(`
linkstation:
  - {host: a, username: u, password: p}
  - {host: b, username: u, password: p}
`))
		Expect(errors.Cause(err)).To(Equal(ErrAlreadyConfigured))
	})
})

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Tests")
}

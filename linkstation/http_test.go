// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package linkstation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeNAS emulates the LinkStation web UI API.
type fakeNAS struct {
	mu       sync.Mutex
	password string
	disks    string
	calls    map[string]int
	cookies  []string
}

func (n *fakeNAS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != apiEndpoint || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	action := r.PostForm.Get(actionParam)
	n.calls[action]++

	switch action {
	case actionLogin:
		if r.PostForm.Get("user") != "admin" || r.PostForm.Get("password") != n.password {
			_, _ = w.Write([]byte(`{"success":false,"data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[{"sid":"s3ss10n","pageMode":0}]}`))

	case actionDisks, actionSettings:
		ck, err := r.Cookie(sessionCookie + "admin")
		if err != nil || !strings.HasPrefix(ck.Value, "s3ss10n_") {
			_, _ = w.Write([]byte(`{"success":false,"data":[]}`))
			return
		}
		n.cookies = append(n.cookies, ck.Value)

		if action == actionSettings {
			_, _ = w.Write([]byte(`{"success":true,"data":[{"deviceName":"LS220D"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":` + n.disks + `}`))

	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (n *fakeNAS) callCount(action string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[action]
}

var _ = Describe("HTTPClient", func() {
	var (
		nas    *fakeNAS
		server *httptest.Server
		client *HTTPClient
		now    time.Time
		c      context.Context
	)
	BeforeEach(func() {
		nas = &fakeNAS{
			password: "secret",
			calls:    make(map[string]int),
			disks: `[
				{"name":"disk1","status":"normal","unitName":"GB","totalSize":20,"usedSize":"10","freeSize":10,"usedRate":"50%"},
				{"name":"disk2","status":"error"},
				{"name":"usbdisk1","status":"normal","freeSize":"","totalSize":null}
			]`,
		}
		server = httptest.NewServer(nas)

		now = time.Unix(10000, 0)
		client = &HTTPClient{
			Host:     strings.TrimPrefix(server.URL, "http://"),
			Username: "admin",
			Password: "secret",
			NowFunc:  func() time.Time { return now },
		}
		c = context.Background()
	})
	AfterEach(func() {
		_ = client.Close()
		server.Close()
	})

	It("connects with valid credentials", func() {
		Expect(client.Connect(c)).To(Succeed())
		Expect(nas.callCount(actionLogin)).To(Equal(1))
	})

	It("rejects invalid credentials", func() {
		client.Password = "wrong"
		err := client.Connect(c)
		Expect(errors.Cause(err)).To(Equal(ErrAuthentication))
	})

	It("connects implicitly and sends the session cookie", func() {
		names, err := client.AllDisks(c)
		Expect(err).ToNot(HaveOccurred())
		Expect(names).To(Equal([]string{"disk1", "disk2", "usbdisk1"}))
		Expect(nas.callCount(actionLogin)).To(Equal(1))
		Expect(nas.cookies).To(ConsistOf("s3ss10n_en_0"))
	})

	It("reads disk values from numbers and strings", func() {
		status, err := client.DiskStatus(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal("normal"))

		free, err := client.DiskFree(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(free).To(Equal(10.0))

		pct, err := client.DiskUsedPercent(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pct).To(Equal(50.0))

		capacity, err := client.DiskCapacity(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(capacity).To(Equal(20.0))

		used, err := client.DiskAmountUsed(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(used).To(Equal(10.0))

		unit, err := client.DiskUnitName(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(unit).To(Equal("GB"))
	})

	It("reports absent readings as unavailable", func() {
		_, err := client.DiskFree(c, "usbdisk1")
		Expect(errors.Cause(err)).To(Equal(ErrValueUnavailable))

		_, err = client.DiskCapacity(c, "usbdisk1")
		Expect(errors.Cause(err)).To(Equal(ErrValueUnavailable))

		_, err = client.DiskUnitName(c, "usbdisk1")
		Expect(errors.Cause(err)).To(Equal(ErrValueUnavailable))
	})

	It("reports unknown disks", func() {
		_, err := client.DiskStatus(c, "disk9")
		Expect(errors.Cause(err)).To(Equal(ErrUnknownDisk))
	})

	It("shares one disk listing between getters until it expires", func() {
		_, err := client.AllDisks(c)
		Expect(err).ToNot(HaveOccurred())
		_, err = client.DiskStatus(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		_, err = client.DiskFree(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(nas.callCount(actionDisks)).To(Equal(1))

		By("expiring the cache")
		now = now.Add(DefaultCacheTTL)
		_, err = client.DiskFree(c, "disk1")
		Expect(err).ToNot(HaveOccurred())
		Expect(nas.callCount(actionDisks)).To(Equal(2))
	})

	It("discards the session and listing on Close", func() {
		_, err := client.AllDisks(c)
		Expect(err).ToNot(HaveOccurred())
		Expect(client.Close()).To(Succeed())

		_, err = client.AllDisks(c)
		Expect(err).ToNot(HaveOccurred())
		Expect(nas.callCount(actionLogin)).To(Equal(2))
		Expect(nas.callCount(actionDisks)).To(Equal(2))
	})

	It("reports the device name", func() {
		name, err := client.DeviceName(c)
		Expect(err).ToNot(HaveOccurred())
		Expect(name).To(Equal("LS220D"))
	})

	It("fails when the device is unreachable", func() {
		server.Close()
		_, err := client.AllDisks(c)
		Expect(err).To(HaveOccurred())
	})
})

func TestLinkStation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "LinkStation Tests")
}

// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package linkstation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iKaew/hass-linkstation-addon/support/logging"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultLanguage is the web UI language requested for a session.
	DefaultLanguage = "en"
	// DefaultProtocol is the scheme used to reach the device.
	DefaultProtocol = "http"
	// DefaultCacheTTL is how long a disk listing is reused by the per-disk
	// getters.
	DefaultCacheTTL = 30 * time.Second

	apiEndpoint    = "/dynamic.pl"
	actionParam    = "bufaction"
	actionLogin    = "verifyLogin"
	actionDisks    = "getAllDisk"
	actionSettings = "getSettings"
	sessionCookie  = "webui_session_"

	maxResponseSize = 1024 * 1024
)

// ErrAuthentication is returned when the device rejects the credentials.
var ErrAuthentication = errors.New("authentication rejected by device")

// HTTPClient is a Client that speaks to the LinkStation web UI.
//
// HTTPClient is safe for concurrent use, although the devices themselves
// handle concurrent sessions poorly.
type HTTPClient struct {
	// Host is the device's host, optionally with a port.
	Host string
	// Username and Password are the web UI credentials.
	Username string
	Password string

	// Protocol is the URL scheme. If empty, DefaultProtocol is used.
	Protocol string
	// Language is the session language. If empty, DefaultLanguage is used.
	Language string
	// CacheTTL is the disk listing cache lifetime. If <= 0, DefaultCacheTTL is
	// used.
	CacheTTL time.Duration

	// HTTP is the underlying HTTP client. If nil, a client with a 30 second
	// timeout is used.
	HTTP *http.Client
	// Logger, if not nil, is the logger to use.
	Logger logging.L
	// NowFunc, if not nil, is used to get the current time.
	NowFunc func() time.Time

	mu       sync.Mutex
	sid      string
	pageMode int
	disks    []diskInfo
	cachedAt time.Time
	http     *http.Client
}

var _ Client = (*HTTPClient)(nil)
var _ Namer = (*HTTPClient)(nil)

// NewHTTPClient returns an HTTPClient for the device at host. It satisfies
// Factory.
func NewHTTPClient(username, password, host string) Client {
	return &HTTPClient{
		Host:     host,
		Username: username,
		Password: password,
	}
}

type apiResponse struct {
	Success bool                `json:"success"`
	Data    jsoniter.RawMessage `json:"data"`
}

type loginData struct {
	SID      string `json:"sid"`
	PageMode int    `json:"pageMode"`
}

type settingsData struct {
	DeviceName string `json:"deviceName"`
}

type diskInfo struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	UnitName  *string  `json:"unitName"`
	TotalSize *reading `json:"totalSize"`
	UsedSize  *reading `json:"usedSize"`
	FreeSize  *reading `json:"freeSize"`
	UsedRate  *reading `json:"usedRate"`
}

// reading is a numeric value that the device may encode either as a JSON
// number or as a string such as "12.5" or "12.5%". An empty string is treated
// as absent.
type reading struct {
	value float64
	ok    bool
}

func (r *reading) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Wrapf(err, "parsing reading %q", s)
		}
		r.value, r.ok = v, true
		return nil
	}

	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	r.value, r.ok = v, true
	return nil
}

// Connect implements Client.
func (c *HTTPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *HTTPClient) connectLocked(ctx context.Context) error {
	form := url.Values{
		"user":     {c.Username},
		"password": {c.Password},
	}
	resp, err := c.postLocked(ctx, actionLogin, form, false)
	if err != nil {
		return errors.Wrapf(err, "logging in to %q", c.Host)
	}
	if !resp.Success {
		return errors.Wrapf(ErrAuthentication, "logging in to %q as %q", c.Host, c.Username)
	}

	var data []loginData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return errors.Wrap(err, "decoding login response")
	}
	if len(data) == 0 || data[0].SID == "" {
		return errors.New("login response carried no session")
	}

	c.sid = data[0].SID
	c.pageMode = data[0].PageMode
	c.logger().Debugf("Established session with LinkStation %q.", c.Host)
	return nil
}

// DeviceName implements Namer.
func (c *HTTPClient) DeviceName(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.callLocked(ctx, actionSettings, nil)
	if err != nil {
		return "", err
	}
	var data []settingsData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", errors.Wrap(err, "decoding settings response")
	}
	if len(data) == 0 || data[0].DeviceName == "" {
		return "", errors.Wrap(ErrValueUnavailable, "device name")
	}
	return data[0].DeviceName, nil
}

// AllDisks implements Client.
func (c *HTTPClient) AllDisks(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	disks, err := c.disksLocked(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(disks))
	for i := range disks {
		names[i] = disks[i].Name
	}
	return names, nil
}

// DiskStatus implements Client.
func (c *HTTPClient) DiskStatus(ctx context.Context, disk string) (status string, err error) {
	err = c.withDisk(ctx, disk, func(di *diskInfo) error {
		status = di.Status
		return nil
	})
	return
}

// DiskFree implements Client.
func (c *HTTPClient) DiskFree(ctx context.Context, disk string) (float64, error) {
	return c.diskReading(ctx, disk, func(di *diskInfo) *reading { return di.FreeSize })
}

// DiskUsedPercent implements Client.
func (c *HTTPClient) DiskUsedPercent(ctx context.Context, disk string) (float64, error) {
	return c.diskReading(ctx, disk, func(di *diskInfo) *reading { return di.UsedRate })
}

// DiskCapacity implements Client.
func (c *HTTPClient) DiskCapacity(ctx context.Context, disk string) (float64, error) {
	return c.diskReading(ctx, disk, func(di *diskInfo) *reading { return di.TotalSize })
}

// DiskAmountUsed implements Client.
func (c *HTTPClient) DiskAmountUsed(ctx context.Context, disk string) (float64, error) {
	return c.diskReading(ctx, disk, func(di *diskInfo) *reading { return di.UsedSize })
}

// DiskUnitName implements Client.
func (c *HTTPClient) DiskUnitName(ctx context.Context, disk string) (unit string, err error) {
	err = c.withDisk(ctx, disk, func(di *diskInfo) error {
		if di.UnitName == nil || *di.UnitName == "" {
			return ErrValueUnavailable
		}
		unit = *di.UnitName
		return nil
	})
	return
}

// Close implements Client.
//
// Close discards the session and the cached disk listing, so the next
// request starts a fresh session.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sid = ""
	c.disks, c.cachedAt = nil, time.Time{}
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	return nil
}

func (c *HTTPClient) diskReading(ctx context.Context, disk string, get func(*diskInfo) *reading) (v float64, err error) {
	err = c.withDisk(ctx, disk, func(di *diskInfo) error {
		r := get(di)
		if r == nil || !r.ok {
			return ErrValueUnavailable
		}
		v = r.value
		return nil
	})
	return
}

func (c *HTTPClient) withDisk(ctx context.Context, disk string, fn func(*diskInfo) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	disks, err := c.disksLocked(ctx)
	if err != nil {
		return err
	}
	for i := range disks {
		if disks[i].Name == disk {
			return fn(&disks[i])
		}
	}
	return errors.Wrapf(ErrUnknownDisk, "%q", disk)
}

// disksLocked returns the cached disk listing, fetching it if it has expired.
func (c *HTTPClient) disksLocked(ctx context.Context) ([]diskInfo, error) {
	now := c.now()
	if c.disks != nil && now.Sub(c.cachedAt) < c.cacheTTL() {
		return c.disks, nil
	}

	resp, err := c.callLocked(ctx, actionDisks, nil)
	if err != nil {
		return nil, err
	}
	var disks []diskInfo
	if err := json.Unmarshal(resp.Data, &disks); err != nil {
		return nil, errors.Wrap(err, "decoding disk listing")
	}

	c.disks, c.cachedAt = disks, now
	return disks, nil
}

// callLocked performs an authenticated API call, establishing a session
// first if necessary.
func (c *HTTPClient) callLocked(ctx context.Context, action string, form url.Values) (*apiResponse, error) {
	if c.sid == "" {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.postLocked(ctx, action, form, true)
	if err != nil {
		return nil, errors.Wrapf(err, "calling %q on %q", action, c.Host)
	}
	if !resp.Success {
		// The session may have expired on the device side.
		c.sid = ""
		return nil, errors.Errorf("device rejected %q", action)
	}
	return resp, nil
}

func (c *HTTPClient) postLocked(ctx context.Context, action string, form url.Values, withSession bool) (*apiResponse, error) {
	if form == nil {
		form = url.Values{}
	}
	form.Set(actionParam, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if withSession {
		req.AddCookie(&http.Cookie{
			Name:  sessionCookie + c.Username,
			Value: fmt.Sprintf("%s_%s_%d", c.sid, c.language(), c.pageMode),
		})
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, errors.Wrap(err, "decoding response")
	}
	return &ar, nil
}

func (c *HTTPClient) endpoint() string {
	protocol := c.Protocol
	if protocol == "" {
		protocol = DefaultProtocol
	}
	return protocol + "://" + c.Host + apiEndpoint
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	return c.http
}

func (c *HTTPClient) language() string {
	if c.Language != "" {
		return c.Language
	}
	return DefaultLanguage
}

func (c *HTTPClient) cacheTTL() time.Duration {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return DefaultCacheTTL
}

func (c *HTTPClient) now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc()
	}
	return time.Now()
}

func (c *HTTPClient) logger() logging.L { return logging.Must(c.Logger) }

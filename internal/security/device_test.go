package security

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/proctor/internal/core"
)

const (
	chromeUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	edgeUA    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.51"
	firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0"
	safariUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	headless  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/124.0.0.0 Safari/537.36"
)

func TestDetectBrowser(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{chromeUA, "chrome"},
		{edgeUA, "edge"},
		{firefoxUA, "firefox"},
		{safariUA, "safari"},
		{headless, "headless"},
		{"", "unknown"},
		{"curl/8.4.0", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectBrowser(tt.ua))
		})
	}
}

func TestCheckDevice_DistinctReasons(t *testing.T) {
	policy := DevicePolicy{
		AllowedBrowsers: []string{"chrome", "firefox"},
		MinWidth:        1024,
		MinHeight:       768,
		BlockIncognito:  true,
	}

	tests := []struct {
		name   string
		info   DeviceInfo
		reason string
	}{
		{"unsupported browser", DeviceInfo{UserAgent: safariUA, ScreenResolution: "1920x1080"}, core.ReasonUnsupportedBrowser},
		{"headless browser", DeviceInfo{UserAgent: headless, ScreenResolution: "1920x1080"}, core.ReasonUnsupportedBrowser},
		{"low resolution", DeviceInfo{UserAgent: chromeUA, ScreenResolution: "800x600"}, core.ReasonResolutionTooLow},
		{"garbage resolution", DeviceInfo{UserAgent: chromeUA, ScreenResolution: "wide"}, core.ReasonInvalidResolution},
		{"incognito", DeviceInfo{UserAgent: firefoxUA, ScreenResolution: "1920x1080", Incognito: true}, core.ReasonIncognitoBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDevice(tt.info, policy)
			require.Error(t, err)
			var de *core.IncompatibleDeviceError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.reason, de.Reason)
		})
	}

	assert.NoError(t, CheckDevice(DeviceInfo{UserAgent: chromeUA, ScreenResolution: "1920x1080"}, policy))
}

func TestCheckDevice_IncognitoAllowedWhenNotBlocked(t *testing.T) {
	err := CheckDevice(DeviceInfo{UserAgent: chromeUA, ScreenResolution: "1366x768", Incognito: true},
		DevicePolicy{MinWidth: 1024, MinHeight: 768})
	assert.NoError(t, err)
}

func TestClientInfoFrom(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/api/v1/sessions", nil)
	r.RemoteAddr = "10.0.0.5:51234"
	r.Header.Set("User-Agent", chromeUA)

	info := ClientInfoFrom(r, tp)
	assert.Equal(t, "10.0.0.5", info.IP)
	assert.Equal(t, chromeUA, info.UserAgent)
	assert.False(t, info.Forwarded)

	r.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", ClientIP(r, tp))

	r.Header.Set("X-Forwarded-For", "203.0.113.50, 198.51.100.7, 10.0.0.1")
	info = ClientInfoFrom(r, tp)
	assert.Equal(t, "198.51.100.7", info.IP, "rightmost untrusted hop wins")
	assert.True(t, info.Forwarded)

	r.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.1")
	assert.Equal(t, "10.0.0.3", ClientIP(r, tp), "all trusted falls back to the leftmost hop")

	t.Run("untrusted peer headers are ignored", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/v1/sessions", nil)
		r.RemoteAddr = "203.0.113.9:4000"
		r.Header.Set("X-Forwarded-For", "8.8.8.8")
		r.Header.Set("X-Real-IP", "8.8.4.4")
		assert.Equal(t, "203.0.113.9", ClientIP(r, tp))
		assert.Equal(t, "203.0.113.9", ClientIP(r, nil))
	})
}

func TestParseTrustedProxies(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"192.0.2.1", " ", "2001:db8::/32"})
	require.NoError(t, err)
	assert.True(t, tp.Contains("192.0.2.1"))
	assert.False(t, tp.Contains("192.0.2.2"))
	assert.True(t, tp.Contains("2001:db8::1"))
	assert.False(t, tp.Contains("not-an-ip"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.Error(t, err)
}

package security

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ocx/proctor/internal/core"
)

// DeviceInfo is what the client reports about its environment at session start.
type DeviceInfo struct {
	UserAgent        string `json:"userAgent"`
	ScreenResolution string `json:"screenResolution"`
	Incognito        bool   `json:"incognito"`
	Platform         string `json:"platform,omitempty"`
	Language         string `json:"language,omitempty"`
	Fingerprint      string `json:"deviceFingerprint,omitempty"`
	ClientIP         string `json:"clientIp,omitempty"`
}

// DevicePolicy describes which environments a lockdown session accepts.
type DevicePolicy struct {
	AllowedBrowsers []string
	MinWidth        int
	MinHeight       int
	BlockIncognito  bool
}

// DetectBrowser reduces a user agent to a browser family name.
func DetectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "headlesschrome"), strings.Contains(ua, "phantomjs"):
		return "headless"
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "firefox/"), strings.Contains(ua, "fxios/"):
		return "firefox"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"), strings.Contains(ua, "chromium/"):
		return "chrome"
	case strings.Contains(ua, "safari/"):
		return "safari"
	default:
		return "unknown"
	}
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(raw string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(raw)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution %q is not WIDTHxHEIGHT", raw)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("resolution %q has invalid width", raw)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("resolution %q has invalid height", raw)
	}
	return w, h, nil
}

// CheckDevice runs the lockdown compatibility checks in order: browser
// allow-list, minimum resolution, private browsing. Each failure returns an
// IncompatibleDeviceError with its own reason.
func CheckDevice(info DeviceInfo, policy DevicePolicy) error {
	if len(policy.AllowedBrowsers) > 0 {
		browser := DetectBrowser(info.UserAgent)
		allowed := false
		for _, b := range policy.AllowedBrowsers {
			if strings.EqualFold(b, browser) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &core.IncompatibleDeviceError{
				Reason: core.ReasonUnsupportedBrowser,
				Detail: fmt.Sprintf("browser %q is not in the allowed list %v", browser, policy.AllowedBrowsers),
			}
		}
	}

	if policy.MinWidth > 0 || policy.MinHeight > 0 {
		w, h, err := ParseResolution(info.ScreenResolution)
		if err != nil {
			return &core.IncompatibleDeviceError{Reason: core.ReasonInvalidResolution, Detail: err.Error()}
		}
		if w < policy.MinWidth || h < policy.MinHeight {
			return &core.IncompatibleDeviceError{
				Reason: core.ReasonResolutionTooLow,
				Detail: fmt.Sprintf("%dx%d is below the minimum %dx%d", w, h, policy.MinWidth, policy.MinHeight),
			}
		}
	}

	if policy.BlockIncognito && info.Incognito {
		return &core.IncompatibleDeviceError{
			Reason: core.ReasonIncognitoBlocked,
			Detail: "private browsing mode is not permitted for this assessment",
		}
	}
	return nil
}

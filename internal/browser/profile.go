package browser

import (
	"chatwatch/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Profile is the device emulation applied to every new page.
type Profile struct {
	Name      string  `json:"name"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Scale     float64 `json:"scale"`
	Mobile    bool    `json:"mobile"`
	UserAgent string  `json:"user_agent,omitempty"`
}

const mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

var (
	DesktopProfile = Profile{Name: "desktop", Width: 1920, Height: 1080, Scale: 1}
	MobileProfile  = Profile{Name: "mobile", Width: 390, Height: 844, Scale: 3, Mobile: true, UserAgent: mobileUserAgent}
)

// ProfileFor resolves the configured profile. Viewport overrides only apply to desktop;
// the user agent override applies to both.
func ProfileFor(cfg config.BrowserConfig) Profile {
	p := DesktopProfile
	if cfg.Profile == "mobile" {
		p = MobileProfile
	} else {
		p.Width = cfg.GetViewportWidth()
		p.Height = cfg.GetViewportHeight()
	}
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	return p
}

// Apply pushes the profile to the page through CDP.
func (p Profile) Apply(page *rod.Page) error {
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             p.Width,
		Height:            p.Height,
		DeviceScaleFactor: p.Scale,
		Mobile:            p.Mobile,
	}).Call(page); err != nil {
		return err
	}
	if p.Mobile {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(page); err != nil {
			return err
		}
	}
	if p.UserAgent != "" {
		return page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: p.UserAgent})
	}
	return nil
}

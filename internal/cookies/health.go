// internal/cookies/health.go
package cookies

import (
	"time"
)

// Status is the derived health of a cookie set.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusWarning     Status = "warning"
	StatusAutoRefresh Status = "auto_refresh"
	StatusExpired     Status = "expired"
	StatusMissing     Status = "missing"
)

var (
	// DefaultSessionNames are the short lived cookies that carry the portal session.
	DefaultSessionNames = []string{"auth0", "auth0_compat", "appSession.0", "appSession.1"}
	// DefaultDeviceTrustNames are the long lived cookies that let the identity
	// provider skip the 2FA challenge.
	DefaultDeviceTrustNames = []string{
		"did", "did_compat", "auth0-mf", "auth0-mf_compat",
		"_cfuvid", "hubspotutk", "__hstc", "_lfa",
	}
)

// Classes holds the cookie name sets used to classify a cookie set.
type Classes struct {
	Session     []string
	DeviceTrust []string
}

// DefaultClasses returns the built in name sets.
func DefaultClasses() Classes {
	return Classes{
		Session:     append([]string(nil), DefaultSessionNames...),
		DeviceTrust: append([]string(nil), DefaultDeviceTrustNames...),
	}
}

func (c Classes) isSession(name string) bool     { return contains(c.Session, name) }
func (c Classes) isDeviceTrust(name string) bool { return contains(c.DeviceTrust, name) }

// Health is recomputed on demand and never persisted.
type Health struct {
	Status           Status `json:"status"`
	SessionValid     bool   `json:"session_valid"`
	DeviceTrustValid bool   `json:"device_trust_valid"`
	// Remaining lifetime of the longest lived valid cookie in each class. Nil
	// when the class is invalid or only session-only cookies are valid.
	SessionExpiresIn     *time.Duration `json:"session_expires_in,omitempty"`
	DeviceTrustExpiresIn *time.Duration `json:"device_trust_expires_in,omitempty"`
}

// NeedsRefresh reports whether the session half has to be renewed.
func (h Health) NeedsRefresh() bool {
	return h.Status == StatusExpired || h.Status == StatusAutoRefresh
}

// Evaluate classifies set at now using classes. It is a pure function.
func Evaluate(set []Cookie, classes Classes, now time.Time) Health {
	if len(set) == 0 {
		return Health{Status: StatusMissing}
	}

	var h Health
	for _, c := range set {
		if !c.ValidAt(now) {
			continue
		}
		switch {
		case classes.isSession(c.Name):
			h.SessionValid = true
			h.SessionExpiresIn = longest(h.SessionExpiresIn, c, now)
		case classes.isDeviceTrust(c.Name):
			h.DeviceTrustValid = true
			h.DeviceTrustExpiresIn = longest(h.DeviceTrustExpiresIn, c, now)
		}
	}

	switch {
	case !h.SessionValid && !h.DeviceTrustValid:
		h.Status = StatusExpired
	case h.SessionValid && !h.DeviceTrustValid:
		h.Status = StatusWarning
	case !h.SessionValid && h.DeviceTrustValid:
		h.Status = StatusAutoRefresh
	default:
		h.Status = StatusHealthy
	}
	return h
}

// ExpiringWithin returns the valid session cookies whose absolute expiry falls
// inside window from now. Session-only cookies never qualify.
func ExpiringWithin(set []Cookie, classes Classes, now time.Time, window time.Duration) []Cookie {
	var out []Cookie
	for _, c := range set {
		if !classes.isSession(c.Name) || !c.ValidAt(now) {
			continue
		}
		if exp, ok := c.ExpiresAt(); ok && exp.Before(now.Add(window)) {
			out = append(out, c)
		}
	}
	return out
}

func longest(cur *time.Duration, c Cookie, now time.Time) *time.Duration {
	exp, ok := c.ExpiresAt()
	if !ok {
		return cur
	}
	d := exp.Sub(now)
	if cur == nil || d > *cur {
		return &d
	}
	return cur
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

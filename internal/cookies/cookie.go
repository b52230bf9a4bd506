// internal/cookies/cookie.go
package cookies

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionOnly is the expiry sentinel browsers use for cookies that die with
// the browser process.
const SessionOnly float64 = -1

// Cookie mirrors the browser export format, so blobs captured from DevTools
// or the capture endpoint decode without translation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// IsSessionOnly reports whether the cookie carries no absolute expiry.
func (c Cookie) IsSessionOnly() bool {
	return c.Expires <= 0
}

// ExpiresAt returns the absolute expiry. ok is false for session-only cookies.
func (c Cookie) ExpiresAt() (t time.Time, ok bool) {
	if c.IsSessionOnly() {
		return time.Time{}, false
	}
	sec := int64(c.Expires)
	nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), true
}

// ValidAt reports whether the cookie is usable at now: session-only, or an
// expiry strictly after now.
func (c Cookie) ValidAt(now time.Time) bool {
	exp, ok := c.ExpiresAt()
	if !ok {
		return true
	}
	return exp.After(now)
}

// Decode parses a base64 encoded JSON cookie array. Standard and URL-safe
// alphabets, padded or not, are accepted since callers paste these by hand.
func Decode(blob string) ([]Cookie, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, nil
	}
	raw, err := decodeBase64(blob)
	if err != nil {
		return nil, fmt.Errorf("cookie blob is not valid base64: %w", err)
	}
	var set []Cookie
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("cookie blob is not a JSON cookie array: %w", err)
	}
	return set, nil
}

// Encode serializes a cookie set into the base64 JSON form Decode accepts.
func Encode(set []Cookie) (string, error) {
	if set == nil {
		set = []Cookie{}
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cookies: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// FilterDomains keeps cookies whose domain equals, or is a subdomain of, one
// of the allowed domains. Leading dots on either side are ignored.
func FilterDomains(set []Cookie, allowed []string) []Cookie {
	if len(allowed) == 0 {
		return append([]Cookie(nil), set...)
	}
	out := make([]Cookie, 0, len(set))
	for _, c := range set {
		d := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		for _, a := range allowed {
			a = strings.ToLower(strings.TrimPrefix(a, "."))
			if d == a || strings.HasSuffix(d, "."+a) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Names returns the cookie names in order.
func Names(set []Cookie) []string {
	names := make([]string, len(set))
	for i, c := range set {
		names[i] = c.Name
	}
	return names
}

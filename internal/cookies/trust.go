// internal/cookies/trust.go
package cookies

import (
	"sync"
)

// Partition splits set into device-trust cookies and everything else.
func Partition(set []Cookie, classes Classes) (trust, rest []Cookie) {
	for _, c := range set {
		if classes.isDeviceTrust(c.Name) {
			trust = append(trust, c)
		} else {
			rest = append(rest, c)
		}
	}
	return trust, rest
}

// Merge returns trust plus every fresh cookie whose name is not already
// present. Trust entries win on a name collision and duplicate names within
// fresh collapse to their first occurrence, so merging the result with the
// same fresh set again is a no-op.
func Merge(trust, fresh []Cookie) []Cookie {
	seen := make(map[string]struct{}, len(trust)+len(fresh))
	out := make([]Cookie, 0, len(trust)+len(fresh))
	for _, c := range trust {
		if _, dup := seen[c.Name]; dup {
			continue
		}
		seen[c.Name] = struct{}{}
		out = append(out, c)
	}
	for _, c := range fresh {
		if _, dup := seen[c.Name]; dup {
			continue
		}
		seen[c.Name] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Preserver remembers the device-trust bucket of a cookie set so it survives
// a re-login that clears or rotates the other cookies. Capture must run
// before any re-authentication navigation.
type Preserver struct {
	classes Classes

	mu      sync.Mutex
	trusted []Cookie
}

// NewPreserver creates a Preserver for the given name classes.
func NewPreserver(classes Classes) *Preserver {
	return &Preserver{classes: classes}
}

// Capture records the device-trust bucket of set and returns both halves.
func (p *Preserver) Capture(set []Cookie) (trust, rest []Cookie) {
	trust, rest = Partition(set, p.classes)
	p.mu.Lock()
	p.trusted = append([]Cookie(nil), trust...)
	p.mu.Unlock()
	return trust, rest
}

// Trusted returns a copy of the last captured device-trust bucket.
func (p *Preserver) Trusted() []Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Cookie(nil), p.trusted...)
}

// MergeInto merges fresh cookies behind the captured bucket.
func (p *Preserver) MergeInto(fresh []Cookie) []Cookie {
	return Merge(p.Trusted(), fresh)
}

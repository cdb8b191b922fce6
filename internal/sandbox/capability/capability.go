// Package capability defines the fixed set of permission tokens a module
// may be granted and the check consulted on every privileged call.
//
// The check is a pure function with no I/O so it can sit on the dispatch
// path of every API request. Tokens outside the registry fail closed: an
// unrecognized capability is always denied, whatever a manifest requests.
package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a named right gating one class of privileged operation.
type Capability string

const (
	// ReadStorage allows reading module-scoped data records.
	ReadStorage Capability = "read-storage"

	// WriteStorage allows writing module-scoped data records.
	WriteStorage Capability = "write-storage"

	// ReadSettings allows reading the module's persisted configuration.
	ReadSettings Capability = "read-settings"

	// WriteSettings allows persisting module configuration.
	WriteSettings Capability = "write-settings"

	// NetworkFetch allows proxied outbound HTTP through the API gateway.
	NetworkFetch Capability = "network-fetch"

	// Analytics allows recording telemetry events.
	Analytics Capability = "analytics"

	// Resize allows requesting layout size changes for the mount.
	Resize Capability = "resize"
)

// registry is the closed set of capabilities the host understands.
// Anything outside this set is denied regardless of grants.
var registry = map[Capability]struct{}{
	ReadStorage:   {},
	WriteStorage:  {},
	ReadSettings:  {},
	WriteSettings: {},
	NetworkFetch:  {},
	Analytics:     {},
	Resize:        {},
}

// Known returns true if c is a capability the host understands.
func Known(c Capability) bool {
	_, ok := registry[c]
	return ok
}

// All returns every registered capability in stable order.
func All() []Capability {
	out := make([]Capability, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GrantSet is the ordered set of capabilities approved for one module
// installation. It is distinct from what the module's manifest requests:
// an administrator approves grants at install time, and the module can
// never exercise a capability absent from this set.
type GrantSet struct {
	grants []Capability
}

// NewGrantSet builds a grant set from the given capabilities. Duplicates
// are collapsed, insertion order is preserved, and unknown tokens are
// rejected so a malformed install record cannot widen the set later.
func NewGrantSet(caps ...Capability) (GrantSet, error) {
	seen := make(map[Capability]struct{}, len(caps))
	grants := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if !Known(c) {
			return GrantSet{}, fmt.Errorf("unknown capability %q", c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		grants = append(grants, c)
	}
	return GrantSet{grants: grants}, nil
}

// MustGrantSet is NewGrantSet that panics on error, for tests and fixtures.
func MustGrantSet(caps ...Capability) GrantSet {
	gs, err := NewGrantSet(caps...)
	if err != nil {
		panic(err)
	}
	return gs
}

// IsGranted reports whether c is present in the grant set. Unknown
// capabilities are always denied, before the set is even consulted.
func IsGranted(gs GrantSet, c Capability) bool {
	if !Known(c) {
		return false
	}
	for _, g := range gs.grants {
		if g == c {
			return true
		}
	}
	return false
}

// List returns the grants in insertion order.
func (gs GrantSet) List() []Capability {
	out := make([]Capability, len(gs.grants))
	copy(out, gs.grants)
	return out
}

// Len returns the number of grants.
func (gs GrantSet) Len() int { return len(gs.grants) }

// String renders the grant set for logs and denial reasons.
func (gs GrantSet) String() string {
	parts := make([]string, len(gs.grants))
	for i, g := range gs.grants {
		parts[i] = string(g)
	}
	return strings.Join(parts, ",")
}

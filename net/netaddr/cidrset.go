// Package netaddr provides small IP/CIDR helpers used across ztcore,
// adapted from the teacher's own tailscale.com/net/{netaddr,tsaddr}
// packages but narrowed to what this core actually needs: an always-sorted,
// deduplicated CIDR set (for a tap's managed_ips, spec.md §3) and a
// contains-IP predicate builder (for blacklist/whitelist policy, spec.md
// §4.3), the latter backed by go4.org/netipx.
package netaddr

import (
	"net/netip"
	"sort"

	"go4.org/netipx"
)

// CIDRSet is an ordered set of netip.Prefix, always kept sorted and
// deduplicated, matching the invariant spec.md §3 places on
// VirtualTap.managed_ips and §8's testable property about it.
type CIDRSet struct {
	prefixes []netip.Prefix
}

// Add inserts p if not already present, keeping the set sorted. It reports
// whether the set changed.
func (s *CIDRSet) Add(p netip.Prefix) bool {
	i := sort.Search(len(s.prefixes), func(i int) bool { return !less(s.prefixes[i], p) })
	if i < len(s.prefixes) && s.prefixes[i] == p {
		return false
	}
	s.prefixes = append(s.prefixes, netip.Prefix{})
	copy(s.prefixes[i+1:], s.prefixes[i:])
	s.prefixes[i] = p
	return true
}

// Remove deletes p if present, reporting whether the set changed.
func (s *CIDRSet) Remove(p netip.Prefix) bool {
	for i, existing := range s.prefixes {
		if existing == p {
			s.prefixes = append(s.prefixes[:i], s.prefixes[i+1:]...)
			return true
		}
	}
	return false
}

// Slice returns the sorted, deduplicated prefixes. The returned slice must
// not be mutated by the caller.
func (s *CIDRSet) Slice() []netip.Prefix {
	return s.prefixes
}

// Contains reports whether ip falls within any prefix in the set.
func (s *CIDRSet) Contains(ip netip.Addr) bool {
	for _, p := range s.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func less(a, b netip.Prefix) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Bits() < b.Bits()
}

// ContainsFunc returns a func(netip.Addr) bool snapshotting the given
// prefixes at call time, the same pattern as the teacher's
// tsaddr.NewContainsIPFunc: cheap to build, safe to hold across updates
// since it closes over an immutable go4.org/netipx.IPSet.
func ContainsFunc(prefixes []netip.Prefix) func(netip.Addr) bool {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(p)
	}
	set, _ := b.IPSet()
	if set == nil {
		return func(netip.Addr) bool { return false }
	}
	return set.Contains
}

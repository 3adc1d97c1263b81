// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package zone

import (
	"net/netip"

	"github.com/gaissmai/bart"
)

// Index is the frozen, read-only lookup structure built once per
// snapshot: a name hash plus a longest-prefix-match radix tree covering
// both address families. Built once at freeze time and never mutated
// after, so concurrent readers need no synchronization to traverse it.
type Index struct {
	byName map[string]*Zone
	lpm    bart.Table[*Zone] // bart.Table indexes both families internally
}

// BuildIndex freezes the zone list into a lookup Index. Zones without a
// subnet are indexed by name only.
func BuildIndex(zones []*Zone) *Index {
	idx := &Index{
		byName: make(map[string]*Zone, len(zones)),
	}
	for _, z := range zones {
		idx.byName[z.UniqueName] = z
		if z.HasSubnet {
			idx.lpm.Insert(z.Subnet, z)
		}
	}
	return idx
}

// ByName returns the zone with the given tenancy-unique name, if any.
func (idx *Index) ByName(name string) (*Zone, bool) {
	z, ok := idx.byName[name]
	return z, ok
}

// LookupAddr returns the most-specific zone whose subnet contains addr,
// via longest-prefix match. The transaction manager does not reject two
// zones with the same subnet; inserting an existing prefix into the
// bart.Table replaces its value, so the zone inserted last wins.
func (idx *Index) LookupAddr(addr netip.Addr) (*Zone, bool) {
	return idx.lpm.Lookup(addr)
}

// ZoneSet computes the ordered [most-specific ... root] admin-parent
// chain for the zone matching addr. Returns nil if no zone's subnet
// contains addr.
func ZoneSet(idx *Index, addr netip.Addr) []*Zone {
	z, ok := idx.LookupAddr(addr)
	if !ok {
		return nil
	}
	return z.Chain()
}

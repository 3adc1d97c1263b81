// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package zone implements the Zone entity: a named administrative
// region with an optional subnet and an optional admin parent, forming
// a forest. Zones are refcounted so a snapshot and every verdict record
// that named it can share one allocation.
package zone

import (
	"net/netip"
	"sync/atomic"

	kzerrors "kzorp.dev/kzorp/internal/errors"
)

// Zone is a named administrative region. It is immutable after it is
// built by the transaction manager; the only mutable field is the
// refcount, which is adjusted atomically by snapshot retirement and
// verdict-record release.
type Zone struct {
	Name       string // display name
	UniqueName string // tenancy-unique name; defaults to Name
	HasSubnet  bool
	Subnet     netip.Prefix // prefix mask: contiguous high bits

	// AdminParentName is the unique-name of the administrative parent, as
	// submitted by the control peer. It is resolved to Parent at
	// snapshot-build time; an unresolved parent aborts the commit.
	AdminParentName string
	Parent          *Zone
	Depth           int // root = 0; depth(z) = depth(parent(z)) + 1

	refs atomic.Int32
}

// New constructs a zone with a refcount of one. Parent linking and depth
// computation happen later, during snapshot build (see Consolidate).
func New(name, uniqueName string, subnet netip.Prefix, hasSubnet bool, adminParentName string) *Zone {
	if uniqueName == "" {
		uniqueName = name
	}
	z := &Zone{
		Name:            name,
		UniqueName:      uniqueName,
		HasSubnet:       hasSubnet,
		Subnet:          subnet,
		AdminParentName: adminParentName,
	}
	z.refs.Store(1)
	return z
}

// CloneShallow produces a new Zone sharing no mutable state with the
// original beyond its value fields; it starts with its own refcount of
// one. Used at snapshot build time to carry a zone forward into a new
// snapshot without re-validating it.
func (z *Zone) CloneShallow() *Zone {
	c := &Zone{
		Name:            z.Name,
		UniqueName:      z.UniqueName,
		HasSubnet:       z.HasSubnet,
		Subnet:          z.Subnet,
		AdminParentName: z.AdminParentName,
		Parent:          nil, // re-resolved by Consolidate against the new snapshot
		Depth:           z.Depth,
	}
	c.refs.Store(1)
	return c
}

// Retain increments the refcount. Called whenever a verdict record or a
// new snapshot takes a strong reference to this zone.
func (z *Zone) Retain() { z.refs.Add(1) }

// Release decrements the refcount and reports whether it reached zero.
// The caller (snapshot retirement, or verdict-cache deletion) is
// responsible for freeing the zone once Release returns true; since Go is
// garbage collected, "freeing" here just means the zone is eligible for
// collection once all strong Go references are also dropped, but the
// accounting must still be exact so tests can assert on it.
func (z *Zone) Release() bool {
	return z.refs.Add(-1) == 0
}

// RefCount returns the current reference count, for tests and diagnostics.
func (z *Zone) RefCount() int32 { return z.refs.Load() }

// Chain walks admin parents upward starting at z and returns
// [most-specific ... root]. Used by the matcher to compute a packet's
// zone set.
func (z *Zone) Chain() []*Zone {
	chain := make([]*Zone, 0, z.Depth+1)
	for cur := z; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	return chain
}

// Consolidate re-resolves every non-root zone's AdminParentName against
// byUniqueName and recomputes Depth, enforcing depth(z) = depth(parent(z))+1
// and that the parent graph is a forest.
//
// byUniqueName must already contain every zone in zones (including zones
// themselves), keyed by UniqueName.
func Consolidate(zones []*Zone, byUniqueName map[string]*Zone) error {
	resolved := make(map[*Zone]bool, len(zones))

	var resolve func(z *Zone, path map[*Zone]bool) error
	resolve = func(z *Zone, path map[*Zone]bool) error {
		if resolved[z] {
			return nil
		}
		if path[z] {
			return kzerrors.Errorf(kzerrors.KindInternal, "zone cycle detected at %q", z.UniqueName)
		}
		if z.AdminParentName == "" {
			z.Parent = nil
			z.Depth = 0
			resolved[z] = true
			return nil
		}
		parent, ok := byUniqueName[z.AdminParentName]
		if !ok {
			return kzerrors.Errorf(kzerrors.KindInternal, "zone %q: admin parent %q not found", z.UniqueName, z.AdminParentName)
		}
		path[z] = true
		if err := resolve(parent, path); err != nil {
			return err
		}
		delete(path, z)
		z.Parent = parent
		z.Depth = parent.Depth + 1
		resolved[z] = true
		return nil
	}

	for _, z := range zones {
		if err := resolve(z, map[*Zone]bool{}); err != nil {
			return err
		}
	}
	return nil
}

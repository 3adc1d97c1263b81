// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package verdictcache implements the connection-keyed verdict cache: a
// fixed-bucket open hash table with lock-free readers, short per-bucket
// writer locks, and slab-pooled records reclaimed via deferred release so a
// reader holding a pointer into a freed record always sees a consistent key
// before trusting its verdict.
package verdictcache

import "net/netip"

// Key identifies one direction of a connection: the packet's 5-tuple
// plus a tenancy tag identifying the conntrack zone. Two Keys for the
// same connection, original and reply, share one Record.
type Key struct {
	Proto      uint8
	SrcAddr    netip.Addr
	SrcPort    uint16
	DstAddr    netip.Addr
	DstPort    uint16
	TenancyTag uint32
}

// Reverse returns the key for the opposite direction of the same
// connection.
func (k Key) Reverse() Key {
	return Key{
		Proto:      k.Proto,
		SrcAddr:    k.DstAddr,
		SrcPort:    k.DstPort,
		DstAddr:    k.SrcAddr,
		DstPort:    k.SrcPort,
		TenancyTag: k.TenancyTag,
	}
}

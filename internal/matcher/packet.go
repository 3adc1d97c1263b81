// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package matcher implements the N-dimensional packet matcher: a pure
// function of a snapshot and a packet description to a verdict.
package matcher

import "net/netip"

// Packet is every field the matcher needs, gathered by the caller from
// the conntrack adapter or the Query control-plane opcode.
type Packet struct {
	IngressIfName  string
	IngressIfGroup uint32
	EgressIfName   string
	EgressIfGroup  uint32

	Protocol uint8

	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16

	// ReqIDs are the IPsec request ids attached to the packet; a rule's
	// IPsec-reqid dimension matches if the intersection with the rule's
	// listed reqids is non-empty.
	ReqIDs []uint32
}

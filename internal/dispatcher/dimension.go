// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatcher implements the Dispatcher and N-dimensional Rule
// entities. The fourteen dimensions are modeled declaratively, one
// DimensionID table, one Alternative union, so the matcher
// (internal/matcher) and the dump builder (internal/ctlplane) both
// drive off the same table instead of hand-rolling fourteen branches
// each.
package dispatcher

import "net/netip"

// DimensionID identifies one of the fourteen rule dimensions.
type DimensionID int

const (
	DimIngressIfName DimensionID = iota
	DimIngressIfGroup
	DimProtocol
	DimSrcPort
	DimDstPort
	DimSrcIPv4
	DimSrcIPv6
	DimSrcZone
	DimDstIPv4
	DimDstIPv6
	DimDstZone
	DimEgressIfName
	DimEgressIfGroup
	DimIPsecReqID

	NumDimensions
)

func (d DimensionID) String() string {
	switch d {
	case DimIngressIfName:
		return "ingress_if_name"
	case DimIngressIfGroup:
		return "ingress_if_group"
	case DimProtocol:
		return "protocol"
	case DimSrcPort:
		return "src_port"
	case DimDstPort:
		return "dst_port"
	case DimSrcIPv4:
		return "src_ipv4"
	case DimSrcIPv6:
		return "src_ipv6"
	case DimSrcZone:
		return "src_zone"
	case DimDstIPv4:
		return "dst_ipv4"
	case DimDstIPv6:
		return "dst_ipv6"
	case DimDstZone:
		return "dst_zone"
	case DimEgressIfName:
		return "egress_if_name"
	case DimEgressIfGroup:
		return "egress_if_group"
	case DimIPsecReqID:
		return "ipsec_reqid"
	default:
		return "unknown_dimension"
	}
}

// Alternative is one OR-branch of a dimension's alternative list. Only the
// fields relevant to the owning dimension are populated; which fields
// those are is determined entirely by which DimensionID the Alternative
// lives under, never by a discriminator on the struct itself.
type Alternative struct {
	Str     string // interface name / egress name
	GroupID uint32 // interface group / egress group id
	Proto   uint8  // IP protocol number

	PortFrom uint16 // inclusive port range bounds
	PortTo   uint16

	Subnet netip.Prefix // source/destination IPv4 or IPv6 subnet

	// ZoneName is the unique name submitted by the control peer; it is
	// resolved to a strong zone reference at relink time.
	ZoneName string

	ReqID uint32 // IPsec request id
}

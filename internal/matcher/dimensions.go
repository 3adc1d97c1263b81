// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package matcher

import (
	"kzorp.dev/kzorp/internal/dispatcher"
	"kzorp.dev/kzorp/internal/zone"
)

// evalContext bundles a packet with its pre-computed zone chains: the
// ordered [most-specific ... root] chain for membership lookups by a
// rule's listed zones, and a set view of the same chain for O(1)
// membership per alternative.
type evalContext struct {
	pkt Packet

	srcChain []*zone.Zone
	dstChain []*zone.Zone
	srcZones map[*zone.Zone]bool
	dstZones map[*zone.Zone]bool
}

func newEvalContext(idx *zone.Index, pkt Packet) *evalContext {
	ctx := &evalContext{pkt: pkt}
	if pkt.SrcAddr.IsValid() {
		ctx.srcChain = zone.ZoneSet(idx, pkt.SrcAddr)
		ctx.srcZones = toSet(ctx.srcChain)
	}
	if pkt.DstAddr.IsValid() {
		ctx.dstChain = zone.ZoneSet(idx, pkt.DstAddr)
		ctx.dstZones = toSet(ctx.dstChain)
	}
	return ctx
}

func toSet(chain []*zone.Zone) map[*zone.Zone]bool {
	set := make(map[*zone.Zone]bool, len(chain))
	for _, z := range chain {
		set[z] = true
	}
	return set
}

// dimensionMatch is the predicate half of the declarative dimension
// table: given the alternatives listed for one dimension and the
// evaluation context, report whether any alternative matches.
//
// DimSrcZone and DimDstZone are deliberately absent from this table: their
// resolved targets live as strong pointers on Rule.SrcZones/DstZones, not
// as Alternative values, so ruleMatches in match.go compares those against
// evalContext's zone sets directly instead of indexing through here.
type dimensionMatch func(alts []dispatcher.Alternative, ctx *evalContext) bool

var dimensionMatchers = [dispatcher.NumDimensions]dimensionMatch{
	dispatcher.DimIngressIfName:  matchIfName,
	dispatcher.DimIngressIfGroup: matchIfGroup,
	dispatcher.DimProtocol:       matchProtocol,
	dispatcher.DimSrcPort:        matchSrcPort,
	dispatcher.DimDstPort:        matchDstPort,
	dispatcher.DimSrcIPv4:        matchSrcSubnet,
	dispatcher.DimSrcIPv6:        matchSrcSubnet,
	dispatcher.DimDstIPv4:        matchDstSubnet,
	dispatcher.DimDstIPv6:        matchDstSubnet,
	dispatcher.DimEgressIfName:   matchEgressIfName,
	dispatcher.DimEgressIfGroup:  matchEgressIfGroup,
	dispatcher.DimIPsecReqID:     matchReqID,
}

func matchIfName(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if a.Str == ctx.pkt.IngressIfName {
			return true
		}
	}
	return false
}

func matchEgressIfName(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if a.Str == ctx.pkt.EgressIfName {
			return true
		}
	}
	return false
}

func matchIfGroup(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if a.GroupID == ctx.pkt.IngressIfGroup {
			return true
		}
	}
	return false
}

func matchEgressIfGroup(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if a.GroupID == ctx.pkt.EgressIfGroup {
			return true
		}
	}
	return false
}

func matchProtocol(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if a.Proto == ctx.pkt.Protocol {
			return true
		}
	}
	return false
}

func matchSrcPort(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if ctx.pkt.SrcPort >= a.PortFrom && ctx.pkt.SrcPort <= a.PortTo {
			return true
		}
	}
	return false
}

func matchDstPort(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if ctx.pkt.DstPort >= a.PortFrom && ctx.pkt.DstPort <= a.PortTo {
			return true
		}
	}
	return false
}

func matchSrcSubnet(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if ctx.pkt.SrcAddr.IsValid() && a.Subnet.Contains(ctx.pkt.SrcAddr) {
			return true
		}
	}
	return false
}

func matchDstSubnet(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		if ctx.pkt.DstAddr.IsValid() && a.Subnet.Contains(ctx.pkt.DstAddr) {
			return true
		}
	}
	return false
}

func matchReqID(alts []dispatcher.Alternative, ctx *evalContext) bool {
	for _, a := range alts {
		for _, r := range ctx.pkt.ReqIDs {
			if a.ReqID == r {
				return true
			}
		}
	}
	return false
}

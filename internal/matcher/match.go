// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package matcher

import (
	"kzorp.dev/kzorp/internal/dispatcher"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/snapshot"
	"kzorp.dev/kzorp/internal/zone"
)

// Verdict names the outcome of classifying one packet against a
// snapshot: the dispatcher and rule that matched, the most-specific
// client and server zones, and the service to apply.
type Verdict struct {
	Dispatcher *dispatcher.Dispatcher
	Rule       *dispatcher.Rule
	ClientZone *zone.Zone
	ServerZone *zone.Zone
	Service    *service.Service
}

// Match classifies pkt against snap. It is a pure function of its two
// arguments: dispatchers are tried in registration order and the first
// one with a matching rule wins; within a dispatcher the first matching
// rule by increasing id wins. A packet matching no rule in any
// dispatcher yields ok == false, not an error.
func Match(snap *snapshot.Snapshot, pkt Packet) (Verdict, bool) {
	ctx := newEvalContext(snap.ZoneIndex, pkt)

	for _, d := range snap.Dispatchers {
		if r, ok := firstMatchingRule(d, ctx); ok {
			return Verdict{
				Dispatcher: d,
				Rule:       r,
				ClientZone: headZone(ctx.srcChain),
				ServerZone: headZone(ctx.dstChain),
				Service:    r.Service,
			}, true
		}
	}
	return Verdict{}, false
}

// headZone returns the most-specific zone in an address's chain, i.e. the
// chain's first element, or nil if the address resolved to no zone at all.
func headZone(chain []*zone.Zone) *zone.Zone {
	if len(chain) == 0 {
		return nil
	}
	return chain[0]
}

// firstMatchingRule walks a dispatcher's rules in id order (already
// enforced strictly increasing by Dispatcher.AddRule) and returns the
// first one every non-wildcard dimension agrees on.
func firstMatchingRule(d *dispatcher.Dispatcher, ctx *evalContext) (*dispatcher.Rule, bool) {
	for _, r := range d.Rules {
		if ruleMatches(r, ctx) {
			return r, true
		}
	}
	return nil, false
}

func ruleMatches(r *dispatcher.Rule, ctx *evalContext) bool {
	if len(r.Dims[dispatcher.DimSrcZone]) > 0 && !anyZoneInSet(r.SrcZones, ctx.srcZones) {
		return false
	}
	if len(r.Dims[dispatcher.DimDstZone]) > 0 && !anyZoneInSet(r.DstZones, ctx.dstZones) {
		return false
	}
	for d := dispatcher.DimensionID(0); d < dispatcher.NumDimensions; d++ {
		if d == dispatcher.DimSrcZone || d == dispatcher.DimDstZone {
			continue
		}
		alts := r.Dims[d]
		if len(alts) == 0 {
			continue // wildcard
		}
		if !dimensionMatchers[d](alts, ctx) {
			return false
		}
	}
	return true
}

func anyZoneInSet(listed []*zone.Zone, set map[*zone.Zone]bool) bool {
	for _, z := range listed {
		if set[z] {
			return true
		}
	}
	return false
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatcher

import (
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/zone"
)

// Rule is one N-dimensional rule owned by a Dispatcher. A rule matches
// a packet iff every non-empty dimension has at least one matching
// alternative (logical OR within a dimension, AND across dimensions);
// see internal/matcher for the evaluation itself.
type Rule struct {
	ID uint32 // strictly increasing within a dispatcher

	ServiceName string // staged name, resolved to Service at relink time
	Service     *service.Service

	Dims            [NumDimensions][]Alternative
	AllocatedCounts [NumDimensions]int // declared by AddRule
	UsedCounts      [NumDimensions]int // filled in by AddRuleEntry

	// SrcZones/DstZones cache the resolved zone pointers for the src-zone
	// and dst-zone dimensions once relinked, so the matcher does not need
	// to look anything up by name on the hot path.
	SrcZones []*zone.Zone
	DstZones []*zone.Zone
}

// NewRule declares a rule with a fixed per-dimension alternative capacity.
// alternativeCounts must have NumDimensions entries; a zero entry means
// that dimension is a wildcard and AddRuleEntry must never populate it.
func NewRule(id uint32, serviceName string, alternativeCounts [NumDimensions]int) *Rule {
	r := &Rule{ID: id, ServiceName: serviceName, AllocatedCounts: alternativeCounts}
	for d := DimensionID(0); d < NumDimensions; d++ {
		if n := alternativeCounts[d]; n > 0 {
			r.Dims[d] = make([]Alternative, 0, n)
		}
	}
	return r
}

// AddEntry appends one alternative to each dimension present in
// entries, modeling a single AddRuleEntry control-plane call that
// supplies one alternative per populated dimension. It returns false if
// a dimension in entries has no remaining declared capacity.
func (r *Rule) AddEntry(entries map[DimensionID]Alternative) bool {
	for d, alt := range entries {
		if r.UsedCounts[d] >= r.AllocatedCounts[d] {
			return false
		}
		r.Dims[d] = append(r.Dims[d], alt)
		r.UsedCounts[d]++
	}
	return true
}

// Complete reports whether every declared alternative slot has been
// populated.
func (r *Rule) Complete() bool {
	for d := DimensionID(0); d < NumDimensions; d++ {
		if r.UsedCounts[d] != r.AllocatedCounts[d] {
			return false
		}
	}
	return true
}

// CloneShallow copies the rule's dimension data into a new Rule, leaving
// ServiceName/Service and SrcZones/DstZones to be re-resolved by relink
// against the next snapshot.
func (r *Rule) CloneShallow() *Rule {
	c := &Rule{
		ID:              r.ID,
		ServiceName:     r.ServiceName,
		AllocatedCounts: r.AllocatedCounts,
		UsedCounts:      r.UsedCounts,
	}
	for d := DimensionID(0); d < NumDimensions; d++ {
		if r.Dims[d] != nil {
			c.Dims[d] = append([]Alternative(nil), r.Dims[d]...)
		}
	}
	return c
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatcher

import (
	"sort"
	"sync/atomic"

	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/zone"
)

// Dispatcher is a named classifier owning an ordered array of rules.
type Dispatcher struct {
	Name            string
	OwnerInstanceID uint32

	AllocatedRuleCount int // declared by AddDispatcher's num-rules-preallocated
	Rules              []*Rule

	refs atomic.Int32
}

// New declares a dispatcher with a fixed rule-slot capacity.
func New(name string, ownerInstanceID uint32, allocatedRuleCount int) *Dispatcher {
	d := &Dispatcher{Name: name, OwnerInstanceID: ownerInstanceID, AllocatedRuleCount: allocatedRuleCount}
	d.refs.Store(1)
	return d
}

// UsedRuleCount is the number of rules actually added via AddRule.
func (d *Dispatcher) UsedRuleCount() int { return len(d.Rules) }

// AddRule appends a rule, enforcing that rule ids are strictly
// increasing within the dispatcher.
func (d *Dispatcher) AddRule(r *Rule) error {
	if len(d.Rules) >= d.AllocatedRuleCount {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "dispatcher %q: rule slots exhausted (allocated %d)", d.Name, d.AllocatedRuleCount)
	}
	if len(d.Rules) > 0 && r.ID <= d.Rules[len(d.Rules)-1].ID {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "dispatcher %q: rule id %d is not strictly greater than previous rule id %d", d.Name, r.ID, d.Rules[len(d.Rules)-1].ID)
	}
	d.Rules = append(d.Rules, r)
	return nil
}

// RuleByID returns the rule with the given id, if present. Rules are kept
// sorted by id (enforced by AddRule), so this binary-searches.
func (d *Dispatcher) RuleByID(id uint32) (*Rule, int, bool) {
	i := sort.Search(len(d.Rules), func(i int) bool { return d.Rules[i].ID >= id })
	if i < len(d.Rules) && d.Rules[i].ID == id {
		return d.Rules[i], i, true
	}
	return nil, -1, false
}

// ValidateComplete checks the commit precondition: every declared rule
// slot was populated, and every rule's declared dimension alternatives
// were all supplied.
func (d *Dispatcher) ValidateComplete() error {
	if d.UsedRuleCount() != d.AllocatedRuleCount {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "dispatcher %q: used_count %d != allocated_count %d", d.Name, d.UsedRuleCount(), d.AllocatedRuleCount)
	}
	for _, r := range d.Rules {
		if !r.Complete() {
			return kzerrors.Errorf(kzerrors.KindInvalidArgument, "dispatcher %q: rule %d has unfilled dimension alternatives", d.Name, r.ID)
		}
	}
	return nil
}

// CloneShallow carries the dispatcher forward into a new snapshot,
// cloning its rules (each of which still needs relinking) but sharing
// no mutable state with the original.
func (d *Dispatcher) CloneShallow() *Dispatcher {
	c := &Dispatcher{
		Name:               d.Name,
		OwnerInstanceID:    d.OwnerInstanceID,
		AllocatedRuleCount: d.AllocatedRuleCount,
		Rules:              make([]*Rule, len(d.Rules)),
	}
	for i, r := range d.Rules {
		c.Rules[i] = r.CloneShallow()
	}
	c.refs.Store(1)
	return c
}

// Retain increments the refcount.
func (d *Dispatcher) Retain() { d.refs.Add(1) }

// Release decrements the refcount and reports whether it reached zero.
func (d *Dispatcher) Release() bool { return d.refs.Add(-1) == 0 }

// RefCount returns the current reference count.
func (d *Dispatcher) RefCount() int32 { return d.refs.Load() }

// Relink resolves every rule's ServiceName and the src/dst zone
// dimensions' ZoneName alternatives against the new snapshot's name
// indexes, turning weak (name) references into strong pointers. Any
// unresolved name aborts the commit.
func Relink(d *Dispatcher, services map[string]*service.Service, zones map[string]*zone.Zone) error {
	for _, r := range d.Rules {
		svc, ok := services[r.ServiceName]
		if !ok {
			return kzerrors.Errorf(kzerrors.KindNotFound, "dispatcher %q rule %d: service %q not found", d.Name, r.ID, r.ServiceName)
		}
		r.Service = svc

		r.SrcZones = r.SrcZones[:0]
		for _, alt := range r.Dims[DimSrcZone] {
			z, ok := zones[alt.ZoneName]
			if !ok {
				return kzerrors.Errorf(kzerrors.KindNotFound, "dispatcher %q rule %d: src zone %q not found", d.Name, r.ID, alt.ZoneName)
			}
			r.SrcZones = append(r.SrcZones, z)
		}

		r.DstZones = r.DstZones[:0]
		for _, alt := range r.Dims[DimDstZone] {
			z, ok := zones[alt.ZoneName]
			if !ok {
				return kzerrors.Errorf(kzerrors.KindNotFound, "dispatcher %q rule %d: dst zone %q not found", d.Name, r.ID, alt.ZoneName)
			}
			r.DstZones = append(r.DstZones, z)
		}
	}
	return nil
}

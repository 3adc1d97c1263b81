// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package txn

import (
	"net/netip"

	"github.com/google/uuid"

	"kzorp.dev/kzorp/internal/dispatcher"
	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/snapshot"
	"kzorp.dev/kzorp/internal/zone"
)

// Txn is one open transaction, owned by exactly one control peer against
// exactly one instance. Every Add* method stages one operation and
// validates it eagerly against the merged view (staged-then-base).
type Txn struct {
	manager  *Manager
	peerID   uint64
	cookie   uint64
	instance *instance.Instance
	base     *snapshot.Snapshot

	flushZones       bool
	flushServices    bool
	flushDispatchers bool
	flushBinds       bool

	stagedZones       []*zone.Zone
	stagedServices    []*service.Service
	stagedDispatchers []*dispatcher.Dispatcher
	stagedBinds       []instance.Bind
}

// MaxNameLength bounds every entity name a control peer submits.
const MaxNameLength = 1023

func validName(name string) error {
	if name == "" {
		return kzerrors.New(kzerrors.KindInvalidArgument, "name must not be empty")
	}
	if len(name) > MaxNameLength {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "name exceeds %d bytes", MaxNameLength)
	}
	return nil
}

// FlushZones marks that every base zone is dropped at commit instead of
// carried forward. Zones have no owning instance, so this drops the base
// zones of all instances, not only this transaction's.
func (t *Txn) FlushZones() { t.flushZones = true }

// FlushServices marks that every base service belonging to this
// transaction's instance is dropped at commit instead of carried forward.
func (t *Txn) FlushServices() { t.flushServices = true }

// FlushDispatchers marks that every base dispatcher belonging to this
// transaction's instance is dropped at commit instead of carried forward.
func (t *Txn) FlushDispatchers() { t.flushDispatchers = true }

// FlushBinds records the flag for parity with the operation stream.
// Nothing reads it: commit always replaces every bind owned by the
// peer with the staged binds, whether or not FlushBinds was called.
func (t *Txn) FlushBinds() { t.flushBinds = true }

// zoneExists implements the merged-view name lookup for zones: staged
// first, then, unless FlushZones, the base.
func (t *Txn) zoneExists(uniqueName string) bool {
	for _, z := range t.stagedZones {
		if z.UniqueName == uniqueName {
			return true
		}
	}
	if t.flushZones {
		return false
	}
	_, ok := t.base.ZoneIndex.ByName(uniqueName)
	return ok
}

// AddZone stages a new zone, failing with AlreadyExists if uniqueName
// collides in the merged view.
func (t *Txn) AddZone(name, uniqueName string, subnet netip.Prefix, hasSubnet bool, adminParentName string) error {
	if uniqueName == "" {
		uniqueName = name
	}
	if err := validName(name); err != nil {
		return err
	}
	if err := validName(uniqueName); err != nil {
		return err
	}
	if hasSubnet && !subnet.IsValid() {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "zone %q: subnet mask is not a prefix", uniqueName)
	}
	if t.zoneExists(uniqueName) {
		return kzerrors.Errorf(kzerrors.KindAlreadyExists, "zone %q already exists", uniqueName)
	}
	t.stagedZones = append(t.stagedZones, zone.New(name, uniqueName, subnet, hasSubnet, adminParentName))
	return nil
}

// serviceByName implements the merged-view name lookup for services.
func (t *Txn) serviceByName(name string) (*service.Service, bool) {
	for _, svc := range t.stagedServices {
		if svc.Name == name {
			return svc, true
		}
	}
	if t.flushServices {
		return nil, false
	}
	svc, ok := t.base.ServiceIndex[name]
	return svc, ok
}

// AddService stages a new service, failing with AlreadyExists if name
// collides in the merged view.
func (t *Txn) AddService(name string, kind service.Kind) (*service.Service, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, ok := t.serviceByName(name); ok {
		return nil, kzerrors.Errorf(kzerrors.KindAlreadyExists, "service %q already exists", name)
	}
	svc := service.New(name, t.instance.ID, kind)
	svc.ID = t.manager.allocServiceID()
	t.stagedServices = append(t.stagedServices, svc)
	return svc, nil
}

// AddServiceNatSrc appends a source NAT range to a staged service.
func (t *Txn) AddServiceNatSrc(serviceName string, r service.NATRange) error {
	svc, err := t.stagedServiceByName(serviceName)
	if err != nil {
		return err
	}
	svc.SNAT = append(svc.SNAT, r)
	return nil
}

// AddServiceNatDst appends a destination NAT range to a staged service.
func (t *Txn) AddServiceNatDst(serviceName string, r service.NATRange) error {
	svc, err := t.stagedServiceByName(serviceName)
	if err != nil {
		return err
	}
	svc.DNAT = append(svc.DNAT, r)
	return nil
}

func (t *Txn) stagedServiceByName(name string) (*service.Service, error) {
	for _, svc := range t.stagedServices {
		if svc.Name == name {
			return svc, nil
		}
	}
	return nil, kzerrors.Errorf(kzerrors.KindNotFound, "service %q was not staged in this transaction", name)
}

// dispatcherExists implements the merged-view name lookup for
// dispatchers, used only for the AlreadyExists check in AddDispatcher;
// AddRule/AddRuleEntry operate exclusively on dispatchers staged in the
// current transaction, since a base dispatcher's rule set is immutable
// once committed.
func (t *Txn) dispatcherExists(name string) bool {
	for _, d := range t.stagedDispatchers {
		if d.Name == name {
			return true
		}
	}
	if t.flushDispatchers {
		return false
	}
	_, ok := t.base.DispatcherIndex[name]
	return ok
}

// AddDispatcher stages a new dispatcher with a fixed rule-slot capacity.
func (t *Txn) AddDispatcher(name string, numRulesPreallocated int) error {
	if err := validName(name); err != nil {
		return err
	}
	if numRulesPreallocated < 0 {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "dispatcher %q: negative rule count", name)
	}
	if t.dispatcherExists(name) {
		return kzerrors.Errorf(kzerrors.KindAlreadyExists, "dispatcher %q already exists", name)
	}
	t.stagedDispatchers = append(t.stagedDispatchers, dispatcher.New(name, t.instance.ID, numRulesPreallocated))
	return nil
}

func (t *Txn) stagedDispatcherByName(name string) (*dispatcher.Dispatcher, error) {
	for _, d := range t.stagedDispatchers {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, kzerrors.Errorf(kzerrors.KindNotFound, "dispatcher %q was not staged in this transaction", name)
}

// AddRule stages a rule on a dispatcher staged earlier in this
// transaction. The service name is resolved later, at relink time;
// here it only needs to exist in the merged view.
func (t *Txn) AddRule(dispatcherName string, ruleID uint32, serviceName string, alternativeCounts [dispatcher.NumDimensions]int) error {
	d, err := t.stagedDispatcherByName(dispatcherName)
	if err != nil {
		return err
	}
	if _, ok := t.serviceByName(serviceName); !ok {
		return kzerrors.Errorf(kzerrors.KindNotFound, "rule %d on dispatcher %q: service %q not found", ruleID, dispatcherName, serviceName)
	}
	return d.AddRule(dispatcher.NewRule(ruleID, serviceName, alternativeCounts))
}

// AddRuleEntry stages one alternative per populated dimension onto a rule
// already added via AddRule.
func (t *Txn) AddRuleEntry(dispatcherName string, ruleID uint32, entries map[dispatcher.DimensionID]dispatcher.Alternative) error {
	d, err := t.stagedDispatcherByName(dispatcherName)
	if err != nil {
		return err
	}
	r, _, ok := d.RuleByID(ruleID)
	if !ok {
		return kzerrors.Errorf(kzerrors.KindNotFound, "dispatcher %q: rule %d not staged", dispatcherName, ruleID)
	}
	for dim, alt := range entries {
		if err := validAlternative(dim, alt); err != nil {
			return kzerrors.Wrapf(err, kzerrors.KindInvalidArgument, "dispatcher %q rule %d", dispatcherName, ruleID)
		}
	}
	if !r.AddEntry(entries) {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "dispatcher %q rule %d: alternative exceeds declared dimension capacity", dispatcherName, ruleID)
	}
	return nil
}

// validAlternative rejects the malformed payloads the control boundary
// classifies as InvalidArgument: inverted port ranges, and subnet
// alternatives whose address family disagrees with the dimension they
// were submitted under.
func validAlternative(dim dispatcher.DimensionID, alt dispatcher.Alternative) error {
	switch dim {
	case dispatcher.DimSrcPort, dispatcher.DimDstPort:
		if alt.PortFrom > alt.PortTo {
			return kzerrors.Errorf(kzerrors.KindInvalidArgument, "port range [%d, %d] inverted", alt.PortFrom, alt.PortTo)
		}
	case dispatcher.DimSrcIPv4, dispatcher.DimDstIPv4:
		if !alt.Subnet.IsValid() || !alt.Subnet.Addr().Is4() {
			return kzerrors.Errorf(kzerrors.KindInvalidArgument, "subnet %s is not a valid IPv4 prefix", alt.Subnet)
		}
	case dispatcher.DimSrcIPv6, dispatcher.DimDstIPv6:
		if !alt.Subnet.IsValid() || !alt.Subnet.Addr().Is6() || alt.Subnet.Addr().Is4In6() {
			return kzerrors.Errorf(kzerrors.KindInvalidArgument, "subnet %s is not a valid IPv6 prefix", alt.Subnet)
		}
	case dispatcher.DimSrcZone, dispatcher.DimDstZone:
		if alt.ZoneName == "" {
			return kzerrors.New(kzerrors.KindInvalidArgument, "zone alternative has no name")
		}
	}
	return nil
}

// AddBind stages a bind for this transaction's instance, owned by the
// transaction's peer. The bind is assigned a UUID so a dump or GetBind
// response can name it without leaking the internal peer id.
func (t *Txn) AddBind(protocol instance.Protocol, address string, port uint16) error {
	if port == 0 {
		return kzerrors.New(kzerrors.KindInvalidArgument, "bind port must not be zero")
	}
	if _, err := netip.ParseAddr(address); err != nil {
		return kzerrors.Wrapf(err, kzerrors.KindInvalidArgument, "bind address %q", address)
	}
	if protocol != instance.ProtocolTCP && protocol != instance.ProtocolUDP {
		return kzerrors.Errorf(kzerrors.KindInvalidArgument, "bind protocol %d is not TCP or UDP", protocol)
	}
	t.stagedBinds = append(t.stagedBinds, instance.Bind{
		ID:         uuid.NewString(),
		InstanceID: t.instance.ID,
		Protocol:   protocol,
		Address:    address,
		Port:       port,
		PeerID:     t.peerID,
	})
	return nil
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane implements control-plane operation dispatch: one
// Server per connected peer, its exported methods registered with
// net/rpc so each opcode in the operation stream maps directly onto a
// Go method call.
package ctlplane

import (
	"net/netip"

	"kzorp.dev/kzorp/internal/dispatcher"
	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/service"
)

// Empty is the args/reply type for opcodes that carry no payload.
type Empty struct{}

// GetVersionReply answers GetVersion.
type GetVersionReply struct {
	Major  uint32
	Compat uint32
}

// StartArgs/StartReply implement the Start opcode.
type StartArgs struct {
	InstanceName string
	Cookie       uint64
}
type StartReply struct{}

// AddZoneArgs/AddZoneReply implement the AddZone opcode.
type AddZoneArgs struct {
	Name            string
	UniqueName      string
	HasSubnet       bool
	Subnet          netip.Prefix
	AdminParentName string
}
type AddZoneReply struct{}

// ZoneRecord is the dump/Get representation of a Zone.
type ZoneRecord struct {
	Name            string
	UniqueName      string
	HasSubnet       bool
	Subnet          netip.Prefix
	AdminParentName string
	Depth           int
}

type GetZoneArgs struct{ Name string }
type GetZoneReply struct{ Zone ZoneRecord }
type DumpZonesReply struct{ Zones []ZoneRecord }

// AddServiceArgs/AddServiceReply implement the AddService opcode.
type AddServiceArgs struct {
	Name         string
	Kind         service.Kind
	PublicFlags  uint32
	SessionCount int64
	HasRouter    bool
	Router       service.Router
	DenyMethodV4 service.DenyMethod
	DenyMethodV6 service.DenyMethod
}
type AddServiceReply struct{}

// AddServiceNatArgs/AddServiceNatReply implement AddServiceNatSrc/AddServiceNatDst.
type AddServiceNatArgs struct {
	ServiceName string
	Range       service.NATRange
}
type AddServiceNatReply struct{}

// ServiceRecord is the dump/Get representation of a Service.
type ServiceRecord struct {
	Name         string
	Kind         service.Kind
	PublicFlags  uint32
	SessionCount int64
	SNAT         []service.NATRange
	DNAT         []service.NATRange
	HasRouter    bool
	Router       service.Router
	DenyMethodV4 service.DenyMethod
	DenyMethodV6 service.DenyMethod
}

type GetServiceArgs struct{ Name string }
type GetServiceReply struct{ Service ServiceRecord }
type DumpServicesReply struct{ Services []ServiceRecord }

// AddDispatcherArgs/AddDispatcherReply implement the AddDispatcher opcode.
type AddDispatcherArgs struct {
	Name                 string
	NumRulesPreallocated int
}
type AddDispatcherReply struct{}

// AddRuleArgs/AddRuleReply implement the AddRule opcode.
type AddRuleArgs struct {
	DispatcherName    string
	RuleID            uint32
	ServiceName       string
	AlternativeCounts [dispatcher.NumDimensions]int
}
type AddRuleReply struct{}

// AddRuleEntryArgs/AddRuleEntryReply implement the AddRuleEntry opcode.
type AddRuleEntryArgs struct {
	DispatcherName string
	RuleID         uint32
	Entries        map[dispatcher.DimensionID]dispatcher.Alternative
}
type AddRuleEntryReply struct{}

// DispatcherCursor is the restartable dump cursor: a dispatcher index,
// rule index, and rule-entry index, guarded by the snapshot generation it
// was taken against.
type DispatcherCursor struct {
	Generation    uint64
	DispatcherIdx int
	RuleIdx       int
	EntryIdx      int
}

type RuleEntryRecord struct {
	Dimension   dispatcher.DimensionID
	Alternative dispatcher.Alternative
}

type RuleRecord struct {
	ID          uint32
	ServiceName string
	Entries     []RuleEntryRecord
}

type DispatcherRecord struct {
	Name  string
	Rules []RuleRecord
}

type GetDispatcherArgs struct{ Name string }
type GetDispatcherReply struct{ Dispatcher DispatcherRecord }

type DumpDispatchersArgs struct{ Cursor DispatcherCursor }
type DumpDispatchersReply struct {
	Dispatchers []DispatcherRecord
	NextCursor  DispatcherCursor
	Done        bool
	Restarted   bool
}

// QueryArgs/QueryReply implement the Query opcode: classify a packet and
// return its verdict, read-only and lock-free against the current
// snapshot.
type QueryArgs struct {
	Protocol      uint8
	SrcAddr       netip.Addr
	SrcPort       uint16
	DstAddr       netip.Addr
	DstPort       uint16
	IngressIfName string
	ReqIDs        []uint32
}
type QueryReply struct {
	Matched        bool
	DispatcherName string
	ClientZone     string
	ServerZone     string
	ServiceName    string
}

// AddBindArgs/AddBindReply implement the AddBind opcode.
type AddBindArgs struct {
	Protocol instance.Protocol
	Address  string
	Port     uint16
}
type AddBindReply struct{}

// GetBindArgs/GetBindReply implement the GetBind opcode: the lookup key
// is the bind's full identity (instance, protocol, address, port).
type GetBindArgs struct {
	InstanceName string
	Protocol     instance.Protocol
	Address      string
	Port         uint16
}
type GetBindReply struct{ Bind BindRecord }

type BindRecord struct {
	ID           string
	InstanceName string
	Protocol     instance.Protocol
	Address      string
	Port         uint16
}
type DumpBindsReply struct{ Binds []BindRecord }

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bootstrap loads a declarative HCL policy document and replays
// it as the sequence of operations a control peer would otherwise send
// one at a time. The wire codec that would actually carry those calls is
// a separate concern; HCL simply gives cmd/kzorpctl something concrete
// to parse, using the same HCL toolchain kzorp's own configuration
// loading is built on.
package bootstrap

import (
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"kzorp.dev/kzorp/internal/dispatcher"
	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/service"
)

// Document is the root of a bootstrap policy file.
type Document struct {
	InstanceName string            `hcl:"instance_name"`
	Zones        []ZoneBlock       `hcl:"zone,block"`
	Services     []ServiceBlock    `hcl:"service,block"`
	Dispatchers  []DispatcherBlock `hcl:"dispatcher,block"`
}

// ZoneBlock declares one zone. Subnet is a CIDR string; leaving it empty
// declares a subnet-less administrative zone.
type ZoneBlock struct {
	Name            string `hcl:"name,label"`
	UniqueName      string `hcl:"unique_name,optional"`
	Subnet          string `hcl:"subnet,optional"`
	AdminParentName string `hcl:"admin_parent,optional"`
}

// ServiceBlock declares one service. Kind is one of "proxy", "forward",
// "deny".
type ServiceBlock struct {
	Name         string   `hcl:"name,label"`
	Kind         string   `hcl:"kind"`
	SNATRanges   []string `hcl:"snat,optional"`
	DNATRanges   []string `hcl:"dnat,optional"`
	DenyMethodV4 string   `hcl:"deny_method_v4,optional"`
	DenyMethodV6 string   `hcl:"deny_method_v6,optional"`
}

// DispatcherBlock declares one dispatcher and its ordered rules.
type DispatcherBlock struct {
	Name  string      `hcl:"name,label"`
	Rules []RuleBlock `hcl:"rule,block"`
}

// RuleBlock declares one rule. Each dimension field is a list of OR'd
// alternatives; an empty list leaves that dimension a wildcard. Only the
// dimensions most bootstrap policies actually populate are exposed here:
// the zone, protocol, and port dimensions. The remaining nine are
// reachable through the same AddRuleEntry path a real control peer would
// use and don't need an HCL surface to be fully implemented by the core.
type RuleBlock struct {
	ID        uint32   `hcl:"id"`
	Service   string   `hcl:"service"`
	SrcZones  []string `hcl:"src_zones,optional"`
	DstZones  []string `hcl:"dst_zones,optional"`
	Protocols []int    `hcl:"protocols,optional"`
	SrcPorts  []string `hcl:"src_ports,optional"`
	DstPorts  []string `hcl:"dst_ports,optional"`
}

// Load parses path into a Document.
func Load(path string) (*Document, error) {
	var doc Document
	if err := hclsimple.DecodeFile(path, nil, &doc); err != nil {
		return nil, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "failed to decode bootstrap document")
	}
	return &doc, nil
}

// ServiceKind maps a Document's textual kind to service.Kind.
func ServiceKind(s string) (service.Kind, error) {
	switch s {
	case "proxy":
		return service.KindProxy, nil
	case "forward":
		return service.KindForward, nil
	case "deny":
		return service.KindDeny, nil
	default:
		return 0, kzerrors.Errorf(kzerrors.KindInvalidArgument, "unknown service kind %q", s)
	}
}

// DenyMethod maps a Document's textual deny method to service.DenyMethod.
func DenyMethod(s string) (service.DenyMethod, error) {
	switch s {
	case "", "silent_drop":
		return service.DenySilentDrop, nil
	case "tcp_reset":
		return service.DenyTCPReset, nil
	case "icmp_unreachable_net":
		return service.DenyICMPUnreachableNet, nil
	case "icmp_unreachable_host":
		return service.DenyICMPUnreachableHost, nil
	case "icmp_unreachable_port":
		return service.DenyICMPUnreachablePort, nil
	case "icmp_unreachable_admin":
		return service.DenyICMPUnreachableAdmin, nil
	default:
		return 0, kzerrors.Errorf(kzerrors.KindInvalidArgument, "unknown deny method %q", s)
	}
}

// ParseNATRange converts a "srcFrom-srcTo" address range string into a
// service.NATRange. Destination range and port remap are not exposed
// through the bootstrap document and stay zero-valued; a real control
// peer would submit them directly via AddServiceNatSrc/Dst.
func ParseNATRange(s string) (service.NATRange, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		to = from
	}
	return service.NATRange{SrcFrom: from, SrcTo: to}, nil
}

// RuleDimensionCounts returns the declared alternative capacity per
// dimension for a rule block, matching what AddRule expects.
func RuleDimensionCounts(r RuleBlock) [dispatcher.NumDimensions]int {
	var counts [dispatcher.NumDimensions]int
	counts[dispatcher.DimSrcZone] = len(r.SrcZones)
	counts[dispatcher.DimDstZone] = len(r.DstZones)
	counts[dispatcher.DimProtocol] = len(r.Protocols)
	counts[dispatcher.DimSrcPort] = len(r.SrcPorts)
	counts[dispatcher.DimDstPort] = len(r.DstPorts)
	return counts
}

// RuleEntries expands a rule block's dimension lists into the sequence
// of single-dimension AddRuleEntry maps a control peer would submit one
// call at a time.
func RuleEntries(r RuleBlock) ([]map[dispatcher.DimensionID]dispatcher.Alternative, error) {
	var out []map[dispatcher.DimensionID]dispatcher.Alternative

	for _, z := range r.SrcZones {
		out = append(out, map[dispatcher.DimensionID]dispatcher.Alternative{
			dispatcher.DimSrcZone: {ZoneName: z},
		})
	}
	for _, z := range r.DstZones {
		out = append(out, map[dispatcher.DimensionID]dispatcher.Alternative{
			dispatcher.DimDstZone: {ZoneName: z},
		})
	}
	for _, p := range r.Protocols {
		out = append(out, map[dispatcher.DimensionID]dispatcher.Alternative{
			dispatcher.DimProtocol: {Proto: uint8(p)},
		})
	}
	for _, p := range r.SrcPorts {
		from, to, err := parsePortRange(p)
		if err != nil {
			return nil, err
		}
		out = append(out, map[dispatcher.DimensionID]dispatcher.Alternative{
			dispatcher.DimSrcPort: {PortFrom: from, PortTo: to},
		})
	}
	for _, p := range r.DstPorts {
		from, to, err := parsePortRange(p)
		if err != nil {
			return nil, err
		}
		out = append(out, map[dispatcher.DimensionID]dispatcher.Alternative{
			dispatcher.DimDstPort: {PortFrom: from, PortTo: to},
		})
	}
	return out, nil
}

func parsePortRange(s string) (from, to uint16, err error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		hi = lo
	}
	fromN, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, 0, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "invalid port")
	}
	toN, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return 0, 0, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "invalid port")
	}
	return uint16(fromN), uint16(toN), nil
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command kzorpctl loads a declarative HCL bootstrap policy and replays
// it against a running kzorpd as a Start/AddZone/AddService/
// AddDispatcher/AddRule/AddRuleEntry/Commit sequence.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/netip"
	"net/rpc"

	"kzorp.dev/kzorp/internal/ctlplane"
	"kzorp.dev/kzorp/internal/ctlplane/bootstrap"
)

func main() {
	rpcAddr := flag.String("rpc-addr", "localhost:7777", "address of the running kzorpd control plane")
	path := flag.String("file", "", "path to the HCL bootstrap policy")
	flag.Parse()

	if *path == "" {
		log.Fatal("-file is required")
	}

	doc, err := bootstrap.Load(*path)
	if err != nil {
		log.Fatalf("failed to load bootstrap document: %v", err)
	}

	client, err := rpc.Dial("tcp", *rpcAddr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *rpcAddr, err)
	}
	defer client.Close()

	if err := apply(client, doc); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	fmt.Println("bootstrap applied")
}

// apply replays doc as a single transaction, aborting it on any failure
// so a partially-staged policy never reaches Commit.
func apply(client *rpc.Client, doc *bootstrap.Document) (err error) {
	if err := client.Call("Server.Start", &ctlplane.StartArgs{InstanceName: doc.InstanceName}, &ctlplane.StartReply{}); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	defer func() {
		if err != nil {
			// Closing the connection makes kzorpd's per-peer Server
			// abort the open transaction implicitly, so nothing staged
			// so far is committed.
			_ = client.Close()
		}
	}()

	for _, z := range doc.Zones {
		subnet, hasSubnet, err := parseSubnet(z.Subnet)
		if err != nil {
			return fmt.Errorf("zone %q: %w", z.Name, err)
		}
		args := ctlplane.AddZoneArgs{
			Name:            z.Name,
			UniqueName:      z.UniqueName,
			Subnet:          subnet,
			HasSubnet:       hasSubnet,
			AdminParentName: z.AdminParentName,
		}
		if err := client.Call("Server.AddZone", &args, &ctlplane.AddZoneReply{}); err != nil {
			return fmt.Errorf("zone %q: %w", z.Name, err)
		}
	}

	for _, svc := range doc.Services {
		if err := applyService(client, svc); err != nil {
			return err
		}
	}

	for _, d := range doc.Dispatchers {
		if err := applyDispatcher(client, d); err != nil {
			return err
		}
	}

	if err := client.Call("Server.Commit", &ctlplane.Empty{}, &ctlplane.Empty{}); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func applyService(client *rpc.Client, svc bootstrap.ServiceBlock) error {
	kind, err := bootstrap.ServiceKind(svc.Kind)
	if err != nil {
		return fmt.Errorf("service %q: %w", svc.Name, err)
	}
	denyV4, err := bootstrap.DenyMethod(svc.DenyMethodV4)
	if err != nil {
		return fmt.Errorf("service %q: %w", svc.Name, err)
	}
	denyV6, err := bootstrap.DenyMethod(svc.DenyMethodV6)
	if err != nil {
		return fmt.Errorf("service %q: %w", svc.Name, err)
	}

	args := ctlplane.AddServiceArgs{Name: svc.Name, Kind: kind, DenyMethodV4: denyV4, DenyMethodV6: denyV6}
	if err := client.Call("Server.AddService", &args, &ctlplane.AddServiceReply{}); err != nil {
		return fmt.Errorf("service %q: %w", svc.Name, err)
	}

	for _, r := range svc.SNATRanges {
		natRange, err := bootstrap.ParseNATRange(r)
		if err != nil {
			return fmt.Errorf("service %q snat: %w", svc.Name, err)
		}
		natArgs := ctlplane.AddServiceNatArgs{ServiceName: svc.Name, Range: natRange}
		if err := client.Call("Server.AddServiceNatSrc", &natArgs, &ctlplane.AddServiceNatReply{}); err != nil {
			return fmt.Errorf("service %q snat: %w", svc.Name, err)
		}
	}
	for _, r := range svc.DNATRanges {
		natRange, err := bootstrap.ParseNATRange(r)
		if err != nil {
			return fmt.Errorf("service %q dnat: %w", svc.Name, err)
		}
		natArgs := ctlplane.AddServiceNatArgs{ServiceName: svc.Name, Range: natRange}
		if err := client.Call("Server.AddServiceNatDst", &natArgs, &ctlplane.AddServiceNatReply{}); err != nil {
			return fmt.Errorf("service %q dnat: %w", svc.Name, err)
		}
	}
	return nil
}

func applyDispatcher(client *rpc.Client, d bootstrap.DispatcherBlock) error {
	args := ctlplane.AddDispatcherArgs{Name: d.Name, NumRulesPreallocated: len(d.Rules)}
	if err := client.Call("Server.AddDispatcher", &args, &ctlplane.AddDispatcherReply{}); err != nil {
		return fmt.Errorf("dispatcher %q: %w", d.Name, err)
	}

	for _, r := range d.Rules {
		ruleArgs := ctlplane.AddRuleArgs{
			DispatcherName:    d.Name,
			RuleID:            r.ID,
			ServiceName:       r.Service,
			AlternativeCounts: bootstrap.RuleDimensionCounts(r),
		}
		if err := client.Call("Server.AddRule", &ruleArgs, &ctlplane.AddRuleReply{}); err != nil {
			return fmt.Errorf("dispatcher %q rule %d: %w", d.Name, r.ID, err)
		}

		entries, err := bootstrap.RuleEntries(r)
		if err != nil {
			return fmt.Errorf("dispatcher %q rule %d: %w", d.Name, r.ID, err)
		}
		for _, e := range entries {
			entryArgs := ctlplane.AddRuleEntryArgs{DispatcherName: d.Name, RuleID: r.ID, Entries: e}
			if err := client.Call("Server.AddRuleEntry", &entryArgs, &ctlplane.AddRuleEntryReply{}); err != nil {
				return fmt.Errorf("dispatcher %q rule %d: %w", d.Name, r.ID, err)
			}
		}
	}
	return nil
}

func parseSubnet(s string) (netip.Prefix, bool, error) {
	if s == "" {
		return netip.Prefix{}, false, nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, false, fmt.Errorf("invalid subnet %q: %w", s, err)
	}
	return p, true, nil
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"sync/atomic"

	"kzorp.dev/kzorp/internal/dispatcher"
	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/matcher"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/txn"
	"kzorp.dev/kzorp/internal/zone"
)

const (
	versionMajor  = 1
	versionCompat = 1
)

var nextPeerID atomic.Uint64

// Server is the per-connection control-plane handler. One Server is
// created per accepted net/rpc connection (net.rpc.ServeConn serves each
// connection on its own goroutine, so the peer identity is implicit in
// which Server instance handles a call), and it owns at most one open
// transaction at a time.
type Server struct {
	peerID    uint64
	instances *instance.Registry
	manager   *txn.Manager
	tx        *txn.Txn
}

// NewServer allocates a fresh peer id and returns a Server bound to it.
func NewServer(manager *txn.Manager, instances *instance.Registry) *Server {
	return &Server{
		peerID:    nextPeerID.Add(1),
		instances: instances,
		manager:   manager,
	}
}

// Close implicitly aborts any open transaction and removes every bind
// this peer owns, modeling peer disconnect.
func (s *Server) Close() {
	if s.tx != nil {
		s.tx.Abort()
		s.tx = nil
	}
	for _, inst := range s.instances.All() {
		inst.RemoveBindsByPeer(s.peerID)
	}
}

// GetVersion answers the core's protocol version.
func (s *Server) GetVersion(_ *Empty, reply *GetVersionReply) error {
	reply.Major = versionMajor
	reply.Compat = versionCompat
	return nil
}

// Start opens a transaction for this peer.
func (s *Server) Start(args *StartArgs, _ *StartReply) error {
	if s.tx != nil {
		return kzerrors.Errorf(kzerrors.KindTransactionConflict, "peer %d already has an open transaction", s.peerID)
	}
	tx, err := s.manager.Start(s.peerID, args.InstanceName, args.Cookie)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

func (s *Server) requireTxn() (*txn.Txn, error) {
	if s.tx == nil {
		return nil, kzerrors.Errorf(kzerrors.KindNoTransaction, "peer %d has no open transaction", s.peerID)
	}
	return s.tx, nil
}

// Commit runs the commit algorithm and ends the transaction regardless of
// outcome.
func (s *Server) Commit(_ *Empty, _ *Empty) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	err = tx.Commit()
	s.tx = nil
	return err
}

func (s *Server) FlushZones(_ *Empty, _ *Empty) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	tx.FlushZones()
	return nil
}

func (s *Server) FlushServices(_ *Empty, _ *Empty) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	tx.FlushServices()
	return nil
}

func (s *Server) FlushDispatchers(_ *Empty, _ *Empty) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	tx.FlushDispatchers()
	return nil
}

func (s *Server) FlushBinds(_ *Empty, _ *Empty) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	tx.FlushBinds()
	return nil
}

func (s *Server) AddZone(args *AddZoneArgs, _ *AddZoneReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	return tx.AddZone(args.Name, args.UniqueName, args.Subnet, args.HasSubnet, args.AdminParentName)
}

func (s *Server) AddService(args *AddServiceArgs, _ *AddServiceReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	svc, err := tx.AddService(args.Name, args.Kind)
	if err != nil {
		return err
	}
	svc.PublicFlags = args.PublicFlags
	svc.SetSessions(args.SessionCount)
	svc.HasRouter = args.HasRouter
	svc.Router = args.Router
	svc.DenyMethodV4 = args.DenyMethodV4
	svc.DenyMethodV6 = args.DenyMethodV6
	return nil
}

func (s *Server) AddServiceNatSrc(args *AddServiceNatArgs, _ *AddServiceNatReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	return tx.AddServiceNatSrc(args.ServiceName, args.Range)
}

func (s *Server) AddServiceNatDst(args *AddServiceNatArgs, _ *AddServiceNatReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	return tx.AddServiceNatDst(args.ServiceName, args.Range)
}

func (s *Server) AddDispatcher(args *AddDispatcherArgs, _ *AddDispatcherReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	return tx.AddDispatcher(args.Name, args.NumRulesPreallocated)
}

func (s *Server) AddRule(args *AddRuleArgs, _ *AddRuleReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	return tx.AddRule(args.DispatcherName, args.RuleID, args.ServiceName, args.AlternativeCounts)
}

func (s *Server) AddRuleEntry(args *AddRuleEntryArgs, _ *AddRuleEntryReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	return tx.AddRuleEntry(args.DispatcherName, args.RuleID, args.Entries)
}

func (s *Server) AddBind(args *AddBindArgs, _ *AddBindReply) error {
	tx, err := s.requireTxn()
	if err != nil {
		return err
	}
	return tx.AddBind(args.Protocol, args.Address, args.Port)
}

// GetZone answers a single-zone lookup against the current snapshot.
func (s *Server) GetZone(args *GetZoneArgs, reply *GetZoneReply) error {
	snap := s.manager.Acquire()
	defer s.manager.Release(snap)

	z, ok := snap.ZoneIndex.ByName(args.Name)
	if !ok {
		return kzerrors.Errorf(kzerrors.KindNotFound, "zone %q not found", args.Name)
	}
	reply.Zone = zoneRecord(z)
	return nil
}

// DumpZones returns every zone in the current snapshot. Zone dumps are
// small enough in practice not to need the restartable cursor that
// dispatcher dumps use, but still take a single acquire/release pair so
// the list is consistent with one generation.
func (s *Server) DumpZones(_ *Empty, reply *DumpZonesReply) error {
	snap := s.manager.Acquire()
	defer s.manager.Release(snap)

	reply.Zones = make([]ZoneRecord, len(snap.Zones))
	for i, z := range snap.Zones {
		reply.Zones[i] = zoneRecord(z)
	}
	return nil
}

// GetService answers a single-service lookup.
func (s *Server) GetService(args *GetServiceArgs, reply *GetServiceReply) error {
	snap := s.manager.Acquire()
	defer s.manager.Release(snap)

	svc, ok := snap.ServiceIndex[args.Name]
	if !ok {
		return kzerrors.Errorf(kzerrors.KindNotFound, "service %q not found", args.Name)
	}
	reply.Service = serviceRecord(svc)
	return nil
}

func (s *Server) DumpServices(_ *Empty, reply *DumpServicesReply) error {
	snap := s.manager.Acquire()
	defer s.manager.Release(snap)

	reply.Services = make([]ServiceRecord, len(snap.Services))
	for i, svc := range snap.Services {
		reply.Services[i] = serviceRecord(svc)
	}
	return nil
}

func (s *Server) GetDispatcher(args *GetDispatcherArgs, reply *GetDispatcherReply) error {
	snap := s.manager.Acquire()
	defer s.manager.Release(snap)

	d, ok := snap.DispatcherIndex[args.Name]
	if !ok {
		return kzerrors.Errorf(kzerrors.KindNotFound, "dispatcher %q not found", args.Name)
	}
	reply.Dispatcher = dispatcherRecord(d)
	return nil
}

// DumpDispatchers implements the restartable dump: if the snapshot
// generation changes between calls, the cursor is reset to the beginning
// of the new generation instead of yielding a spliced view.
func (s *Server) DumpDispatchers(args *DumpDispatchersArgs, reply *DumpDispatchersReply) error {
	snap := s.manager.Acquire()
	defer s.manager.Release(snap)

	cursor := args.Cursor
	if cursor.Generation != snap.Generation() {
		cursor = DispatcherCursor{Generation: snap.Generation()}
		reply.Restarted = cursor.Generation != args.Cursor.Generation && args.Cursor.Generation != 0
	}

	const batchSize = 64
	var out []DispatcherRecord
	idx := cursor.DispatcherIdx
	for idx < len(snap.Dispatchers) && len(out) < batchSize {
		out = append(out, dispatcherRecord(snap.Dispatchers[idx]))
		idx++
	}

	reply.Dispatchers = out
	reply.NextCursor = DispatcherCursor{Generation: snap.Generation(), DispatcherIdx: idx}
	reply.Done = idx >= len(snap.Dispatchers)
	return nil
}

// Query classifies a packet against the current snapshot. It is
// read-only and never blocks.
func (s *Server) Query(args *QueryArgs, reply *QueryReply) error {
	snap := s.manager.Acquire()
	defer s.manager.Release(snap)

	v, ok := matcher.Match(snap, matcher.Packet{
		IngressIfName: args.IngressIfName,
		Protocol:      args.Protocol,
		SrcAddr:       args.SrcAddr,
		SrcPort:       args.SrcPort,
		DstAddr:       args.DstAddr,
		DstPort:       args.DstPort,
		ReqIDs:        args.ReqIDs,
	})
	reply.Matched = ok
	if !ok {
		return nil
	}
	reply.DispatcherName = v.Dispatcher.Name
	if v.ClientZone != nil {
		reply.ClientZone = v.ClientZone.UniqueName
	}
	if v.ServerZone != nil {
		reply.ServerZone = v.ServerZone.UniqueName
	}
	if v.Service != nil {
		reply.ServiceName = v.Service.Name
	}
	return nil
}

// GetBind answers a single-bind lookup by the bind's full identity.
func (s *Server) GetBind(args *GetBindArgs, reply *GetBindReply) error {
	inst, ok := s.instances.Get(args.InstanceName)
	if !ok {
		return kzerrors.Errorf(kzerrors.KindNotFound, "instance %q not found", args.InstanceName)
	}
	for _, b := range inst.Binds() {
		if b.Protocol == args.Protocol && b.Address == args.Address && b.Port == args.Port {
			reply.Bind = BindRecord{
				ID:           b.ID,
				InstanceName: inst.Name,
				Protocol:     b.Protocol,
				Address:      b.Address,
				Port:         b.Port,
			}
			return nil
		}
	}
	return kzerrors.Errorf(kzerrors.KindNotFound, "no bind %s:%d on instance %q", args.Address, args.Port, args.InstanceName)
}

// DumpBinds lists every bind across every registered instance.
func (s *Server) DumpBinds(_ *Empty, reply *DumpBindsReply) error {
	for _, inst := range s.instances.All() {
		for _, b := range inst.Binds() {
			reply.Binds = append(reply.Binds, BindRecord{
				ID:           b.ID,
				InstanceName: inst.Name,
				Protocol:     b.Protocol,
				Address:      b.Address,
				Port:         b.Port,
			})
		}
	}
	return nil
}

// zoneRecord converts a live Zone into its dump/Get wire representation.
func zoneRecord(z *zone.Zone) ZoneRecord {
	rec := ZoneRecord{
		Name:       z.Name,
		UniqueName: z.UniqueName,
		HasSubnet:  z.HasSubnet,
		Subnet:     z.Subnet,
		Depth:      z.Depth,
	}
	if z.Parent != nil {
		rec.AdminParentName = z.Parent.UniqueName
	}
	return rec
}

// serviceRecord converts a live Service into its dump/Get wire
// representation.
func serviceRecord(s *service.Service) ServiceRecord {
	return ServiceRecord{
		Name:         s.Name,
		Kind:         s.Kind,
		PublicFlags:  s.PublicFlags,
		SessionCount: s.Sessions(),
		SNAT:         s.SNAT,
		DNAT:         s.DNAT,
		HasRouter:    s.HasRouter,
		Router:       s.Router,
		DenyMethodV4: s.DenyMethodV4,
		DenyMethodV6: s.DenyMethodV6,
	}
}

// dispatcherRecord converts a live Dispatcher into its dump/Get wire
// representation, flattening every rule's populated dimensions into
// (dimension, alternative) pairs via the declarative dimension table.
func dispatcherRecord(d *dispatcher.Dispatcher) DispatcherRecord {
	rec := DispatcherRecord{Name: d.Name, Rules: make([]RuleRecord, len(d.Rules))}
	for i, r := range d.Rules {
		rr := RuleRecord{ID: r.ID, ServiceName: r.ServiceName}
		for dim := dispatcher.DimensionID(0); dim < dispatcher.NumDimensions; dim++ {
			for _, alt := range r.Dims[dim] {
				rr.Entries = append(rr.Entries, RuleEntryRecord{Dimension: dim, Alternative: alt})
			}
		}
		rec.Rules[i] = rr
	}
	return rec
}

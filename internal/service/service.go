// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package service implements the Service entity: a named action
// endpoint of kind Proxy, Forward, or Deny.
package service

import "sync/atomic"

// Kind is the variant discriminator for a Service.
type Kind int

const (
	KindProxy Kind = iota
	KindForward
	KindDeny
)

func (k Kind) String() string {
	switch k {
	case KindProxy:
		return "proxy"
	case KindForward:
		return "forward"
	case KindDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// DenyMethod enumerates how a Deny service disposes of a packet.
type DenyMethod int

const (
	DenySilentDrop DenyMethod = iota
	DenyTCPReset
	DenyICMPUnreachableNet
	DenyICMPUnreachableHost
	DenyICMPUnreachablePort
	DenyICMPUnreachableAdmin
)

// NATRange is one entry of a Forward service's SNAT/DNAT range list.
type NATRange struct {
	SrcFrom, SrcTo string // address range, string form (v4 or v6)
	DstFrom, DstTo string // optional; empty means "not set"
	PortFrom       uint16
	PortTo         uint16
	MapPort        bool // whether to remap the port along with the address
}

// Router is the optional non-transparent router target of a Forward
// service.
type Router struct {
	Address string
	Port    uint16
}

// Service is a named action endpoint. Name + OwnerInstanceID + Kind are
// fixed at construction; SessionCount is migrated across reconfigurations
// by the transaction manager when the service's name survives a commit.
type Service struct {
	Name            string
	OwnerInstanceID uint32
	Kind            Kind

	// ID is a stable identity that survives reconfiguration: a staged
	// service whose name matches a base service of the same instance
	// inherits the base's ID.
	ID uint64

	PublicFlags uint32 // fixed bitmask, opaque to the core

	// Forward fields.
	SNAT      []NATRange
	DNAT      []NATRange
	HasRouter bool
	Router    Router

	// Deny fields.
	DenyMethodV4 DenyMethod
	DenyMethodV6 DenyMethod

	sessions atomic.Int64
	refs     atomic.Int32
}

// New constructs a service with a refcount of one and zero sessions.
func New(name string, ownerInstanceID uint32, kind Kind) *Service {
	s := &Service{Name: name, OwnerInstanceID: ownerInstanceID, Kind: kind}
	s.refs.Store(1)
	return s
}

// CloneShallow produces a new Service value for the next snapshot,
// preserving ID and the migrated session counter, with a fresh refcount.
func (s *Service) CloneShallow() *Service {
	c := &Service{
		Name:            s.Name,
		OwnerInstanceID: s.OwnerInstanceID,
		Kind:            s.Kind,
		ID:              s.ID,
		PublicFlags:     s.PublicFlags,
		SNAT:            s.SNAT,
		DNAT:            s.DNAT,
		HasRouter:       s.HasRouter,
		Router:          s.Router,
		DenyMethodV4:    s.DenyMethodV4,
		DenyMethodV6:    s.DenyMethodV6,
	}
	c.refs.Store(1)
	c.sessions.Store(s.sessions.Load())
	return c
}

// Sessions returns the live session count.
func (s *Service) Sessions() int64 { return s.sessions.Load() }

// IncSessions increments the live session count and returns the new
// value. The verdict cache does not call it: caching a verdict retains
// the service but leaves this counter unchanged.
func (s *Service) IncSessions() int64 { return s.sessions.Add(1) }

// DecSessions decrements the live session count and returns the new
// value. Deleting a cached verdict does not call it.
func (s *Service) DecSessions() int64 { return s.sessions.Add(-1) }

// SetSessions forcibly sets the counter; used by the commit algorithm to
// migrate a base service's counter into its successor.
func (s *Service) SetSessions(n int64) { s.sessions.Store(n) }

// Retain increments the refcount.
func (s *Service) Retain() { s.refs.Add(1) }

// Release decrements the refcount and reports whether it reached zero.
func (s *Service) Release() bool { return s.refs.Add(-1) == 0 }

// RefCount returns the current reference count.
func (s *Service) RefCount() int32 { return s.refs.Load() }

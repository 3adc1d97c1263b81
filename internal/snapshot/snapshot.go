// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package snapshot implements the configuration snapshot: an immutable
// bundle of zones, services, dispatchers, and their lookup indexes,
// published atomically to readers that never take a lock.
package snapshot

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"kzorp.dev/kzorp/internal/dispatcher"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/zone"
)

// Snapshot is an immutable, atomically-published bundle of policy
// entities plus their lookup indexes. Once Freeze returns one, nothing
// about it changes again; the only mutable piece is the refcount
// governing its retirement.
type Snapshot struct {
	generation uint64

	Zones     []*zone.Zone
	ZoneIndex *zone.Index

	Services     []*service.Service
	ServiceIndex map[string]*service.Service

	Dispatchers     []*dispatcher.Dispatcher
	DispatcherIndex map[string]*dispatcher.Dispatcher

	refs atomic.Int32
}

// Generation returns the monotonically increasing generation number
// stamped on this snapshot.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Freeze builds the lookup indexes (zone name hash, zone address radix
// tree, service name hash, dispatcher name hash) and returns a frozen
// Snapshot ready for publication. generation must already be assigned
// by the caller (the transaction manager owns the counter).
func Freeze(generation uint64, zones []*zone.Zone, services []*service.Service, dispatchers []*dispatcher.Dispatcher) *Snapshot {
	s := &Snapshot{
		generation:      generation,
		Zones:           zones,
		Services:        services,
		Dispatchers:     dispatchers,
		ServiceIndex:    make(map[string]*service.Service, len(services)),
		DispatcherIndex: make(map[string]*dispatcher.Dispatcher, len(dispatchers)),
	}
	s.ZoneIndex = zone.BuildIndex(zones)
	for _, svc := range services {
		s.ServiceIndex[svc.Name] = svc
	}
	for _, d := range dispatchers {
		s.DispatcherIndex[d.Name] = d
	}
	return s
}

// retire releases this snapshot's references to every entity it owns,
// fanning the work out across an errgroup since a large snapshot can
// own thousands of zones, services, and dispatchers. It waits for every
// release to finish, so the caller of the last Release blocks until
// retirement is done.
func (s *Snapshot) retire() {
	var g errgroup.Group
	for _, z := range s.Zones {
		z := z
		g.Go(func() error { z.Release(); return nil })
	}
	for _, svc := range s.Services {
		svc := svc
		g.Go(func() error { svc.Release(); return nil })
	}
	for _, d := range s.Dispatchers {
		d := d
		g.Go(func() error { d.Release(); return nil })
	}
	_ = g.Wait() // the Go funcs above never return an error
}

// Publisher owns the process-wide "current snapshot" pointer. Acquire
// is the hot-path read: an atomic load plus an atomic increment, with
// no lock. Release is the matching decrement; when it drops a retired
// snapshot's count to zero, the snapshot's entities are released.
type Publisher struct {
	cur atomic.Pointer[Snapshot]
}

// NewPublisher creates a Publisher whose initial current snapshot is s.
func NewPublisher(s *Snapshot) *Publisher {
	s.refs.Store(1)
	p := &Publisher{}
	p.cur.Store(s)
	return p
}

// tryRetain pins s for a lock-free read, succeeding only if s has not
// already been fully retired (refs > 0). A blind Add(1) here would race
// against a concurrent Release that observes the count drop to zero and
// retires s's entities between this call's Load of the pointer and its
// increment, the same hazard verdictcache.Record.tryRetain guards
// against.
func (s *Snapshot) tryRetain() bool {
	for {
		old := s.refs.Load()
		if old <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// Acquire returns the current snapshot with an extra reference held on
// behalf of the caller. The caller must call Release when done. This is
// the only operation packet-path readers and query readers perform,
// and it never blocks. If the snapshot Acquire just loaded is retired
// out from under it before tryRetain lands, Publish has already swapped
// in the next one, so retrying p.cur.Load() picks it up.
func (p *Publisher) Acquire() *Snapshot {
	for {
		s := p.cur.Load()
		if s.tryRetain() {
			return s
		}
	}
}

// Release drops the caller's reference to s, retiring it if this was the
// last one.
func (p *Publisher) Release(s *Snapshot) {
	if s.refs.Add(-1) == 0 {
		s.retire()
	}
}

// Publish atomically swaps in next as the current snapshot and drops
// the publisher's own reference to the previous one; it is retired once
// every reader that acquired it before the swap has released it.
func (p *Publisher) Publish(next *Snapshot) {
	next.refs.Store(1)
	old := p.cur.Swap(next)
	p.Release(old)
}

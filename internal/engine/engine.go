// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine wires together the three process-wide singletons kzorp
// owns: the current snapshot, the instance list, and the verdict cache,
// along with the transaction manager that mutates the first and the
// metrics registry that describes all three. It is created once at
// startup and handed around instead of letting callers reach for
// package-level globals.
package engine

import (
	"net/netip"

	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/logging"
	"kzorp.dev/kzorp/internal/matcher"
	"kzorp.dev/kzorp/internal/metrics"
	"kzorp.dev/kzorp/internal/snapshot"
	"kzorp.dev/kzorp/internal/txn"
	"kzorp.dev/kzorp/internal/verdictcache"
)

// DefaultCacheBuckets is the fixed bucket count for the verdict cache,
// chosen generously since the table never rehashes.
const DefaultCacheBuckets = 1 << 16

// Engine owns the process-wide singletons and the metrics registry
// describing them. It is created once at process start and torn down at
// shutdown; the control-plane server, the conntrack adapter, and the
// matcher are all handed a reference to it rather than reaching for
// package-level globals.
type Engine struct {
	Manager   *txn.Manager
	Instances *instance.Registry
	Cache     *verdictcache.Table
	Metrics   *metrics.Registry
	Logger    *logging.Logger
}

// New creates an Engine with an empty, generation-zero snapshot as the
// initial current snapshot, ready for a control peer to populate via a
// transaction.
func New(logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	empty := snapshot.Freeze(0, nil, nil, nil)
	instances := instance.NewRegistry()
	manager := txn.NewManager(snapshot.NewPublisher(empty), instances)
	reg := metrics.NewRegistry()
	manager.SetMetrics(reg)

	return &Engine{
		Manager:   manager,
		Instances: instances,
		Cache:     verdictcache.NewTable(DefaultCacheBuckets),
		Metrics:   reg,
		Logger:    logger.With("component", "engine"),
	}
}

// ConnKey identifies a live connection the way the external connection
// tracker does: a flow tuple plus the conntrack zone tag. It is the
// engine-level counterpart of verdictcache.Key, kept separate so
// internal/conntrack doesn't need to import internal/verdictcache
// directly.
type ConnKey struct {
	Proto      uint8
	SrcAddr    netip.Addr
	SrcPort    uint16
	DstAddr    netip.Addr
	DstPort    uint16
	TenancyTag uint32
}

func (k ConnKey) cacheKey() verdictcache.Key {
	return verdictcache.Key{
		Proto:      k.Proto,
		SrcAddr:    k.SrcAddr,
		SrcPort:    k.SrcPort,
		DstAddr:    k.DstAddr,
		DstPort:    k.DstPort,
		TenancyTag: k.TenancyTag,
	}
}

// OnNewConnection implements the tracker callback for "a new connection
// appeared". It classifies the connection against the current snapshot
// via the matcher and installs the result in the verdict cache, keyed by
// both flow directions, then releases its snapshot reference; the cache
// itself, not the caller, now holds the entities the verdict refers to.
// A connection that already has a cached verdict is left as it is.
func (e *Engine) OnNewConnection(original, reply ConnKey, pkt matcher.Packet) {
	if _, cached := e.Cache.Lookup(original.cacheKey()); cached {
		return
	}
	snap := e.Manager.Acquire()
	defer e.Manager.Release(snap)

	v, ok := matcher.Match(snap, pkt)
	e.Metrics.ObserveMatch(ok)
	if !ok {
		return
	}
	e.Cache.Insert(original.cacheKey(), reply.cacheKey(), v)
	e.Metrics.ObserveCacheInsert()
}

// OnDestroyConnection implements the tracker callback for "a connection
// is being destroyed", unlinking both direction-slots of the cached
// verdict, if any.
func (e *Engine) OnDestroyConnection(original ConnKey) {
	if _, cached := e.Cache.Lookup(original.cacheKey()); !cached {
		return
	}
	e.Cache.Delete(original.cacheKey())
	e.Metrics.ObserveCacheDelete()
}

// Lookup implements the tracker callback for "look up the connection's
// tuple and tenancy tag" from the fast path: a lock-free read against the
// verdict cache, with no snapshot acquisition at all since the cached
// verdict already carries the strong references it needs.
func (e *Engine) Lookup(k ConnKey) (matcher.Verdict, bool) {
	v, ok := e.Cache.Lookup(k.cacheKey())
	e.Metrics.ObserveCacheLookup(ok)
	return v, ok
}

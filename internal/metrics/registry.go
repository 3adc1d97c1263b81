// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the counters and gauges describing kzorp's
// verdicts: commit outcomes, match results, and verdict cache activity.
// Registry is a struct of pre-registered prometheus.Collector fields
// built once by a constructor, rather than a lazily-populated map.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every Prometheus collector kzorp registers. It is safe
// for concurrent use: every field is itself a prometheus.Collector, which
// guarantees its own internal synchronization.
type Registry struct {
	reg *prometheus.Registry

	CommitsTotal       *prometheus.CounterVec // label "outcome": commit | abort
	CommitAbortReasons *prometheus.CounterVec // label "kind": the errors.Kind string

	MatchesTotal  *prometheus.CounterVec // label "result": matched | unmatched
	CacheInserts  prometheus.Counter
	CacheDeletes  prometheus.Counter
	CacheLookups  *prometheus.CounterVec // label "result": hit | miss
	CacheOccupied prometheus.Gauge

	SnapshotGeneration prometheus.Gauge
}

// NewRegistry builds and registers every collector against a fresh
// prometheus.Registry. Using a private registry instead of the global
// default keeps kzorp's metrics independent of whatever else shares the
// process.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kzorp_commits_total",
			Help: "Total number of transaction commit attempts, by outcome.",
		}, []string{"outcome"}),
		CommitAbortReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kzorp_commit_abort_reasons_total",
			Help: "Total number of aborted commits, by error kind.",
		}, []string{"kind"}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kzorp_matcher_evaluations_total",
			Help: "Total number of packet classifications, by whether a rule matched.",
		}, []string{"result"}),
		CacheInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kzorp_verdict_cache_inserts_total",
			Help: "Total number of verdict records installed in the cache.",
		}),
		CacheDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kzorp_verdict_cache_deletes_total",
			Help: "Total number of verdict records evicted from the cache.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kzorp_verdict_cache_lookups_total",
			Help: "Total number of verdict cache lookups, by hit or miss.",
		}, []string{"result"}),
		CacheOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kzorp_verdict_cache_occupied_connections",
			Help: "Current number of connections with a cached verdict.",
		}),
		SnapshotGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kzorp_snapshot_generation",
			Help: "Generation number of the currently published configuration snapshot.",
		}),
	}

	reg.MustRegister(
		r.CommitsTotal,
		r.CommitAbortReasons,
		r.MatchesTotal,
		r.CacheInserts,
		r.CacheDeletes,
		r.CacheLookups,
		r.CacheOccupied,
		r.SnapshotGeneration,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Registry for an HTTP
// /metrics handler (promhttp.HandlerFor) without letting callers register
// arbitrary additional collectors against it.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveCommit records a transaction outcome: "commit" on success,
// "abort" on any failure, with the error kind broken out separately for
// abort triage.
func (r *Registry) ObserveCommit(ok bool, abortKind string) {
	if ok {
		r.CommitsTotal.WithLabelValues("commit").Inc()
		return
	}
	r.CommitsTotal.WithLabelValues("abort").Inc()
	if abortKind != "" {
		r.CommitAbortReasons.WithLabelValues(abortKind).Inc()
	}
}

// ObserveMatch records one matcher evaluation.
func (r *Registry) ObserveMatch(matched bool) {
	if matched {
		r.MatchesTotal.WithLabelValues("matched").Inc()
		return
	}
	r.MatchesTotal.WithLabelValues("unmatched").Inc()
}

// ObserveCacheInsert records a verdict cache insertion.
func (r *Registry) ObserveCacheInsert() {
	r.CacheInserts.Inc()
	r.CacheOccupied.Inc()
}

// ObserveCacheDelete records a verdict cache eviction.
func (r *Registry) ObserveCacheDelete() {
	r.CacheDeletes.Inc()
	r.CacheOccupied.Dec()
}

// ObserveCacheLookup records a verdict cache lookup outcome.
func (r *Registry) ObserveCacheLookup(hit bool) {
	if hit {
		r.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	r.CacheLookups.WithLabelValues("miss").Inc()
}

// ObserveSnapshotGeneration records the generation of the snapshot just
// published.
func (r *Registry) ObserveSnapshotGeneration(gen uint64) {
	r.SnapshotGeneration.Set(float64(gen))
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package verdictcache

import (
	"sync"
	"sync/atomic"

	"kzorp.dev/kzorp/internal/matcher"
)

// Record is the cached outcome of classifying one connection. It is
// linked into the table from two bucket slots, one per flow direction,
// and is retired via deferred reclamation once both slots have been
// unlinked and every reader that had a pointer to it has let go.
type Record struct {
	Verdict matcher.Verdict

	// Original and Reply are the two flow tuples this record is indexed
	// under. Because freed records are reused immediately for a
	// different connection, a reader must recheck these against its own
	// key after pinning the record: a successful tryRetain alone only
	// proves the record is live, not that it is still the record for the
	// key the reader's chain node named.
	Original Key
	Reply    Key

	// refs starts at 2 (one per direction slot) and is decremented once
	// per slot on Delete; it never reaches zero while either slot is
	// still linked, so a reader that dereferences a pointer obtained
	// from a bucket chain always finds a live Verdict.
	refs atomic.Int32
}

// hasKey reports whether k is one of the two flow tuples this record is
// currently indexed under.
func (r *Record) hasKey(k Key) bool {
	return r.Original == k || r.Reply == k
}

func (r *Record) retainEntities() {
	if r.Verdict.ClientZone != nil {
		r.Verdict.ClientZone.Retain()
	}
	if r.Verdict.ServerZone != nil {
		r.Verdict.ServerZone.Retain()
	}
	if r.Verdict.Service != nil {
		r.Verdict.Service.Retain()
	}
	if r.Verdict.Dispatcher != nil {
		r.Verdict.Dispatcher.Retain()
	}
}

func (r *Record) releaseEntities() {
	if r.Verdict.ClientZone != nil {
		r.Verdict.ClientZone.Release()
	}
	if r.Verdict.ServerZone != nil {
		r.Verdict.ServerZone.Release()
	}
	if r.Verdict.Service != nil {
		r.Verdict.Service.Release()
	}
	if r.Verdict.Dispatcher != nil {
		r.Verdict.Dispatcher.Release()
	}
}

func (r *Record) reset() {
	r.Verdict = matcher.Verdict{}
	r.Original = Key{}
	r.Reply = Key{}
	r.refs.Store(0)
}

// tryRetain pins rec for a lock-free read, succeeding only if the record
// has not yet been fully unlinked (refs > 0). This is the lookup-side
// half of a get-unless-zero protocol: a reader that fails to retain
// treats the record as already gone rather than risk reading it
// mid-reuse, since freed records may be reused immediately for a
// different key.
func (r *Record) tryRetain() bool {
	for {
		old := r.refs.Load()
		if old <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// release drops one reference, returning the record to the slab once
// the count reaches zero, whether the decrement came from Delete
// unlinking a direction-slot or from a Lookup releasing the pin it took
// via tryRetain. Whichever decrement observes the transition to exactly
// zero is the sole one that frees; since every increment is balanced by
// exactly one release, the count can never go negative or be freed
// twice.
func (r *Record) release() {
	if r.refs.Add(-1) == 0 {
		r.releaseEntities()
		putRecord(r)
	}
}

// recordPool is the slab: freed records are handed back here and may be
// reused immediately for a different key, which is exactly why every
// reader must recheck the key on the node pointing at a record before
// trusting its Verdict.
var recordPool = sync.Pool{
	New: func() any { return &Record{} },
}

func getRecord() *Record {
	return recordPool.Get().(*Record)
}

func putRecord(r *Record) {
	r.reset()
	recordPool.Put(r)
}

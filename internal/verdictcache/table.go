// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package verdictcache

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"kzorp.dev/kzorp/internal/matcher"
)

// node is one bucket-chain entry. A chain ends in a terminal node
// carrying the bucket index it belongs to instead of a bare nil, so a
// reader that reaches the end can tell whether it is still on the chain
// it started walking.
type node struct {
	terminal  bool
	bucketIdx int

	key  Key
	rec  *Record
	next atomic.Pointer[node]
}

// getNode allocates a fresh chain node. Unlike Record, nodes are not
// pooled: a node's plain fields (key, rec) are never rewritten once
// linked, so an unlinked node left for the garbage collector is always
// safe for a reader still chasing an old chain segment to dereference.
// Recycling nodes through a pool would reintroduce exactly the kind of
// torn read that tryRetain exists to prevent for Record, for no benefit:
// nodes are cheap and short-lived compared to the Record they point to.
func getNode(key Key, rec *Record) *node {
	return &node{key: key, rec: rec}
}

type bucket struct {
	mu   sync.Mutex // short, bounded
	head atomic.Pointer[node]
}

// Table is the fixed-bucket open hash table. The bucket count never
// changes after NewTable, so there is no rehashing: the only reason a
// reader ever needs to restart is a concurrent writer splicing the exact
// chain it is walking.
type Table struct {
	buckets []bucket
	seed    maphash.Seed
}

// NewTable creates a Table with numBuckets fixed buckets, each terminated
// by a sentinel node carrying its own index.
func NewTable(numBuckets int) *Table {
	if numBuckets <= 0 {
		numBuckets = 1
	}
	t := &Table{
		buckets: make([]bucket, numBuckets),
		seed:    maphash.MakeSeed(),
	}
	for i := range t.buckets {
		t.buckets[i].head.Store(&node{terminal: true, bucketIdx: i})
	}
	return t
}

func (t *Table) bucketIndex(k Key) int {
	var h maphash.Hash
	h.SetSeed(t.seed)
	_, _ = h.Write(k.SrcAddr.AsSlice())
	_, _ = h.Write(k.DstAddr.AsSlice())
	var buf [9]byte
	buf[0] = k.Proto
	buf[1] = byte(k.SrcPort)
	buf[2] = byte(k.SrcPort >> 8)
	buf[3] = byte(k.DstPort)
	buf[4] = byte(k.DstPort >> 8)
	buf[5] = byte(k.TenancyTag)
	buf[6] = byte(k.TenancyTag >> 8)
	buf[7] = byte(k.TenancyTag >> 16)
	buf[8] = byte(k.TenancyTag >> 24)
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(len(t.buckets)))
}

// Insert builds a Record for v and links it into both the original and
// reply buckets: each record occupies two bucket slots, one per flow
// direction. The caller must already have confirmed no record exists for
// this connection; Insert does not check.
func (t *Table) Insert(original, reply Key, v matcher.Verdict) *Record {
	rec := getRecord()
	rec.Verdict = v
	rec.Original = original
	rec.Reply = reply
	rec.retainEntities()
	// The refs store publishes the record: a lagging reader still holding
	// a node that pointed at this pooled record before its reuse may
	// tryRetain the moment refs goes positive, so Verdict and both keys
	// must be in place first.
	rec.refs.Store(2)

	t.insertSlot(original, rec)
	t.insertSlot(reply, rec)
	return rec
}

func (t *Table) insertSlot(k Key, rec *Record) {
	b := &t.buckets[t.bucketIndex(k)]
	n := getNode(k, rec)

	b.mu.Lock()
	n.next.Store(b.head.Load())
	b.head.Store(n)
	b.mu.Unlock()
}

// Lookup walks the bucket for k without taking any lock, comparing
// entries by full key equality. If it reaches a terminal sentinel whose
// bucket index doesn't match k's bucket, meaning a concurrent writer
// spliced the chain out from under it, it restarts from the head.
func (t *Table) Lookup(k Key) (matcher.Verdict, bool) {
	idx := t.bucketIndex(k)
	for {
		b := &t.buckets[idx]
		n := b.head.Load()
		found, ok, restart := walk(n, idx, k)
		if restart {
			continue
		}
		return found, ok
	}
}

// walk finds the entry for k in the chain headed by n. A matching
// node's record is only read after a successful tryRetain, and the key
// is rechecked against the record itself after the pin lands: between
// the node's key comparison and the retain, Delete may have freed the
// record and a concurrent Insert reused it for a different connection,
// in which case tryRetain succeeds on the new incarnation. The recheck
// catches that reuse and reports a miss for k.
func walk(n *node, idx int, k Key) (matcher.Verdict, bool, bool) {
	for {
		if n.terminal {
			if n.bucketIdx != idx {
				return matcher.Verdict{}, false, true
			}
			return matcher.Verdict{}, false, false
		}
		if n.key == k {
			rec := n.rec
			if !rec.tryRetain() {
				return matcher.Verdict{}, false, false
			}
			if !rec.hasKey(k) {
				rec.release()
				return matcher.Verdict{}, false, false
			}
			v := rec.Verdict
			rec.release()
			return v, true, false
		}
		n = n.next.Load()
	}
}

// Delete unlinks both direction-slots of the connection keyed by
// original (and its reverse), releasing the record's retained entity
// references once both slots are gone. It is a no-op if the connection
// isn't cached. Each unlinked slot drops one reference via
// Record.release, which only returns the record to the slab once every
// slot, and every Lookup that had pinned it via tryRetain, has let go.
func (t *Table) Delete(original Key) {
	if rec := t.deleteSlot(original); rec != nil {
		rec.release()
	}
	if rec := t.deleteSlot(original.Reverse()); rec != nil {
		rec.release()
	}
}

func (t *Table) deleteSlot(k Key) *Record {
	idx := t.bucketIndex(k)
	b := &t.buckets[idx]

	b.mu.Lock()
	defer b.mu.Unlock()

	var prev *node
	n := b.head.Load()
	for !n.terminal {
		if n.key == k {
			if prev == nil {
				b.head.Store(n.next.Load())
			} else {
				prev.next.Store(n.next.Load())
			}
			return n.rec
		}
		prev = n
		n = n.next.Load()
	}
	return nil
}

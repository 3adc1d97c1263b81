// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package verdictcache

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kzorp.dev/kzorp/internal/matcher"
	"kzorp.dev/kzorp/internal/service"
)

func testKeys() (Key, Key) {
	original := Key{
		Proto:   6,
		SrcAddr: netip.MustParseAddr("10.0.0.1"),
		SrcPort: 1000,
		DstAddr: netip.MustParseAddr("10.0.0.2"),
		DstPort: 80,
	}
	return original, original.Reverse()
}

// TestCacheCoherence checks that lookups by the original and reply
// tuple return the same verdict record until destroy, after which
// neither lookup succeeds.
func TestCacheCoherence(t *testing.T) {
	tbl := NewTable(16)
	original, reply := testKeys()
	svc := service.New("web", 1, service.KindProxy)
	v := matcher.Verdict{Service: svc}

	tbl.Insert(original, reply, v)

	got, ok := tbl.Lookup(original)
	require.True(t, ok)
	assert.Same(t, svc, got.Service)

	got, ok = tbl.Lookup(reply)
	require.True(t, ok)
	assert.Same(t, svc, got.Service)

	assert.Equal(t, int32(2), svc.RefCount(), "insert retains the service once on behalf of the record, regardless of slot count")

	tbl.Delete(original)

	_, ok = tbl.Lookup(original)
	assert.False(t, ok)
	_, ok = tbl.Lookup(reply)
	assert.False(t, ok)

	assert.Equal(t, int32(1), svc.RefCount(), "deletion releases the record's retained reference")
}

// TestRecord_KeysClearedOnFree models the stale-reader side of the
// reuse race: once a record has been fully unlinked and returned to the
// slab, it no longer answers hasKey for the destroyed connection's
// tuples, so a reader that pinned it late reports a miss instead of
// another connection's verdict.
func TestRecord_KeysClearedOnFree(t *testing.T) {
	tbl := NewTable(16)
	original, reply := testKeys()

	rec := tbl.Insert(original, reply, matcher.Verdict{})
	assert.True(t, rec.hasKey(original))
	assert.True(t, rec.hasKey(reply))

	tbl.Delete(original)

	assert.False(t, rec.hasKey(original))
	assert.False(t, rec.hasKey(reply))
}

func TestTable_LookupMissReturnsFalse(t *testing.T) {
	tbl := NewTable(4)
	k, _ := testKeys()
	_, ok := tbl.Lookup(k)
	assert.False(t, ok)
}

func TestTable_DeleteUnknownConnectionIsNoop(t *testing.T) {
	tbl := NewTable(4)
	k, _ := testKeys()
	assert.NotPanics(t, func() { tbl.Delete(k) })
}

func TestTable_DistinctConnectionsDoNotCollideAcrossBuckets(t *testing.T) {
	tbl := NewTable(8)
	a := Key{Proto: 6, SrcAddr: netip.MustParseAddr("10.0.0.1"), SrcPort: 1, DstAddr: netip.MustParseAddr("10.0.0.2"), DstPort: 2}
	b := Key{Proto: 6, SrcAddr: netip.MustParseAddr("10.0.0.3"), SrcPort: 3, DstAddr: netip.MustParseAddr("10.0.0.4"), DstPort: 4}

	svcA := service.New("a", 1, service.KindProxy)
	svcB := service.New("b", 1, service.KindProxy)
	tbl.Insert(a, a.Reverse(), matcher.Verdict{Service: svcA})
	tbl.Insert(b, b.Reverse(), matcher.Verdict{Service: svcB})

	got, ok := tbl.Lookup(a)
	require.True(t, ok)
	assert.Same(t, svcA, got.Service)

	got, ok = tbl.Lookup(b)
	require.True(t, ok)
	assert.Same(t, svcB, got.Service)

	tbl.Delete(a)
	_, ok = tbl.Lookup(a)
	assert.False(t, ok)
	got, ok = tbl.Lookup(b)
	require.True(t, ok, "deleting one connection must not disturb another in a different bucket slot")
	assert.Same(t, svcB, got.Service)
}

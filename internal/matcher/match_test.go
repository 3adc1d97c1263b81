// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package matcher

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kzorp.dev/kzorp/internal/dispatcher"
	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/snapshot"
	"kzorp.dev/kzorp/internal/txn"
)

// buildOfficeZoneSnapshot commits a zone hierarchy (internet, with an
// office subnet beneath it) and a single dispatcher rule restricting a
// proxy service to traffic sourced from the office zone, then returns
// the resulting snapshot.
func buildOfficeZoneSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	empty := snapshot.Freeze(0, nil, nil, nil)
	m := txn.NewManager(snapshot.NewPublisher(empty), instance.NewRegistry())

	tx, err := m.Start(1, "inst", 0)
	require.NoError(t, err)
	require.NoError(t, tx.AddZone("internet", "internet", netip.MustParsePrefix("0.0.0.0/0"), true, ""))
	require.NoError(t, tx.AddZone("office", "office", netip.MustParsePrefix("10.0.0.0/8"), true, "internet"))
	_, err = tx.AddService("web", service.KindProxy)
	require.NoError(t, err)
	require.NoError(t, tx.AddDispatcher("d", 1))

	counts := [dispatcher.NumDimensions]int{}
	counts[dispatcher.DimSrcZone] = 1
	require.NoError(t, tx.AddRule("d", 1, "web", counts))
	require.NoError(t, tx.AddRuleEntry("d", 1, map[dispatcher.DimensionID]dispatcher.Alternative{
		dispatcher.DimSrcZone: {ZoneName: "office"},
	}))
	require.NoError(t, tx.Commit())

	s := m.Acquire()
	t.Cleanup(func() { m.Release(s) })
	return s
}

func TestMatch_SrcZoneDimensionAcceptsZoneMember(t *testing.T) {
	snap := buildOfficeZoneSnapshot(t)

	pkt := Packet{
		IngressIfName: "eth0",
		Protocol:      6,
		SrcAddr:       netip.MustParseAddr("10.1.2.3"),
		DstAddr:       netip.MustParseAddr("8.8.8.8"),
		DstPort:       80,
	}
	v, ok := Match(snap, pkt)
	require.True(t, ok)
	assert.Equal(t, "d", v.Dispatcher.Name)
	assert.Equal(t, uint32(1), v.Rule.ID)
	assert.Equal(t, "office", v.ClientZone.UniqueName)
	assert.Equal(t, "internet", v.ServerZone.UniqueName)
	assert.Equal(t, "web", v.Service.Name)
}

func TestMatch_SrcZoneDimensionRejectsOutsideZone(t *testing.T) {
	snap := buildOfficeZoneSnapshot(t)

	pkt := Packet{
		Protocol: 6,
		SrcAddr:  netip.MustParseAddr("203.0.113.5"), // not under office
		DstAddr:  netip.MustParseAddr("8.8.8.8"),
		DstPort:  80,
	}
	_, ok := Match(snap, pkt)
	assert.False(t, ok)
}

func TestMatch_FirstMatchWins(t *testing.T) {
	empty := snapshot.Freeze(0, nil, nil, nil)
	m := txn.NewManager(snapshot.NewPublisher(empty), instance.NewRegistry())

	tx, err := m.Start(1, "inst", 0)
	require.NoError(t, err)
	_, err = tx.AddService("a", service.KindProxy)
	require.NoError(t, err)
	_, err = tx.AddService("b", service.KindProxy)
	require.NoError(t, err)
	require.NoError(t, tx.AddDispatcher("d", 2))
	require.NoError(t, tx.AddRule("d", 1, "a", [dispatcher.NumDimensions]int{}))
	require.NoError(t, tx.AddRule("d", 2, "b", [dispatcher.NumDimensions]int{}))
	require.NoError(t, tx.Commit())

	snap := m.Acquire()
	defer m.Release(snap)

	v, ok := Match(snap, Packet{Protocol: 6})
	require.True(t, ok)
	assert.Equal(t, uint32(1), v.Rule.ID, "both rules are wildcards; rule 1 must win")
	assert.Equal(t, "a", v.Service.Name)
}

func TestMatch_WildcardDimensionAlwaysMatches(t *testing.T) {
	snap := buildOfficeZoneSnapshot(t)
	pkt := Packet{
		IngressIfName: "anything-goes",
		Protocol:      17,
		SrcAddr:       netip.MustParseAddr("10.9.9.9"),
		DstAddr:       netip.MustParseAddr("1.1.1.1"),
		DstPort:       53,
	}
	v, ok := Match(snap, pkt)
	require.True(t, ok, "every dimension but src-zone is a wildcard and should match regardless of ifname/protocol/port")
	assert.Equal(t, "web", v.Service.Name)
}

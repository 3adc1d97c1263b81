// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package txn

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kzorp.dev/kzorp/internal/dispatcher"
	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/snapshot"
)

func newTestManager() *Manager {
	empty := snapshot.Freeze(0, nil, nil, nil)
	return NewManager(snapshot.NewPublisher(empty), instance.NewRegistry())
}

// TestCommit_ZoneHierarchyAndDispatch builds a zone forest, one proxy
// service, and one dispatcher with a single src-zone rule, all in one
// transaction, and checks that the committed snapshot links the rule's
// zone and service references correctly.
func TestCommit_ZoneHierarchyAndDispatch(t *testing.T) {
	m := newTestManager()

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

	current := m.publisher.Acquire()
	defer m.publisher.Release(current)

	assert.Equal(t, uint64(1), current.Generation())
	d, ok := current.DispatcherIndex["d"]
	require.True(t, ok)
	require.Len(t, d.Rules, 1)
	assert.Same(t, current.ServiceIndex["web"], d.Rules[0].Service)
	require.Len(t, d.Rules[0].SrcZones, 1)
	assert.Equal(t, "office", d.Rules[0].SrcZones[0].UniqueName)
	assert.Equal(t, "internet", d.Rules[0].SrcZones[0].Parent.UniqueName)
}

// TestAddRule_UnknownServiceRejectedEagerly checks that a rule
// referencing an unknown service name is rejected at AddRule time,
// before commit is even offered.
func TestAddRule_UnknownServiceRejectedEagerly(t *testing.T) {
	m := newTestManager()
	tx, err := m.Start(1, "inst", 0)
	require.NoError(t, err)

	require.NoError(t, tx.AddDispatcher("d", 1))
	err = tx.AddRule("d", 1, "ghost", [dispatcher.NumDimensions]int{})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindNotFound, kzerrors.GetKind(err))
}

// TestCommit_EmptyTransactionAdvancesGeneration checks that a commit
// with no staged operations still succeeds and advances the generation
// by exactly one, leaving contents unchanged.
func TestCommit_EmptyTransactionAdvancesGeneration(t *testing.T) {
	m := newTestManager()
	tx, err := m.Start(1, "inst", 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	current := m.publisher.Acquire()
	defer m.publisher.Release(current)
	assert.Equal(t, uint64(1), current.Generation())
	assert.Empty(t, current.Zones)
	assert.Empty(t, current.Services)
	assert.Empty(t, current.Dispatchers)
}

// TestCommit_FlushServicesDropsPriorSameInstanceServices checks that
// FlushServices drops prior same-instance services at commit while a
// new one staged in their place survives.
func TestCommit_FlushServicesDropsPriorSameInstanceServices(t *testing.T) {
	m := newTestManager()

	tx1, err := m.Start(1, "inst", 0)
	require.NoError(t, err)
	oldWeb, err := tx1.AddService("web", service.KindProxy)
	require.NoError(t, err)
	oldWeb.IncSessions()
	require.NoError(t, tx1.Commit())

	tx2, err := m.Start(2, "inst", 0)
	require.NoError(t, err)
	tx2.FlushServices()
	newWeb, err := tx2.AddService("web", service.KindDeny)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	current := m.publisher.Acquire()
	defer m.publisher.Release(current)
	require.Len(t, current.Services, 1)
	assert.Same(t, newWeb, current.Services[0])
	assert.Equal(t, service.KindDeny, current.Services[0].Kind)
}

// TestAddRuleEntry_RejectsMalformedAlternatives checks the
// InvalidArgument taxonomy at submission time: inverted port ranges and
// family-mismatched subnets never reach the commit algorithm.
func TestAddRuleEntry_RejectsMalformedAlternatives(t *testing.T) {
	m := newTestManager()
	tx, err := m.Start(1, "inst", 0)
	require.NoError(t, err)

	_, err = tx.AddService("web", service.KindProxy)
	require.NoError(t, err)
	require.NoError(t, tx.AddDispatcher("d", 1))

	counts := [dispatcher.NumDimensions]int{}
	counts[dispatcher.DimDstPort] = 1
	counts[dispatcher.DimSrcIPv4] = 1
	require.NoError(t, tx.AddRule("d", 1, "web", counts))

	err = tx.AddRuleEntry("d", 1, map[dispatcher.DimensionID]dispatcher.Alternative{
		dispatcher.DimDstPort: {PortFrom: 443, PortTo: 80},
	})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindInvalidArgument, kzerrors.GetKind(err))

	err = tx.AddRuleEntry("d", 1, map[dispatcher.DimensionID]dispatcher.Alternative{
		dispatcher.DimSrcIPv4: {Subnet: netip.MustParsePrefix("2001:db8::/32")},
	})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindInvalidArgument, kzerrors.GetKind(err))

	require.NoError(t, tx.AddRuleEntry("d", 1, map[dispatcher.DimensionID]dispatcher.Alternative{
		dispatcher.DimDstPort: {PortFrom: 80, PortTo: 443},
		dispatcher.DimSrcIPv4: {Subnet: netip.MustParsePrefix("10.0.0.0/8")},
	}))
}

// TestAddZone_NameBounds checks the control-plane name length bound.
func TestAddZone_NameBounds(t *testing.T) {
	m := newTestManager()
	tx, err := m.Start(1, "inst", 0)
	require.NoError(t, err)

	err = tx.AddZone("", "", netip.Prefix{}, false, "")
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindInvalidArgument, kzerrors.GetKind(err))

	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	err = tx.AddZone(string(long), "", netip.Prefix{}, false, "")
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindInvalidArgument, kzerrors.GetKind(err))
}

// TestCommit_FlushedServiceKeepsStableID checks identity migration
// across a flush-and-replace reconfiguration: a staged service whose
// name survives from the same instance's base inherits the base
// service's id.
func TestCommit_FlushedServiceKeepsStableID(t *testing.T) {
	m := newTestManager()

	tx1, err := m.Start(1, "inst", 0)
	require.NoError(t, err)
	oldWeb, err := tx1.AddService("web", service.KindProxy)
	require.NoError(t, err)
	require.NoError(t, tx1.Commit())

	tx2, err := m.Start(2, "inst", 0)
	require.NoError(t, err)
	tx2.FlushServices()
	newWeb, err := tx2.AddService("web", service.KindForward)
	require.NoError(t, err)
	assert.NotEqual(t, oldWeb.ID, newWeb.ID, "a freshly staged service starts with its own id")
	require.NoError(t, tx2.Commit())

	assert.Equal(t, oldWeb.ID, newWeb.ID, "commit rebinds the surviving name to the base service's id")
}

// TestStart_ConcurrentPeersOnSameInstanceConflict checks that of two
// peers racing Start on the same instance, one succeeds and the other
// gets TransactionConflict.
func TestStart_ConcurrentPeersOnSameInstanceConflict(t *testing.T) {
	m := newTestManager()

	_, err := m.Start(1, "inst", 0)
	require.NoError(t, err)

	_, err = m.Start(2, "inst", 0)
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindTransactionConflict, kzerrors.GetKind(err))
}

// TestStart_SingleGlobalTransaction checks that the open-transaction
// guard is process-wide, not per-instance: a peer targeting a different
// instance is still rejected while any transaction is open, since a
// commit from a stale base would silently drop the other transaction's
// entities.
func TestStart_SingleGlobalTransaction(t *testing.T) {
	m := newTestManager()

	tx, err := m.Start(1, "inst1", 0)
	require.NoError(t, err)

	_, err = m.Start(2, "inst2", 0)
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindTransactionConflict, kzerrors.GetKind(err))

	require.NoError(t, tx.Commit())
	_, err = m.Start(2, "inst2", 0)
	assert.NoError(t, err, "once the open transaction ends, another instance may start one")
}

// TestCommit_AllOrNothing checks that a failed commit leaves current ==
// base, and a subsequent Start may proceed.
func TestCommit_AllOrNothing(t *testing.T) {
	m := newTestManager()
	before := m.publisher.Acquire()
	m.publisher.Release(before)

	tx, err := m.Start(1, "inst", 0)
	require.NoError(t, err)
	_, err = tx.AddService("unused", service.KindProxy)
	require.NoError(t, err)

	require.NoError(t, tx.AddDispatcher("d", 1))
	counts := [dispatcher.NumDimensions]int{}
	counts[dispatcher.DimSrcZone] = 1
	require.NoError(t, tx.AddRule("d", 1, "unused", counts))
	// deliberately never call AddRuleEntry for d's rule: ValidateComplete must fail

	err = tx.Commit()
	require.Error(t, err)

	after := m.publisher.Acquire()
	defer m.publisher.Release(after)
	assert.Equal(t, uint64(0), after.Generation(), "failed commit must not advance the generation")

	_, err = m.Start(2, "inst", 0)
	assert.NoError(t, err, "a subsequent Start must succeed once the failed transaction has ended")
}

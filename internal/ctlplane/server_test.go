// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

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
	"kzorp.dev/kzorp/internal/txn"
)

func newTestServer() *Server {
	empty := snapshot.Freeze(0, nil, nil, nil)
	instances := instance.NewRegistry()
	manager := txn.NewManager(snapshot.NewPublisher(empty), instances)
	return NewServer(manager, instances)
}

func (s *Server) mustStart(t *testing.T, inst string) {
	t.Helper()
	require.NoError(t, s.Start(&StartArgs{InstanceName: inst}, &StartReply{}))
}

// TestServer_FullPolicyRoundTrip replays the canonical policy push
// through the opcode surface and checks the Query opcode classifies an
// office-sourced packet against it.
func TestServer_FullPolicyRoundTrip(t *testing.T) {
	s := newTestServer()
	s.mustStart(t, "inst")

	require.NoError(t, s.AddZone(&AddZoneArgs{
		Name: "internet", HasSubnet: true, Subnet: netip.MustParsePrefix("0.0.0.0/0"),
	}, &AddZoneReply{}))
	require.NoError(t, s.AddZone(&AddZoneArgs{
		Name: "office", HasSubnet: true, Subnet: netip.MustParsePrefix("10.0.0.0/8"), AdminParentName: "internet",
	}, &AddZoneReply{}))
	require.NoError(t, s.AddService(&AddServiceArgs{Name: "web", Kind: service.KindProxy}, &AddServiceReply{}))
	require.NoError(t, s.AddDispatcher(&AddDispatcherArgs{Name: "d", NumRulesPreallocated: 1}, &AddDispatcherReply{}))

	counts := [dispatcher.NumDimensions]int{}
	counts[dispatcher.DimSrcZone] = 1
	require.NoError(t, s.AddRule(&AddRuleArgs{
		DispatcherName: "d", RuleID: 1, ServiceName: "web", AlternativeCounts: counts,
	}, &AddRuleReply{}))
	require.NoError(t, s.AddRuleEntry(&AddRuleEntryArgs{
		DispatcherName: "d", RuleID: 1,
		Entries: map[dispatcher.DimensionID]dispatcher.Alternative{dispatcher.DimSrcZone: {ZoneName: "office"}},
	}, &AddRuleEntryReply{}))

	require.NoError(t, s.Commit(&Empty{}, &Empty{}))

	var reply QueryReply
	require.NoError(t, s.Query(&QueryArgs{
		Protocol: 6,
		SrcAddr:  netip.MustParseAddr("10.1.2.3"),
		SrcPort:  1000,
		DstAddr:  netip.MustParseAddr("8.8.8.8"),
		DstPort:  80,
	}, &reply))

	require.True(t, reply.Matched)
	assert.Equal(t, "d", reply.DispatcherName)
	assert.Equal(t, "office", reply.ClientZone)
	assert.Equal(t, "internet", reply.ServerZone)
	assert.Equal(t, "web", reply.ServiceName)
}

func TestServer_AddRuleUnknownServiceIsNotFound(t *testing.T) {
	s := newTestServer()
	s.mustStart(t, "inst")

	require.NoError(t, s.AddDispatcher(&AddDispatcherArgs{Name: "d", NumRulesPreallocated: 1}, &AddDispatcherReply{}))
	err := s.AddRule(&AddRuleArgs{DispatcherName: "d", RuleID: 1, ServiceName: "ghost"}, &AddRuleReply{})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindNotFound, kzerrors.GetKind(err))
}

func TestServer_OperationsWithoutTransactionFail(t *testing.T) {
	s := newTestServer()

	err := s.AddZone(&AddZoneArgs{Name: "z"}, &AddZoneReply{})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindNoTransaction, kzerrors.GetKind(err))

	err = s.Commit(&Empty{}, &Empty{})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindNoTransaction, kzerrors.GetKind(err))
}

func TestServer_SecondStartConflicts(t *testing.T) {
	s := newTestServer()
	s.mustStart(t, "inst")

	err := s.Start(&StartArgs{InstanceName: "other"}, &StartReply{})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindTransactionConflict, kzerrors.GetKind(err))
}

func TestServer_BindLifecycle(t *testing.T) {
	s := newTestServer()
	s.mustStart(t, "inst")

	require.NoError(t, s.AddBind(&AddBindArgs{
		Protocol: instance.ProtocolTCP, Address: "10.0.0.1", Port: 50080,
	}, &AddBindReply{}))
	require.NoError(t, s.Commit(&Empty{}, &Empty{}))

	var got GetBindReply
	require.NoError(t, s.GetBind(&GetBindArgs{
		InstanceName: "inst", Protocol: instance.ProtocolTCP, Address: "10.0.0.1", Port: 50080,
	}, &got))
	assert.Equal(t, "10.0.0.1", got.Bind.Address)
	assert.NotEmpty(t, got.Bind.ID)

	var dump DumpBindsReply
	require.NoError(t, s.DumpBinds(&Empty{}, &dump))
	require.Len(t, dump.Binds, 1)
	assert.Equal(t, "inst", dump.Binds[0].InstanceName)
}

func TestServer_AddBindRejectsZeroPort(t *testing.T) {
	s := newTestServer()
	s.mustStart(t, "inst")

	err := s.AddBind(&AddBindArgs{Protocol: instance.ProtocolUDP, Address: "10.0.0.1", Port: 0}, &AddBindReply{})
	require.Error(t, err)
	assert.Equal(t, kzerrors.KindInvalidArgument, kzerrors.GetKind(err))
}

func TestServer_GetVersion(t *testing.T) {
	s := newTestServer()
	var v GetVersionReply
	require.NoError(t, s.GetVersion(&Empty{}, &v))
	assert.Equal(t, uint32(versionMajor), v.Major)
	assert.Equal(t, uint32(versionCompat), v.Compat)
}

// TestServer_DumpDispatchersRestartsOnGenerationChange checks that a
// dump cursor taken against one generation is discarded, not spliced,
// once a commit publishes the next one.
func TestServer_DumpDispatchersRestartsOnGenerationChange(t *testing.T) {
	s := newTestServer()

	commitDispatcher := func(name string) {
		s.mustStart(t, "inst")
		require.NoError(t, s.AddService(&AddServiceArgs{Name: "svc-" + name, Kind: service.KindProxy}, &AddServiceReply{}))
		require.NoError(t, s.AddDispatcher(&AddDispatcherArgs{Name: name, NumRulesPreallocated: 1}, &AddDispatcherReply{}))
		require.NoError(t, s.AddRule(&AddRuleArgs{DispatcherName: name, RuleID: 1, ServiceName: "svc-" + name}, &AddRuleReply{}))
		require.NoError(t, s.Commit(&Empty{}, &Empty{}))
	}

	commitDispatcher("d1")

	var first DumpDispatchersReply
	require.NoError(t, s.DumpDispatchers(&DumpDispatchersArgs{}, &first))
	require.True(t, first.Done)
	require.Len(t, first.Dispatchers, 1)
	assert.False(t, first.Restarted)

	commitDispatcher("d2")

	var second DumpDispatchersReply
	require.NoError(t, s.DumpDispatchers(&DumpDispatchersArgs{Cursor: first.NextCursor}, &second))
	assert.True(t, second.Restarted, "a stale-generation cursor must restart the dump")
	assert.Len(t, second.Dispatchers, 2, "the restarted dump covers the post-commit snapshot from the beginning")
}

func TestServer_CloseAbortsOpenTransaction(t *testing.T) {
	s := newTestServer()
	s.mustStart(t, "inst")
	s.Close()

	// The instance is free again: a new peer may open a transaction.
	s2 := NewServer(s.manager, s.instances)
	require.NoError(t, s2.Start(&StartArgs{InstanceName: "inst"}, &StartReply{}))
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_TryBeginTxnConflict(t *testing.T) {
	inst := New(1, "fw1")

	require.True(t, inst.TryBeginTxn(100))
	assert.False(t, inst.TryBeginTxn(200), "a second peer may not open a transaction while one is in progress")

	inProgress, owner := inst.TxnInProgress()
	assert.True(t, inProgress)
	assert.Equal(t, uint64(100), owner)

	inst.EndTxn()
	assert.True(t, inst.TryBeginTxn(200), "once ended, a new peer may begin a transaction")
}

func TestInstance_RemoveBindsByPeer(t *testing.T) {
	inst := New(1, "fw1")
	inst.SetBinds([]Bind{
		{InstanceID: 1, Protocol: ProtocolTCP, Address: "10.0.0.1", Port: 80, PeerID: 1},
		{InstanceID: 1, Protocol: ProtocolTCP, Address: "10.0.0.2", Port: 443, PeerID: 2},
		{InstanceID: 1, Protocol: ProtocolUDP, Address: "10.0.0.1", Port: 53, PeerID: 1},
	})

	inst.RemoveBindsByPeer(1)

	binds := inst.Binds()
	require.Len(t, binds, 1)
	assert.Equal(t, uint64(2), binds[0].PeerID)
}

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	r := NewRegistry()

	a := r.GetOrCreate("fw1")
	b := r.GetOrCreate("fw1")
	assert.Same(t, a, b)

	c := r.GetOrCreate("fw2")
	assert.NotEqual(t, a.ID, c.ID)

	got, ok := r.Get("fw2")
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.Get("nope")
	assert.False(t, ok)

	assert.Len(t, r.All(), 2)
}

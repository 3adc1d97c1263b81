// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package txn implements the transaction manager: the only path by
// which a new configuration snapshot is built and published. At most
// one transaction is open process-wide: a commit rebuilds the entire
// snapshot from the base captured at Start, so the base must remain
// the current snapshot for the whole Start...Commit/Abort lifecycle.
package txn

import (
	"sync"

	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/metrics"
	"kzorp.dev/kzorp/internal/snapshot"
)

// Manager is the process-wide transaction manager singleton. It owns
// the transaction mutex, the instance registry, and the snapshot
// publisher.
type Manager struct {
	mu sync.Mutex // at most one peer inside a transaction section at a time

	publisher     *snapshot.Publisher
	instances     *instance.Registry
	generation    uint64
	nextServiceID uint64
	metrics       *metrics.Registry // optional; nil unless SetMetrics is called

	active map[uint64]*Txn // peer id -> open transaction
}

// SetMetrics attaches a metrics.Registry so Commit outcomes are
// recorded. Wiring it is optional: a Manager built in a test without
// metrics simply skips the observation.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = reg
}

// NewManager creates a Manager publishing from an initially empty snapshot
// at generation 0.
func NewManager(publisher *snapshot.Publisher, instances *instance.Registry) *Manager {
	return &Manager{
		publisher: publisher,
		instances: instances,
		active:    make(map[uint64]*Txn),
	}
}

// Start opens a transaction for peerID against instanceName, capturing a
// stable reference to the current snapshot as the transaction's base.
// At most one transaction may be open process-wide, regardless of peer
// or instance: Commit rebuilds the whole snapshot from that base, so the
// base must stay current until the transaction ends. A second Start,
// from any peer, fails with TransactionConflict.
func (m *Manager) Start(peerID uint64, instanceName string, cookie uint64) (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) > 0 {
		if _, ok := m.active[peerID]; ok {
			return nil, kzerrors.Errorf(kzerrors.KindTransactionConflict, "peer %d already has an open transaction", peerID)
		}
		return nil, kzerrors.New(kzerrors.KindTransactionConflict, "another transaction is already open")
	}

	inst := m.instances.GetOrCreate(instanceName)
	if !inst.TryBeginTxn(peerID) {
		return nil, kzerrors.Errorf(kzerrors.KindTransactionConflict, "instance %q already has an open transaction", instanceName)
	}

	t := &Txn{
		manager:  m,
		peerID:   peerID,
		cookie:   cookie,
		instance: inst,
		base:     m.publisher.Acquire(),
	}
	m.active[peerID] = t
	return t, nil
}

// Abort discards a peer's staged operations without producing a new
// snapshot, modeling implicit abort on peer disconnect.
func (m *Manager) Abort(peerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[peerID]
	if !ok {
		return
	}
	delete(m.active, peerID)
	t.instance.RemoveBindsByPeer(peerID)
	t.instance.EndTxn()
	m.publisher.Release(t.base)
}

// allocServiceID hands out the next process-unique service id. A staged
// service keeps this id for its lifetime unless it inherits the id of a
// same-name base service at commit.
func (m *Manager) allocServiceID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextServiceID++
	return m.nextServiceID
}

// Lookup returns the transaction open for peerID, if any.
func (m *Manager) Lookup(peerID uint64) (*Txn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[peerID]
	return t, ok
}

// Acquire returns the current snapshot for a read-only caller (the
// matcher or a Query/dump handler), with an extra reference held on its
// behalf. The caller must call Release when done.
func (m *Manager) Acquire() *snapshot.Snapshot {
	return m.publisher.Acquire()
}

// Release drops a reference acquired via Acquire.
func (m *Manager) Release(s *snapshot.Snapshot) {
	m.publisher.Release(s)
}

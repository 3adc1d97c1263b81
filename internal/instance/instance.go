// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package instance implements the Instance and Bind entities. An
// Instance is a tenancy partition and is never destroyed for the life
// of the process; Binds are created and destroyed within a transaction.
package instance

import "sync"

// Protocol is a Bind's listening protocol.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

// Bind states that a proxy is listening on (addr, port, proto) for this
// instance. PeerID identifies the owning control peer so its binds can
// be removed on disconnect or Flush.
type Bind struct {
	ID         string // external-facing UUID, assigned when the bind is staged
	InstanceID uint32
	Protocol   Protocol
	Address    string
	Port       uint16
	PeerID     uint64
}

// Instance is a tenancy partition. Instances are registered once and
// live for the process lifetime; only their TxnInProgress flag and
// Binds mutate.
type Instance struct {
	ID   uint32
	Name string

	mu             sync.Mutex
	txnInProgress  bool
	txnOwnerPeerID uint64
	binds          []Bind
}

// New registers a new, idle instance.
func New(id uint32, name string) *Instance {
	return &Instance{ID: id, Name: name}
}

// TryBeginTxn marks the instance as having an open transaction owned by
// peerID, or reports false if one is already in progress.
func (i *Instance) TryBeginTxn(peerID uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.txnInProgress {
		return false
	}
	i.txnInProgress = true
	i.txnOwnerPeerID = peerID
	return true
}

// EndTxn clears the in-progress flag unconditionally: the transaction
// always ends on commit, successful or not.
func (i *Instance) EndTxn() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.txnInProgress = false
	i.txnOwnerPeerID = 0
}

// TxnInProgress reports whether a transaction is currently open for this
// instance, and by which peer.
func (i *Instance) TxnInProgress() (bool, uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.txnInProgress, i.txnOwnerPeerID
}

// Binds returns a snapshot copy of the instance's current binds.
func (i *Instance) Binds() []Bind {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Bind, len(i.binds))
	copy(out, i.binds)
	return out
}

// SetBinds replaces the instance's bind list, used at commit time
// (remove binds owned by the transaction's peer, then install the
// staged replacements).
func (i *Instance) SetBinds(binds []Bind) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.binds = binds
}

// RemoveBindsByPeer removes every bind owned by peerID, used by the
// implicit abort and bind cleanup on peer disconnect.
func (i *Instance) RemoveBindsByPeer(peerID uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.binds[:0]
	for _, b := range i.binds {
		if b.PeerID != peerID {
			kept = append(kept, b)
		}
	}
	i.binds = kept
}

// Registry is the process-wide list of instances. Instances are added
// lazily the first time a control peer names them and are never
// removed.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Instance
	nextID uint32
}

// NewRegistry creates an empty instance registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Instance)}
}

// GetOrCreate returns the instance with the given name, creating it (with
// a freshly allocated id) if it doesn't yet exist.
func (r *Registry) GetOrCreate(name string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.byName[name]; ok {
		return inst
	}
	r.nextID++
	inst := New(r.nextID, name)
	r.byName[name] = inst
	return inst
}

// Get returns the instance with the given name, if it has been created.
func (r *Registry) Get(name string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byName[name]
	return inst, ok
}

// All returns every registered instance.
func (r *Registry) All() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.byName))
	for _, inst := range r.byName {
		out = append(out, inst)
	}
	return out
}

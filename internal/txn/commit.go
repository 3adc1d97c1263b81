// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package txn

import (
	"kzorp.dev/kzorp/internal/dispatcher"
	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/service"
	"kzorp.dev/kzorp/internal/snapshot"
	"kzorp.dev/kzorp/internal/zone"
)

// Abort discards this transaction's staged operations without producing
// a new snapshot and ends the transaction.
func (t *Txn) Abort() {
	t.manager.Abort(t.peerID)
}

// Commit runs the eight-step commit algorithm. On any failure the
// in-flight snapshot is discarded, the base snapshot remains current,
// and the transaction still ends.
func (t *Txn) Commit() error {
	m := t.manager
	m.mu.Lock()
	defer func() {
		delete(m.active, t.peerID)
		t.instance.EndTxn()
		m.mu.Unlock()
	}()

	if err := t.validateStagedComplete(); err != nil {
		m.publisher.Release(t.base)
		m.observeCommit(err)
		return err
	}

	newServices, serviceByName, err := t.buildServices()
	if err != nil {
		m.publisher.Release(t.base)
		m.observeCommit(err)
		return err
	}

	newZones, zoneByName, err := t.buildZones()
	if err != nil {
		m.publisher.Release(t.base)
		m.observeCommit(err)
		return err
	}

	newDispatchers, err := t.buildDispatchers(serviceByName, zoneByName)
	if err != nil {
		m.publisher.Release(t.base)
		m.observeCommit(err)
		return err
	}

	m.generation++
	next := snapshot.Freeze(m.generation, newZones, newServices, newDispatchers)

	t.applyBinds()

	m.publisher.Publish(next)
	m.publisher.Release(t.base)
	m.observeCommit(nil)
	if m.metrics != nil {
		m.metrics.ObserveSnapshotGeneration(m.generation)
	}
	return nil
}

// observeCommit records the commit outcome in the manager's metrics
// registry, if one is attached. A nil err is a successful commit;
// otherwise the error's Kind labels the abort reason.
func (m *Manager) observeCommit(err error) {
	if m.metrics == nil {
		return
	}
	if err == nil {
		m.metrics.ObserveCommit(true, "")
		return
	}
	m.metrics.ObserveCommit(false, kzerrors.GetKind(err).String())
}

// validateStagedComplete is the sanity precondition checked before step
// 1: every staged dispatcher's declared rule slots and per-dimension
// alternative slots must all be populated.
func (t *Txn) validateStagedComplete() error {
	for _, d := range t.stagedDispatchers {
		if err := d.ValidateComplete(); err != nil {
			return err
		}
	}
	return nil
}

// buildServices implements step 2: carry base services forward (unless
// flushed for this instance), migrating session counters, then append
// staged services, inheriting stable identity from a same-instance base
// service of the same name.
func (t *Txn) buildServices() ([]*service.Service, map[string]*service.Service, error) {
	byName := make(map[string]*service.Service)
	var out []*service.Service

	for _, base := range t.base.Services {
		if t.flushServices && base.OwnerInstanceID == t.instance.ID {
			continue
		}
		clone := base.CloneShallow()
		out = append(out, clone)
		byName[clone.Name] = clone
	}

	for _, staged := range t.stagedServices {
		// A staged service whose name survives from the base of the same
		// instance inherits the base service's id, keeping identity
		// stable across reconfigurations. The base list is consulted
		// directly rather than byName: the only way a same-instance name
		// can recur is under FlushServices, and the flush skip above
		// keeps the prior service out of byName.
		for _, base := range t.base.Services {
			if base.Name == staged.Name && base.OwnerInstanceID == t.instance.ID {
				staged.ID = base.ID
				break
			}
		}
		out = append(out, staged)
		byName[staged.Name] = staged
	}

	return out, byName, nil
}

// buildZones implements step 3: unless flushed, clone every base zone,
// append staged zones, then re-resolve every admin-parent link against the
// merged name set.
func (t *Txn) buildZones() ([]*zone.Zone, map[string]*zone.Zone, error) {
	byName := make(map[string]*zone.Zone)
	var out []*zone.Zone

	if !t.flushZones {
		for _, base := range t.base.Zones {
			clone := base.CloneShallow()
			out = append(out, clone)
			byName[clone.UniqueName] = clone
		}
	}

	for _, staged := range t.stagedZones {
		out = append(out, staged)
		byName[staged.UniqueName] = staged
	}

	if err := zone.Consolidate(out, byName); err != nil {
		return nil, nil, kzerrors.Wrap(err, kzerrors.KindInternal, "zone consolidation failed")
	}
	return out, byName, nil
}

// buildDispatchers implements step 4: carry base dispatchers forward
// (unless flushed for this instance), append staged dispatchers, then
// relink every dispatcher's rules against the new services and zones.
func (t *Txn) buildDispatchers(services map[string]*service.Service, zones map[string]*zone.Zone) ([]*dispatcher.Dispatcher, error) {
	var out []*dispatcher.Dispatcher

	for _, base := range t.base.Dispatchers {
		if t.flushDispatchers && base.OwnerInstanceID == t.instance.ID {
			continue
		}
		out = append(out, base.CloneShallow())
	}
	out = append(out, t.stagedDispatchers...)

	for _, d := range out {
		if err := dispatcher.Relink(d, services, zones); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// applyBinds implements step 5: binds owned by this transaction's peer are
// replaced wholesale by the staged set.
func (t *Txn) applyBinds() {
	current := t.instance.Binds()
	kept := current[:0]
	for _, b := range current {
		if b.PeerID != t.peerID {
			kept = append(kept, b)
		}
	}
	kept = append(kept, t.stagedBinds...)
	t.instance.SetBinds(kept)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"fmt"
	"slices"
	"sort"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// DefaultMaxEntries bounds the number of Access Control instances.
const DefaultMaxEntries = 64

// Grant is an explicit permission for one server.
type Grant struct {
	SSID uint16
	Perm lwm2m.Perm
}

// Entry is an Access Control object instance.
type Entry struct {
	ID       uint16
	Object   uint16
	Instance uint16
	Owner    uint16
	Default  lwm2m.Perm
	Grants   []Grant
}

func (e *Entry) clone() Entry {
	c := *e
	c.Grants = slices.Clone(e.Grants)
	return c
}

// Resolve returns the permissions ssid holds on the entry's target.
func (e *Entry) Resolve(ssid uint16) lwm2m.Perm {
	if ssid == e.Owner {
		return lwm2m.PermAll
	}
	for _, g := range e.Grants {
		if g.SSID == ssid {
			return g.Perm.Resolve()
		}
	}
	return e.Default.Resolve()
}

// Table holds Access Control entries keyed by id and by target.
type Table struct {
	max     int
	entries map[uint16]*Entry
	targets map[lwm2m.Path]uint16
}

// New returns an empty table bounded to limit entries. A non-positive limit
// selects DefaultMaxEntries.
func New(limit int) *Table {
	if limit <= 0 {
		limit = DefaultMaxEntries
	}
	return &Table{
		max:     limit,
		entries: make(map[uint16]*Entry),
		targets: make(map[lwm2m.Path]uint16),
	}
}

func target(object, instance uint16) lwm2m.Path {
	if instance == lwm2m.NoInstance {
		return lwm2m.ObjectPath(object)
	}
	return lwm2m.InstancePath(object, instance)
}

// Bind returns the id of the entry targeting (object, instance),
// allocating one owned by owner when none exists.
func (t *Table) Bind(object, instance, owner uint16) (uint16, error) {
	key := target(object, instance)
	if id, ok := t.targets[key]; ok {
		return id, nil
	}
	if len(t.entries) >= t.max {
		return 0, fmt.Errorf("bind %s: %w", key, errors.ErrLimit)
	}
	id := t.freeID()
	t.entries[id] = &Entry{ID: id, Object: object, Instance: instance, Owner: owner}
	t.targets[key] = id
	return id, nil
}

func (t *Table) freeID() uint16 {
	var id uint16
	for {
		if _, ok := t.entries[id]; !ok {
			return id
		}
		id++
	}
}

// Unbind removes the entry targeting (object, instance). It reports
// whether an entry was removed.
func (t *Table) Unbind(object, instance uint16) bool {
	key := target(object, instance)
	id, ok := t.targets[key]
	if !ok {
		return false
	}
	delete(t.targets, key)
	delete(t.entries, id)
	return true
}

// Lookup returns a copy of the entry targeting (object, instance).
func (t *Table) Lookup(object, instance uint16) (Entry, bool) {
	id, ok := t.targets[target(object, instance)]
	if !ok {
		return Entry{}, false
	}
	return t.entries[id].clone(), true
}

// Get returns a copy of the entry with the given id.
func (t *Table) Get(id uint16) (Entry, bool) {
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Put stores e, replacing any entry with the same id or target. It is
// used by bootstrap writes and by restore.
func (t *Table) Put(e Entry) error {
	if old, ok := t.entries[e.ID]; ok {
		delete(t.targets, target(old.Object, old.Instance))
	} else if len(t.entries) >= t.max {
		return fmt.Errorf("put %d: %w", e.ID, errors.ErrLimit)
	}
	key := target(e.Object, e.Instance)
	if prev, ok := t.targets[key]; ok && prev != e.ID {
		delete(t.entries, prev)
	}
	c := e.clone()
	sortGrants(c.Grants)
	t.entries[e.ID] = &c
	t.targets[key] = e.ID
	return nil
}

// Delete removes the entry with the given id.
func (t *Table) Delete(id uint16) error {
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("acl %d: %w", id, errors.ErrNotFound)
	}
	delete(t.targets, target(e.Object, e.Instance))
	delete(t.entries, id)
	return nil
}

// Add grants mask to ssid on the target. Repeating the call with the same
// arguments leaves the table unchanged.
func (t *Table) Add(object, instance, ssid uint16, mask lwm2m.Perm) error {
	id, ok := t.targets[target(object, instance)]
	if !ok {
		return fmt.Errorf("acl %s: %w", target(object, instance), errors.ErrNotFound)
	}
	e := t.entries[id]
	if ssid == lwm2m.DefaultSSID {
		e.Default = mask
		return nil
	}
	for n := range e.Grants {
		if e.Grants[n].SSID == ssid {
			e.Grants[n].Perm = mask
			return nil
		}
	}
	e.Grants = append(e.Grants, Grant{SSID: ssid, Perm: mask})
	sortGrants(e.Grants)
	return nil
}

// Remove drops the explicit grant for ssid. It fails with ErrNotFound
// when no such grant exists and leaves the table unchanged.
func (t *Table) Remove(object, instance, ssid uint16) error {
	id, ok := t.targets[target(object, instance)]
	if !ok {
		return fmt.Errorf("acl %s: %w", target(object, instance), errors.ErrNotFound)
	}
	e := t.entries[id]
	for n := range e.Grants {
		if e.Grants[n].SSID == ssid {
			e.Grants = slices.Delete(e.Grants, n, n+1)
			return nil
		}
	}
	return fmt.Errorf("acl %s ssid %d: %w", target(object, instance), ssid, errors.ErrNotFound)
}

// SetOwner changes the owner of the target's entry.
func (t *Table) SetOwner(object, instance, owner uint16) error {
	id, ok := t.targets[target(object, instance)]
	if !ok {
		return fmt.Errorf("acl %s: %w", target(object, instance), errors.ErrNotFound)
	}
	t.entries[id].Owner = owner
	return nil
}

// Entries returns copies of all entries ordered by id.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Clear removes every entry.
func (t *Table) Clear() {
	clear(t.entries)
	clear(t.targets)
}

// RemoveServer drops ssid from every entry, handing ownership of entries
// it owned to owner.
func (t *Table) RemoveServer(ssid, owner uint16) {
	for _, e := range t.entries {
		e.Grants = slices.DeleteFunc(e.Grants, func(g Grant) bool { return g.SSID == ssid })
		if e.Owner == ssid {
			e.Owner = owner
		}
	}
}

// Resolve returns the effective permissions of ssid on p. Targets with no
// entry are unrestricted.
func (t *Table) Resolve(ssid uint16, p lwm2m.Path) lwm2m.Perm {
	if ssid == lwm2m.BootstrapSSID && Bypass(p.Object) {
		return lwm2m.PermAll
	}
	if p.Object == lwm2m.ObjectSecurity {
		return lwm2m.PermNone
	}
	instance := p.Instance
	if p.Level < lwm2m.LevelInstance {
		instance = lwm2m.NoInstance
	}
	id, ok := t.targets[target(p.Object, instance)]
	if !ok {
		return lwm2m.PermAll
	}
	return t.entries[id].Resolve(ssid)
}

// Check returns ErrUnauthorized unless ssid holds op on p.
func (t *Table) Check(ssid uint16, p lwm2m.Path, op lwm2m.Perm) error {
	if !t.Resolve(ssid, p).Allows(op) {
		return errors.New("access", p.String(), ssid, errors.ErrUnauthorized)
	}
	return nil
}

// Bypass reports whether the bootstrap server skips the table for object.
func Bypass(object uint16) bool {
	switch object {
	case lwm2m.ObjectSecurity, lwm2m.ObjectServer, lwm2m.ObjectAccessControl:
		return true
	}
	return false
}

func sortGrants(g []Grant) {
	sort.SliceStable(g, func(i, j int) bool { return g[i].SSID < g[j].SSID })
}

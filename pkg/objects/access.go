// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"log/slog"

	"github.com/absmach/lwm2m-carrier/pkg/acl"
	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Access Control resources.
const (
	ACLObject   uint16 = 0
	ACLInstance uint16 = 1
	ACLGrants   uint16 = 2
	ACLOwner    uint16 = 3
)

const readOps = lwm2m.PermRead | lwm2m.PermObserve | lwm2m.PermDiscover

// AccessControl exposes an acl.Table as object /2 and implements
// registry.Access on top of it.
type AccessControl struct {
	tbl    *acl.Table
	reg    *registry.Registry
	logger *slog.Logger
}

var _ registry.Access = (*AccessControl)(nil)

// NewAccessControl wraps tbl. Attach must be called once the registry
// exists.
func NewAccessControl(tbl *acl.Table, logger *slog.Logger) *AccessControl {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessControl{tbl: tbl, logger: logger}
}

// Table returns the underlying table.
func (a *AccessControl) Table() *acl.Table {
	return a.tbl
}

// Attach registers object /2 in reg. It must run before any persistence
// listener is subscribed so that /2 deletes reach the table first.
func (a *AccessControl) Attach(reg *registry.Registry) error {
	a.reg = reg
	if err := reg.Register(a.object()); err != nil {
		return err
	}
	reg.OnCreate(a.commit)
	reg.OnDelete(a.drop)
	a.Sync()
	return nil
}

// Check evaluates op for ssid on p. Access Control instances are readable
// by every server and writable only by their owner.
func (a *AccessControl) Check(ssid uint16, p lwm2m.Path, op lwm2m.Perm) error {
	if p.Object != lwm2m.ObjectAccessControl || ssid == lwm2m.BootstrapSSID {
		return a.tbl.Check(ssid, p, op)
	}
	if op&^readOps == 0 {
		return nil
	}
	if p.Level >= lwm2m.LevelInstance && op&(lwm2m.PermCreate|lwm2m.PermExecute) == 0 {
		if e, ok := a.tbl.Get(p.Instance); ok && e.Owner == ssid {
			return nil
		}
	}
	return errors.New("access", p.String(), ssid, errors.ErrUnauthorized)
}

// Bind allocates the entry of (object, instance) and its /2 instance.
func (a *AccessControl) Bind(object, instance, owner uint16) (uint16, error) {
	id, err := a.tbl.Bind(object, instance, owner)
	if err != nil {
		return 0, err
	}
	a.expose(id)
	return id, nil
}

// Unbind removes the entry of (object, instance) and its /2 instance.
func (a *AccessControl) Unbind(object, instance uint16) bool {
	e, ok := a.tbl.Lookup(object, instance)
	if !ok {
		return false
	}
	a.tbl.Unbind(object, instance)
	if a.reg != nil {
		_ = a.reg.DeleteInstance(lwm2m.ObjectAccessControl, e.ID)
	}
	return true
}

// Put stores e and exposes it as an /2 instance.
func (a *AccessControl) Put(e acl.Entry) error {
	if err := a.tbl.Put(e); err != nil {
		return err
	}
	a.expose(e.ID)
	return nil
}

// Entries returns every entry ordered by id.
func (a *AccessControl) Entries() []acl.Entry {
	return a.tbl.Entries()
}

// Apply binds a profile template.
func (a *AccessControl) Apply(t operator.ACL) error {
	if _, err := a.Bind(t.Object, t.Instance, t.Owner); err != nil {
		return err
	}
	if err := a.tbl.SetOwner(t.Object, t.Instance, t.Owner); err != nil {
		return err
	}
	if err := a.tbl.Add(t.Object, t.Instance, lwm2m.DefaultSSID, t.Default); err != nil {
		return err
	}
	for ssid, mask := range t.Grants {
		if err := a.tbl.Add(t.Object, t.Instance, ssid, mask); err != nil {
			return err
		}
	}
	if a.reg != nil {
		a.reg.Changed(lwm2m.ObjectPath(lwm2m.ObjectAccessControl))
	}
	return nil
}

// RemoveServer drops ssid from every entry; entries it owned pass to the
// bootstrap server.
func (a *AccessControl) RemoveServer(ssid uint16) {
	a.tbl.RemoveServer(ssid, lwm2m.BootstrapSSID)
	if a.reg != nil {
		a.reg.Changed(lwm2m.ObjectPath(lwm2m.ObjectAccessControl))
	}
}

// Sync makes the /2 instances match the table.
func (a *AccessControl) Sync() {
	if a.reg == nil {
		return
	}
	live := make(map[uint16]bool)
	for _, e := range a.tbl.Entries() {
		live[e.ID] = true
		a.expose(e.ID)
	}
	for _, inst := range a.reg.Instances(lwm2m.ObjectAccessControl) {
		v, ok := inst.(*aclInstance)
		if ok && v.staged == nil && !live[v.id] {
			_ = a.reg.DeleteInstance(lwm2m.ObjectAccessControl, v.id)
		}
	}
}

func (a *AccessControl) expose(id uint16) {
	if a.reg == nil {
		return
	}
	if _, err := a.reg.Lookup(lwm2m.ObjectAccessControl, id); err == nil {
		return
	}
	if err := a.reg.AddInstance(lwm2m.ObjectAccessControl, &aclInstance{ac: a, id: id}); err != nil {
		a.logger.Warn("failed to expose access control entry", slog.Int("id", int(id)), slog.Any("error", err))
	}
}

// commit moves an instance created by a bootstrap write into the table.
func (a *AccessControl) commit(p lwm2m.Path) {
	if p.Object != lwm2m.ObjectAccessControl {
		return
	}
	inst, err := a.reg.Lookup(p.Object, p.Instance)
	if err != nil {
		return
	}
	v, ok := inst.(*aclInstance)
	if !ok || v.staged == nil {
		return
	}
	e := *v.staged
	e.ID = v.id
	v.staged = nil
	if err := a.tbl.Put(e); err != nil {
		a.logger.Warn("failed to store access control entry", slog.Int("id", int(v.id)), slog.Any("error", err))
	}
	// Put evicts any older entry with the same target.
	a.Sync()
}

func (a *AccessControl) drop(p lwm2m.Path) {
	if p.Object == lwm2m.ObjectAccessControl && p.Level == lwm2m.LevelInstance {
		_ = a.tbl.Delete(p.Instance)
	}
}

func (a *AccessControl) object() *registry.Object {
	return &registry.Object{
		ID:       lwm2m.ObjectAccessControl,
		Name:     "LwM2M Access Control",
		Multiple: true,
		Resources: []registry.ResourceDef{
			{ID: ACLObject, Name: "Object ID", Kind: lwm2m.KindInt, Ops: registry.OpR, Range: codec.Range{Min: 1, Max: 65534}},
			{ID: ACLInstance, Name: "Object Instance ID", Kind: lwm2m.KindInt, Ops: registry.OpR, Range: codec.Range{Min: 0, Max: 65535}},
			{ID: ACLGrants, Name: "ACL", Kind: lwm2m.KindInt, Ops: registry.OpRW, Multiple: true, Range: codec.Range{Min: 0, Max: int64(lwm2m.PermAll)}},
			{ID: ACLOwner, Name: "Access Control Owner", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 65535}},
		},
		Create: func(iid uint16) (registry.Instance, error) {
			return &aclInstance{ac: a, id: iid, staged: &acl.Entry{ID: iid}}, nil
		},
		Deletable: func(_ registry.Instance, bootstrap bool) bool {
			return bootstrap
		},
	}
}

// aclInstance is the /2 view of one table entry. Instances created by a
// bootstrap write hold their values in staged until they are added to
// the tree.
type aclInstance struct {
	ac     *AccessControl
	id     uint16
	staged *acl.Entry
}

func (i *aclInstance) InstanceID() uint16 { return i.id }

func (i *aclInstance) entry() (acl.Entry, bool) {
	if i.staged != nil {
		return *i.staged, true
	}
	return i.ac.tbl.Get(i.id)
}

func (i *aclInstance) Read(rid uint16) (lwm2m.Value, error) {
	e, ok := i.entry()
	if !ok {
		return lwm2m.Value{}, errors.ErrNotFound
	}
	switch rid {
	case ACLObject:
		return lwm2m.Int(int64(e.Object)), nil
	case ACLInstance:
		return lwm2m.Int(int64(e.Instance)), nil
	case ACLOwner:
		return lwm2m.Int(int64(e.Owner)), nil
	case ACLGrants:
		v := lwm2m.Value{Kind: lwm2m.KindInt, Multiple: true, IDs: []uint16{}}
		if e.Default != lwm2m.PermNone {
			v.Items = append(v.Items, lwm2m.Int(int64(e.Default)))
			v.IDs = append(v.IDs, lwm2m.DefaultSSID)
		}
		for _, g := range e.Grants {
			v.Items = append(v.Items, lwm2m.Int(int64(g.Perm)))
			v.IDs = append(v.IDs, g.SSID)
		}
		return v, nil
	default:
		return lwm2m.Value{}, errors.ErrNotFound
	}
}

func (i *aclInstance) Write(rid uint16, v lwm2m.Value) error {
	e, ok := i.entry()
	if !ok {
		return errors.ErrNotFound
	}
	switch rid {
	case ACLObject:
		e.Object = uint16(v.Int)
	case ACLInstance:
		e.Instance = uint16(v.Int)
	case ACLOwner:
		e.Owner = uint16(v.Int)
	case ACLGrants:
		e.Default = lwm2m.PermNone
		e.Grants = nil
		for n, it := range v.Items {
			ssid := v.ItemID(n)
			if ssid == lwm2m.DefaultSSID {
				e.Default = lwm2m.Perm(it.Int)
				continue
			}
			e.Grants = append(e.Grants, acl.Grant{SSID: ssid, Perm: lwm2m.Perm(it.Int)})
		}
	default:
		return errors.ErrNotFound
	}
	if i.staged != nil {
		*i.staged = e
		return nil
	}
	return i.ac.tbl.Put(e)
}

func (i *aclInstance) Execute(rid uint16, _ []byte) error {
	return errors.ErrMethodNotAllowed
}

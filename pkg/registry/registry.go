// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// Access is the access control surface the registry needs.
// *acl.Table implements it.
type Access interface {
	Check(ssid uint16, p lwm2m.Path, op lwm2m.Perm) error
	Bind(object, instance, owner uint16) (uint16, error)
	Unbind(object, instance uint16) bool
}

// AttrSource supplies notification attributes for Discover responses.
type AttrSource interface {
	LinkAttrs(ssid uint16, p lwm2m.Path) []codec.Attr
}

// Listener receives tree events.
type Listener func(p lwm2m.Path)

type node struct {
	def       *Object
	instances []Instance
}

// Registry is the object tree.
type Registry struct {
	logger  *slog.Logger
	access  Access
	attrs   AttrSource
	objects map[uint16]*node

	onChange []Listener
	onCreate []Listener
	onDelete []Listener
}

// Config configures a Registry.
type Config struct {
	Access Access
	Logger *slog.Logger
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		logger:  cfg.Logger,
		access:  cfg.Access,
		objects: make(map[uint16]*node),
	}
}

// SetAttrSource installs the Discover attribute source.
func (r *Registry) SetAttrSource(a AttrSource) {
	r.attrs = a
}

// OnChange subscribes to resource value changes.
func (r *Registry) OnChange(l Listener) { r.onChange = append(r.onChange, l) }

// OnCreate subscribes to instance creation.
func (r *Registry) OnCreate(l Listener) { r.onCreate = append(r.onCreate, l) }

// OnDelete subscribes to instance deletion.
func (r *Registry) OnDelete(l Listener) { r.onDelete = append(r.onDelete, l) }

// Register adds an object kind.
func (r *Registry) Register(obj *Object) error {
	if _, ok := r.objects[obj.ID]; ok {
		return fmt.Errorf("object %d: %w", obj.ID, errors.ErrAlreadyExists)
	}
	r.objects[obj.ID] = &node{def: obj}
	return nil
}

// Object returns the definition of object id.
func (r *Registry) Object(id uint16) (*Object, bool) {
	n, ok := r.objects[id]
	if !ok {
		return nil, false
	}
	return n.def, true
}

// Objects returns every object ordered by id.
func (r *Registry) Objects() []*Object {
	out := make([]*Object, 0, len(r.objects))
	for _, n := range r.objects {
		out = append(out, n.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns instance (o, i).
func (r *Registry) Lookup(o, i uint16) (Instance, error) {
	n, ok := r.objects[o]
	if !ok {
		return nil, fmt.Errorf("object %d: %w", o, errors.ErrNotFound)
	}
	idx, ok := n.find(i)
	if !ok {
		return nil, fmt.Errorf("instance /%d/%d: %w", o, i, errors.ErrNotFound)
	}
	return n.instances[idx], nil
}

// Instances returns the instances of object o ordered by id.
func (r *Registry) Instances(o uint16) []Instance {
	n, ok := r.objects[o]
	if !ok {
		return nil
	}
	return append([]Instance(nil), n.instances...)
}

// AddInstance inserts inst under object o.
func (r *Registry) AddInstance(o uint16, inst Instance) error {
	n, ok := r.objects[o]
	if !ok {
		return fmt.Errorf("object %d: %w", o, errors.ErrNotFound)
	}
	idx, found := n.find(inst.InstanceID())
	if found {
		return fmt.Errorf("instance /%d/%d: %w", o, inst.InstanceID(), errors.ErrAlreadyExists)
	}
	if !n.def.Multiple && len(n.instances) > 0 {
		return fmt.Errorf("single instance object %d: %w", o, errors.ErrAlreadyExists)
	}
	n.instances = append(n.instances, nil)
	copy(n.instances[idx+1:], n.instances[idx:])
	n.instances[idx] = inst
	r.emit(r.onCreate, lwm2m.InstancePath(o, inst.InstanceID()))
	return nil
}

// DeleteInstance removes (o, i), releases its access control entry and
// notifies delete listeners so observations below it are torn down.
func (r *Registry) DeleteInstance(o, i uint16) error {
	n, ok := r.objects[o]
	if !ok {
		return fmt.Errorf("object %d: %w", o, errors.ErrNotFound)
	}
	idx, found := n.find(i)
	if !found {
		return fmt.Errorf("instance /%d/%d: %w", o, i, errors.ErrNotFound)
	}
	n.instances = append(n.instances[:idx], n.instances[idx+1:]...)
	if r.access != nil {
		r.access.Unbind(o, i)
	}
	r.emit(r.onDelete, lwm2m.InstancePath(o, i))
	return nil
}

// FreeID returns the lowest unused instance id of o.
func (r *Registry) FreeID(o uint16) (uint16, error) {
	n, ok := r.objects[o]
	if !ok {
		return 0, fmt.Errorf("object %d: %w", o, errors.ErrNotFound)
	}
	var id uint16
	for _, inst := range n.instances {
		if inst.InstanceID() != id {
			break
		}
		id++
	}
	if id == lwm2m.NoInstance {
		return 0, fmt.Errorf("object %d: %w", o, errors.ErrLimit)
	}
	return id, nil
}

// Exists reports whether p resolves to an object, an instance or a
// defined resource with a value.
func (r *Registry) Exists(p lwm2m.Path) bool {
	switch p.Level {
	case lwm2m.LevelRoot:
		return true
	case lwm2m.LevelObject:
		_, ok := r.objects[p.Object]
		return ok
	case lwm2m.LevelInstance:
		_, err := r.Lookup(p.Object, p.Instance)
		return err == nil
	default:
		_, err := r.Read(p)
		return err == nil
	}
}

// Read returns the value of resource p.
func (r *Registry) Read(p lwm2m.Path) (lwm2m.Value, error) {
	if p.Level != lwm2m.LevelResource {
		return lwm2m.Value{}, fmt.Errorf("read %s: %w", p, errors.ErrBadRequest)
	}
	inst, err := r.Lookup(p.Object, p.Instance)
	if err != nil {
		return lwm2m.Value{}, err
	}
	def, ok := r.objects[p.Object].def.Resource(p.Resource)
	if !ok {
		return lwm2m.Value{}, fmt.Errorf("resource %s: %w", p, errors.ErrNotFound)
	}
	if def.Ops&OpR == 0 {
		return lwm2m.Value{}, fmt.Errorf("read %s: %w", p, errors.ErrMethodNotAllowed)
	}
	return inst.Read(p.Resource)
}

// Set writes v to resource p on behalf of the client itself, bypassing
// operation checks, and notifies change listeners.
func (r *Registry) Set(p lwm2m.Path, v lwm2m.Value) error {
	inst, err := r.Lookup(p.Object, p.Instance)
	if err != nil {
		return err
	}
	if err := inst.Write(p.Resource, v); err != nil {
		return err
	}
	r.Changed(p)
	return nil
}

// Changed notifies change listeners that p was modified. Objects call it
// when values change outside of a server operation.
func (r *Registry) Changed(p lwm2m.Path) {
	r.emit(r.onChange, p)
}

// Snapshot returns every stored resource of (o, i), including resources
// servers cannot read. It is used by persistence.
func (r *Registry) Snapshot(o, i uint16) ([]codec.Resource, error) {
	inst, err := r.Lookup(o, i)
	if err != nil {
		return nil, err
	}
	var out []codec.Resource
	for _, def := range r.objects[o].def.Resources {
		if def.Ops == OpE {
			continue
		}
		v, err := inst.Read(def.ID)
		if err != nil {
			continue
		}
		out = append(out, codec.Resource{ID: def.ID, Value: v})
	}
	return out, nil
}

// Clear removes every instance of every object without notifying delete
// listeners. It is used by factory reset before reseeding.
func (r *Registry) Clear() {
	for id, n := range r.objects {
		for _, inst := range n.instances {
			if r.access != nil {
				r.access.Unbind(id, inst.InstanceID())
			}
		}
		n.instances = nil
	}
}

func (r *Registry) emit(ls []Listener, p lwm2m.Path) {
	for _, l := range ls {
		l(p)
	}
}

func (n *node) find(iid uint16) (int, bool) {
	idx := sort.Search(len(n.instances), func(k int) bool { return n.instances[k].InstanceID() >= iid })
	return idx, idx < len(n.instances) && n.instances[idx].InstanceID() == iid
}

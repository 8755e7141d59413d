// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// Resource operation bits.
const (
	OpR  = lwm2m.PermRead
	OpW  = lwm2m.PermWrite
	OpE  = lwm2m.PermExecute
	OpRW = OpR | OpW
)

// ResourceDef is the static definition of a resource.
type ResourceDef struct {
	ID       uint16
	Name     string
	Kind     lwm2m.Kind
	Ops      lwm2m.Perm
	Multiple bool
	Range    codec.Range
}

// Instance is an object instance. Read and Write are the raw accessors;
// operation permissions are enforced by the registry before they are
// called.
type Instance interface {
	InstanceID() uint16
	Read(rid uint16) (lwm2m.Value, error)
	Write(rid uint16, v lwm2m.Value) error
	Execute(rid uint16, args []byte) error
}

// Object describes an object kind.
type Object struct {
	ID        uint16
	Name      string
	Multiple  bool
	Resources []ResourceDef

	// Persist marks objects whose instances are snapshotted to storage.
	Persist bool

	// Create allocates an instance. A nil Create makes the object
	// reject Create and bootstrap writes of new instances.
	Create func(iid uint16) (Instance, error)

	// Deletable reports whether a server may delete inst. Nil forbids
	// deletion by regular servers.
	Deletable func(inst Instance, bootstrap bool) bool

	// Carrier decodes records in the carrier resource range.
	Carrier func(inst Instance, t codec.TLV) error

	// LinkAttrs adds attributes to the instance link of a Bootstrap
	// Discover response.
	LinkAttrs func(inst Instance) []codec.Attr
}

// Resource returns the definition of rid.
func (o *Object) Resource(rid uint16) (ResourceDef, bool) {
	for _, d := range o.Resources {
		if d.ID == rid {
			return d, true
		}
	}
	return ResourceDef{}, false
}

// Base is a map backed Instance for objects whose resources are plain
// values. Objects embed it and override Write or Execute when they need
// behaviour.
type Base struct {
	id     uint16
	values map[uint16]lwm2m.Value
}

// NewBase returns an empty Base for instance id.
func NewBase(id uint16) *Base {
	return &Base{id: id, values: make(map[uint16]lwm2m.Value)}
}

// InstanceID returns the instance id.
func (b *Base) InstanceID() uint16 { return b.id }

// Read returns the stored value of rid.
func (b *Base) Read(rid uint16) (lwm2m.Value, error) {
	v, ok := b.values[rid]
	if !ok {
		return lwm2m.Value{}, fmt.Errorf("resource %d: %w", rid, errors.ErrNotFound)
	}
	return v, nil
}

// Write stores v under rid.
func (b *Base) Write(rid uint16, v lwm2m.Value) error {
	b.values[rid] = v
	return nil
}

// Execute rejects execution; objects with executable resources override
// it.
func (b *Base) Execute(rid uint16, _ []byte) error {
	return fmt.Errorf("execute %d: %w", rid, errors.ErrMethodNotAllowed)
}

// Set stores v under rid.
func (b *Base) Set(rid uint16, v lwm2m.Value) { b.values[rid] = v }

// Unset removes rid.
func (b *Base) Unset(rid uint16) { delete(b.values, rid) }

// Get returns the value of rid.
func (b *Base) Get(rid uint16) (lwm2m.Value, bool) {
	v, ok := b.values[rid]
	return v, ok
}

// Int returns the integer value of rid or zero.
func (b *Base) Int(rid uint16) int64 { return b.values[rid].Int }

// Str returns the string value of rid or "".
func (b *Base) Str(rid uint16) string { return b.values[rid].Str }

// Bool returns the boolean value of rid or false.
func (b *Base) Bool(rid uint16) bool { return b.values[rid].Bool }

// Bytes returns the opaque value of rid or nil.
func (b *Base) Bytes(rid uint16) []byte { return b.values[rid].Bytes }

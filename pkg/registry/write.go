// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/plgd-dev/go-coap/v3/message"
)

type pending struct {
	iid     uint16
	rid     uint16
	value   lwm2m.Value
	carrier *codec.TLV
}

type writeSet struct {
	// instances lists object-instance records present in the payload.
	instances []uint16
	items     []pending
}

// decode turns a Write or Create payload into pending resource writes
// without touching the tree. checkOps rejects resources that are not
// writable by servers.
func (r *Registry) decode(def *Object, p lwm2m.Path, iid uint16, req *lwm2m.Request, checkOps bool) (writeSet, error) {
	var ws writeSet
	format := req.ContentFormat
	if format == lwm2m.FormatUnset {
		format = message.AppLwm2mTLV
		if p.Level == lwm2m.LevelResource {
			format = message.TextPlain
		}
	}

	resolve := func(rid uint16) (ResourceDef, error) {
		if p.Level == lwm2m.LevelResource && rid != p.Resource {
			return ResourceDef{}, fmt.Errorf("resource %d in write to %s: %w", rid, p, errors.ErrBadRequest)
		}
		d, ok := def.Resource(rid)
		if !ok {
			return ResourceDef{}, fmt.Errorf("resource /%d/x/%d: %w", def.ID, rid, errors.ErrNotFound)
		}
		if checkOps && d.Ops&OpW == 0 {
			return ResourceDef{}, fmt.Errorf("write /%d/x/%d: %w", def.ID, rid, errors.ErrMethodNotAllowed)
		}
		return d, nil
	}

	switch format {
	case message.AppLwm2mTLV:
		err := codec.DecodeInstances(req.Payload, iid, lwm2m.CarrierResourceID, codec.Hooks{
			Instance: func(id uint16) error {
				if p.Level != lwm2m.LevelObject && id != p.Instance {
					return fmt.Errorf("instance %d in write to %s: %w", id, p, errors.ErrBadRequest)
				}
				ws.instances = append(ws.instances, id)
				return nil
			},
			Resource: func(id uint16, t codec.TLV) error {
				d, err := resolve(t.ID)
				if err != nil {
					return err
				}
				v, err := codec.DecodeResource(t, d.Kind)
				if err != nil {
					return err
				}
				if err := validate(d, v); err != nil {
					return err
				}
				ws.items = append(ws.items, pending{iid: id, rid: t.ID, value: v})
				return nil
			},
			Carrier: func(id uint16, t codec.TLV) error {
				if def.Carrier == nil {
					return fmt.Errorf("carrier resource %d on /%d: %w", t.ID, def.ID, errors.ErrNotFound)
				}
				c := codec.TLV{Type: t.Type, ID: t.ID, Value: slices.Clone(t.Value)}
				ws.items = append(ws.items, pending{iid: id, rid: t.ID, carrier: &c})
				return nil
			},
		})
		if err != nil {
			return ws, err
		}
	case message.TextPlain, message.AppOctets:
		if p.Level != lwm2m.LevelResource {
			return ws, fmt.Errorf("%v write to %s: %w", format, p, errors.ErrUnsupportedFormat)
		}
		d, err := resolve(p.Resource)
		if err != nil {
			return ws, err
		}
		if d.Multiple {
			return ws, fmt.Errorf("%v write to list %s: %w", format, p, errors.ErrUnsupportedFormat)
		}
		var v lwm2m.Value
		if format == message.TextPlain {
			v, err = codec.DecodeText(req.Payload, d.Kind, d.Range)
		} else {
			v, err = codec.DecodeOpaque(req.Payload, d.Kind)
		}
		if err != nil {
			return ws, err
		}
		ws.items = append(ws.items, pending{iid: p.Instance, rid: p.Resource, value: v})
	case message.AppSenmlJSON, message.AppSenmlCbor:
		var entries []codec.Entry
		var err error
		if format == message.AppSenmlJSON {
			entries, err = codec.DecodeSenMLJSON(req.Payload)
		} else {
			entries, err = codec.DecodeSenMLCBOR(req.Payload)
		}
		if err != nil {
			return ws, err
		}
		for _, e := range entries {
			if !p.Contains(e.Path) {
				return ws, fmt.Errorf("senml %s outside %s: %w", e.Path, p, errors.ErrBadRequest)
			}
			d, err := resolve(e.Path.Resource)
			if err != nil {
				return ws, err
			}
			v, err := codec.Coerce(e.Value, d.Kind)
			if err != nil {
				return ws, err
			}
			if err := validate(d, v); err != nil {
				return ws, err
			}
			ws.items = append(ws.items, pending{iid: e.Path.Instance, rid: e.Path.Resource, value: v})
		}
	default:
		return ws, fmt.Errorf("content format %v: %w", format, errors.ErrUnsupportedFormat)
	}
	return ws, nil
}

func validate(d ResourceDef, v lwm2m.Value) error {
	if d.Multiple != v.Multiple {
		return fmt.Errorf("resource %d multiplicity: %w", d.ID, errors.ErrInvalid)
	}
	if d.Kind != lwm2m.KindInt {
		return nil
	}
	if !v.Multiple {
		return d.Range.Check(v.Int)
	}
	for _, it := range v.Items {
		if err := d.Range.Check(it.Int); err != nil {
			return err
		}
	}
	return nil
}

// apply commits a decoded write set. Missing instances are created when
// c is the bootstrap server or the write comes from Create; created
// instances are added to the tree after their resources are set.
func (r *Registry) apply(c Caller, n *node, ws writeSet) ([]uint16, error) {
	targets := slices.Clone(ws.instances)
	for _, it := range ws.items {
		if !slices.Contains(targets, it.iid) {
			targets = append(targets, it.iid)
		}
	}

	fresh := make(map[uint16]Instance)
	existing := make(map[uint16]Instance)
	for _, id := range targets {
		if idx, ok := n.find(id); ok {
			existing[id] = n.instances[idx]
			continue
		}
		if !c.Bootstrap {
			return nil, fmt.Errorf("instance /%d/%d: %w", n.def.ID, id, errors.ErrNotFound)
		}
		if n.def.Create == nil {
			return nil, fmt.Errorf("create /%d/%d: %w", n.def.ID, id, errors.ErrMethodNotAllowed)
		}
		inst, err := n.def.Create(id)
		if err != nil {
			return nil, err
		}
		fresh[id] = inst
	}

	var (
		changed []lwm2m.Path
		kept    []lwm2m.Path
		undo    []restore
	)
	for _, it := range ws.items {
		inst, ok := existing[it.iid]
		if !ok {
			inst = fresh[it.iid]
		}
		p := lwm2m.ResourcePath(n.def.ID, it.iid, it.rid)
		var err error
		if it.carrier != nil {
			err = n.def.Carrier(inst, *it.carrier)
		} else {
			if ok {
				undo = append(undo, snapshot(inst, it.rid))
			}
			err = inst.Write(it.rid, it.value)
		}
		if err != nil {
			r.rollback(undo)
			// Carrier records cannot be undone.
			for _, p := range kept {
				r.Changed(p)
			}
			return nil, err
		}
		if ok {
			changed = append(changed, p)
			if it.carrier != nil {
				kept = append(kept, p)
			}
		}
	}

	var created []uint16
	for _, id := range targets {
		inst, ok := fresh[id]
		if !ok {
			continue
		}
		if err := r.AddInstance(n.def.ID, inst); err != nil {
			return created, err
		}
		created = append(created, id)
	}
	for _, p := range changed {
		r.Changed(p)
	}
	return created, nil
}

// restore holds the value of a resource before a write.
type restore struct {
	inst  Instance
	rid   uint16
	value lwm2m.Value
	set   bool
}

func snapshot(inst Instance, rid uint16) restore {
	v, err := inst.Read(rid)
	return restore{inst: inst, rid: rid, value: v, set: err == nil}
}

// rollback undoes the writes of a failed write set in reverse order.
func (r *Registry) rollback(undo []restore) {
	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		if !u.set {
			if b, ok := u.inst.(interface{ Unset(rid uint16) }); ok {
				b.Unset(u.rid)
			}
			continue
		}
		if err := u.inst.Write(u.rid, u.value); err != nil {
			r.logger.Warn("failed to roll back resource",
				slog.Int("instance", int(u.inst.InstanceID())),
				slog.Int("resource", int(u.rid)),
				slog.Any("error", err))
		}
	}
}

// Restore recreates instance (o, i) from persisted resources.
func (r *Registry) Restore(o, i uint16, res []codec.Resource) error {
	n, ok := r.objects[o]
	if !ok {
		return fmt.Errorf("object %d: %w", o, errors.ErrNotFound)
	}
	ws := writeSet{instances: []uint16{i}}
	for _, rs := range res {
		ws.items = append(ws.items, pending{iid: i, rid: rs.ID, value: rs.Value})
	}
	_, err := r.apply(BootstrapCaller, n, ws)
	return err
}

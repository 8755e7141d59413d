// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Dispatch performs a data operation for caller c and returns the
// response. Observe, Cancel Observe, Write Attributes and Bootstrap
// Finish are handled by the client before reaching the registry.
func (r *Registry) Dispatch(c Caller, op lwm2m.Operation, p lwm2m.Path, req *lwm2m.Request) *lwm2m.Response {
	resp, err := r.dispatch(c, op, p, req)
	if err != nil {
		code := errors.Code(err)
		r.logger.Debug("operation failed",
			slog.String("op", op.String()),
			slog.String("path", p.String()),
			slog.Int("ssid", int(c.SSID)),
			slog.String("code", code.String()),
			slog.Any("error", err))
		return lwm2m.NewResponse(code)
	}
	return resp
}

func (r *Registry) dispatch(c Caller, op lwm2m.Operation, p lwm2m.Path, req *lwm2m.Request) (*lwm2m.Response, error) {
	switch op {
	case lwm2m.OpRead:
		return r.read(c, p, req.Accept)
	case lwm2m.OpWrite, lwm2m.OpWritePartial:
		return r.write(c, p, req)
	case lwm2m.OpExecute:
		return r.execute(c, p, req.Payload)
	case lwm2m.OpCreate:
		return r.create(c, p, req)
	case lwm2m.OpDelete:
		return r.delete(c, p)
	case lwm2m.OpDiscover:
		return r.discover(c, p)
	case lwm2m.OpBootstrapDiscover:
		return r.bootstrapDiscover(p)
	default:
		return nil, fmt.Errorf("%s: %w", op, errors.ErrMethodNotAllowed)
	}
}

// Authorize checks that c may perform op on p.
func (r *Registry) Authorize(c Caller, p lwm2m.Path, op lwm2m.Perm) error {
	return r.authorize(c, p, op)
}

func (r *Registry) authorize(c Caller, p lwm2m.Path, op lwm2m.Perm) error {
	if r.access == nil {
		return nil
	}
	return r.access.Check(c.SSID, p, op)
}

func (r *Registry) read(c Caller, p lwm2m.Path, accept message.MediaType) (*lwm2m.Response, error) {
	if p.Level == lwm2m.LevelRoot {
		return nil, fmt.Errorf("read /: %w", errors.ErrMethodNotAllowed)
	}
	if p.Level >= lwm2m.LevelInstance {
		if err := r.authorize(c, p, lwm2m.PermRead); err != nil {
			return nil, err
		}
	}
	format, payload, err := r.Encode(c, p, accept)
	if err != nil {
		return nil, err
	}
	return lwm2m.Content(format, payload), nil
}

func (r *Registry) execute(c Caller, p lwm2m.Path, args []byte) (*lwm2m.Response, error) {
	if p.Level != lwm2m.LevelResource {
		return nil, fmt.Errorf("execute %s: %w", p, errors.ErrMethodNotAllowed)
	}
	if err := r.authorize(c, p, lwm2m.PermExecute); err != nil {
		return nil, err
	}
	inst, err := r.Lookup(p.Object, p.Instance)
	if err != nil {
		return nil, err
	}
	def, ok := r.objects[p.Object].def.Resource(p.Resource)
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", p, errors.ErrNotFound)
	}
	if def.Ops&OpE == 0 {
		return nil, fmt.Errorf("execute %s: %w", p, errors.ErrMethodNotAllowed)
	}
	if err := inst.Execute(p.Resource, args); err != nil {
		return nil, err
	}
	return lwm2m.NewResponse(codes.Changed), nil
}

func (r *Registry) write(c Caller, p lwm2m.Path, req *lwm2m.Request) (*lwm2m.Response, error) {
	n, ok := r.objects[p.Object]
	if !ok || p.Level == lwm2m.LevelRoot {
		return nil, fmt.Errorf("write %s: %w", p, errors.ErrNotFound)
	}
	if p.Level == lwm2m.LevelObject && !c.Bootstrap {
		return nil, fmt.Errorf("write %s: %w", p, errors.ErrMethodNotAllowed)
	}
	if p.Level >= lwm2m.LevelInstance {
		if _, err := r.Lookup(p.Object, p.Instance); err != nil && !c.Bootstrap {
			return nil, err
		}
		if err := r.authorize(c, p, lwm2m.PermWrite); err != nil {
			return nil, err
		}
	}
	ws, err := r.decode(n.def, p, p.Instance, req, !c.Bootstrap)
	if err != nil {
		return nil, err
	}
	if _, err := r.apply(c, n, ws); err != nil {
		return nil, err
	}
	return lwm2m.NewResponse(codes.Changed), nil
}

func (r *Registry) create(c Caller, p lwm2m.Path, req *lwm2m.Request) (*lwm2m.Response, error) {
	n, ok := r.objects[p.Object]
	if !ok {
		return nil, fmt.Errorf("create %s: %w", p, errors.ErrNotFound)
	}
	if n.def.Create == nil {
		return nil, fmt.Errorf("create %s: %w", p, errors.ErrMethodNotAllowed)
	}
	if err := r.authorize(c, p, lwm2m.PermCreate); err != nil {
		return nil, err
	}
	iid, err := r.FreeID(p.Object)
	if err != nil {
		return nil, err
	}
	ws, err := r.decode(n.def, p, iid, req, false)
	if err != nil {
		return nil, err
	}
	if len(ws.instances) == 0 {
		ws.instances = []uint16{iid}
	}
	for _, id := range ws.instances {
		if _, found := n.find(id); found {
			return nil, fmt.Errorf("create /%d/%d: %w", p.Object, id, errors.ErrAlreadyExists)
		}
	}
	created, err := r.apply(Caller{SSID: c.SSID, Bootstrap: true}, n, ws)
	if err != nil {
		return nil, err
	}
	if r.access != nil && !c.Bootstrap {
		for _, id := range created {
			if _, err := r.access.Bind(p.Object, id, c.SSID); err != nil {
				r.logger.Warn("failed to bind access control",
					slog.String("path", lwm2m.InstancePath(p.Object, id).String()),
					slog.Any("error", err))
			}
		}
	}
	resp := lwm2m.NewResponse(codes.Created)
	resp.Location = []string{strconv.Itoa(int(p.Object)), strconv.Itoa(int(ws.instances[0]))}
	return resp, nil
}

func (r *Registry) delete(c Caller, p lwm2m.Path) (*lwm2m.Response, error) {
	switch p.Level {
	case lwm2m.LevelRoot, lwm2m.LevelObject:
		if !c.Bootstrap {
			return nil, fmt.Errorf("delete %s: %w", p, errors.ErrMethodNotAllowed)
		}
		for _, obj := range r.Objects() {
			if p.Level == lwm2m.LevelObject && obj.ID != p.Object {
				continue
			}
			for _, inst := range r.Instances(obj.ID) {
				if obj.Deletable != nil && !obj.Deletable(inst, true) {
					continue
				}
				if obj.Create == nil {
					continue
				}
				if err := r.DeleteInstance(obj.ID, inst.InstanceID()); err != nil {
					return nil, err
				}
			}
		}
		return lwm2m.NewResponse(codes.Deleted), nil
	case lwm2m.LevelInstance:
		inst, err := r.Lookup(p.Object, p.Instance)
		if err != nil {
			return nil, err
		}
		if err := r.authorize(c, p, lwm2m.PermDelete); err != nil {
			return nil, err
		}
		def := r.objects[p.Object].def
		allowed := def.Deletable != nil && def.Deletable(inst, c.Bootstrap)
		if c.Bootstrap && def.Deletable == nil {
			allowed = def.Create != nil
		}
		if !allowed {
			return nil, fmt.Errorf("delete %s: %w", p, errors.ErrMethodNotAllowed)
		}
		if err := r.DeleteInstance(p.Object, p.Instance); err != nil {
			return nil, err
		}
		return lwm2m.NewResponse(codes.Deleted), nil
	default:
		return nil, fmt.Errorf("delete %s: %w", p, errors.ErrMethodNotAllowed)
	}
}

// Discover renders the link-format description of p for caller c.
func (r *Registry) Discover(c Caller, p lwm2m.Path) ([]byte, error) {
	n, ok := r.objects[p.Object]
	if !ok || p.Level == lwm2m.LevelRoot {
		return nil, fmt.Errorf("discover %s: %w", p, errors.ErrNotFound)
	}
	var links []codec.Link
	link := func(lp lwm2m.Path, extra ...codec.Attr) codec.Link {
		l := codec.Link{Path: lp, Attrs: extra}
		if r.attrs != nil {
			l.Attrs = append(l.Attrs, r.attrs.LinkAttrs(c.SSID, lp)...)
		}
		return l
	}
	resourceLinks := func(inst Instance) {
		for _, d := range n.def.Resources {
			v, err := inst.Read(d.ID)
			if err != nil {
				continue
			}
			rp := lwm2m.ResourcePath(p.Object, inst.InstanceID(), d.ID)
			if v.Multiple {
				links = append(links, link(rp, codec.IntAttr("dim", int64(len(v.Items)))))
				continue
			}
			links = append(links, link(rp))
		}
	}

	switch p.Level {
	case lwm2m.LevelObject:
		links = append(links, link(p))
		for _, inst := range n.instances {
			ip := lwm2m.InstancePath(p.Object, inst.InstanceID())
			if r.authorize(c, ip, lwm2m.PermRead) != nil {
				continue
			}
			links = append(links, link(ip))
		}
	case lwm2m.LevelInstance:
		inst, err := r.Lookup(p.Object, p.Instance)
		if err != nil {
			return nil, err
		}
		links = append(links, link(p))
		resourceLinks(inst)
	default:
		inst, err := r.Lookup(p.Object, p.Instance)
		if err != nil {
			return nil, err
		}
		v, err := inst.Read(p.Resource)
		if err != nil {
			return nil, err
		}
		if v.Multiple {
			links = append(links, link(p, codec.IntAttr("dim", int64(len(v.Items)))))
		} else {
			links = append(links, link(p))
		}
	}
	return codec.EncodeLinks(links), nil
}

func (r *Registry) discover(c Caller, p lwm2m.Path) (*lwm2m.Response, error) {
	if err := r.authorize(c, p, lwm2m.PermDiscover); err != nil {
		return nil, err
	}
	body, err := r.Discover(c, p)
	if err != nil {
		return nil, err
	}
	return lwm2m.Content(message.AppLinkFormat, body), nil
}

func (r *Registry) bootstrapDiscover(p lwm2m.Path) (*lwm2m.Response, error) {
	if p.Level > lwm2m.LevelObject {
		return nil, fmt.Errorf("bootstrap discover %s: %w", p, errors.ErrBadRequest)
	}
	var links []codec.Link
	if p.Level == lwm2m.LevelRoot {
		links = append(links, codec.Link{Target: "/", Attrs: []codec.Attr{{Key: "lwm2m", Value: "1.0", Quoted: true}}})
	}
	for _, obj := range r.Objects() {
		if p.Level == lwm2m.LevelObject && obj.ID != p.Object {
			continue
		}
		insts := r.objects[obj.ID].instances
		if len(insts) == 0 {
			links = append(links, codec.Link{Path: lwm2m.ObjectPath(obj.ID)})
			continue
		}
		for _, inst := range insts {
			l := codec.Link{Path: lwm2m.InstancePath(obj.ID, inst.InstanceID())}
			if obj.LinkAttrs != nil {
				l.Attrs = obj.LinkAttrs(inst)
			}
			links = append(links, l)
		}
	}
	if p.Level == lwm2m.LevelObject && len(links) == 0 {
		return nil, fmt.Errorf("bootstrap discover %s: %w", p, errors.ErrNotFound)
	}
	return lwm2m.Content(message.AppLinkFormat, codec.EncodeLinks(links)), nil
}

// RegisterLinks returns the Register body for ssid: every object except
// Security and every instance ssid can read.
func (r *Registry) RegisterLinks(ssid uint16) []byte {
	c := Caller{SSID: ssid}
	links := []codec.Link{{Target: "/", Attrs: []codec.Attr{{Key: "rt", Value: "oma.lwm2m", Quoted: true}}}}
	for _, obj := range r.Objects() {
		if obj.ID == lwm2m.ObjectSecurity {
			continue
		}
		var readable []codec.Link
		for _, inst := range r.objects[obj.ID].instances {
			ip := lwm2m.InstancePath(obj.ID, inst.InstanceID())
			if r.authorize(c, ip, lwm2m.PermRead) != nil {
				continue
			}
			readable = append(readable, codec.Link{Path: ip})
		}
		if len(readable) == 0 {
			links = append(links, codec.Link{Path: lwm2m.ObjectPath(obj.ID)})
			continue
		}
		links = append(links, readable...)
	}
	return codec.EncodeLinks(links)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/plgd-dev/go-coap/v3/message"
)

// Caller identifies the server issuing an operation.
type Caller struct {
	SSID      uint16
	Bootstrap bool
}

// BootstrapCaller is the caller used for bootstrap server requests and
// for restoring persisted state.
var BootstrapCaller = Caller{SSID: lwm2m.BootstrapSSID, Bootstrap: true}

type instanceData struct {
	id        uint16
	resources []codec.Resource
}

// collect gathers the readable values under p for caller c.
func (r *Registry) collect(c Caller, p lwm2m.Path) ([]instanceData, error) {
	n, ok := r.objects[p.Object]
	if !ok || p.Level == lwm2m.LevelRoot {
		return nil, fmt.Errorf("read %s: %w", p, errors.ErrNotFound)
	}

	switch p.Level {
	case lwm2m.LevelObject:
		var out []instanceData
		denied := false
		for _, inst := range n.instances {
			ip := lwm2m.InstancePath(p.Object, inst.InstanceID())
			if err := r.authorize(c, ip, lwm2m.PermRead); err != nil {
				denied = true
				continue
			}
			out = append(out, instanceData{id: inst.InstanceID(), resources: readable(n.def, inst)})
		}
		if len(out) == 0 && denied {
			return nil, errors.New("read", p.String(), c.SSID, errors.ErrUnauthorized)
		}
		return out, nil
	case lwm2m.LevelInstance:
		inst, err := r.Lookup(p.Object, p.Instance)
		if err != nil {
			return nil, err
		}
		return []instanceData{{id: inst.InstanceID(), resources: readable(n.def, inst)}}, nil
	default:
		v, err := r.Read(p)
		if err != nil {
			return nil, err
		}
		return []instanceData{{id: p.Instance, resources: []codec.Resource{{ID: p.Resource, Value: v}}}}, nil
	}
}

func readable(def *Object, inst Instance) []codec.Resource {
	var out []codec.Resource
	for _, d := range def.Resources {
		if d.Ops&OpR == 0 {
			continue
		}
		v, err := inst.Read(d.ID)
		if err != nil {
			continue
		}
		out = append(out, codec.Resource{ID: d.ID, Value: v})
	}
	return out
}

// Encode reads p on behalf of c and renders it in the accepted format.
// An unset accept picks text/plain for single resources, octet-stream
// for opaque ones and TLV otherwise.
func (r *Registry) Encode(c Caller, p lwm2m.Path, accept message.MediaType) (message.MediaType, []byte, error) {
	data, err := r.collect(c, p)
	if err != nil {
		return 0, nil, err
	}

	single := p.Level == lwm2m.LevelResource && !data[0].resources[0].Value.Multiple
	if accept == lwm2m.FormatUnset {
		switch {
		case single && data[0].resources[0].Value.Kind == lwm2m.KindOpaque:
			accept = message.AppOctets
		case single:
			accept = message.TextPlain
		default:
			accept = message.AppLwm2mTLV
		}
	}

	switch accept {
	case message.AppLwm2mTLV:
		out, err := encodeTLV(p, data)
		return accept, out, err
	case message.TextPlain:
		if !single {
			return 0, nil, fmt.Errorf("text/plain for %s: %w", p, errors.ErrUnsupportedFormat)
		}
		out, err := codec.EncodeText(data[0].resources[0].Value)
		return accept, out, err
	case message.AppOctets:
		if !single {
			return 0, nil, fmt.Errorf("octet-stream for %s: %w", p, errors.ErrUnsupportedFormat)
		}
		out, err := codec.EncodeOpaque(data[0].resources[0].Value)
		if errors.Is(err, errors.ErrNotSupported) {
			err = fmt.Errorf("octet-stream for %s: %w", p, errors.ErrUnsupportedFormat)
		}
		return accept, out, err
	case message.AppSenmlJSON, message.AppSenmlCbor:
		entries := senmlEntries(p.Object, data)
		if accept == message.AppSenmlJSON {
			out, err := codec.EncodeSenMLJSON(p, entries)
			return accept, out, err
		}
		out, err := codec.EncodeSenMLCBOR(p, entries)
		return accept, out, err
	default:
		return 0, nil, fmt.Errorf("accept %v: %w", accept, errors.ErrUnsupportedFormat)
	}
}

func encodeTLV(p lwm2m.Path, data []instanceData) ([]byte, error) {
	switch p.Level {
	case lwm2m.LevelObject:
		var out []byte
		var err error
		for _, d := range data {
			if out, err = codec.AppendInstance(out, d.id, d.resources); err != nil {
				return nil, err
			}
		}
		return out, nil
	case lwm2m.LevelInstance:
		return codec.AppendResources(nil, data[0].resources)
	default:
		res := data[0].resources[0]
		return codec.AppendResource(nil, res.ID, res.Value)
	}
}

func senmlEntries(object uint16, data []instanceData) []codec.Entry {
	var out []codec.Entry
	for _, d := range data {
		for _, res := range d.resources {
			out = append(out, codec.Entry{Path: lwm2m.ResourcePath(object, d.id, res.ID), Value: res.Value})
		}
	}
	return out
}

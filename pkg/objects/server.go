// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"fmt"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Server resources.
const (
	ServerSSID           uint16 = 0
	ServerLifetime       uint16 = 1
	ServerPmin           uint16 = 2
	ServerPmax           uint16 = 3
	ServerDisable        uint16 = 4
	ServerDisableTimeout uint16 = 5
	ServerStoring        uint16 = 6
	ServerBinding        uint16 = 7
	ServerUpdateTrigger  uint16 = 8
	// ServerCarrier is the Verizon vendor resource. Instance 0 is the
	// registered flag, instance 1 the client hold-off timer.
	ServerCarrier = lwm2m.CarrierResourceID
)

const (
	carrierRegistered uint16 = 0
	carrierHoldOff    uint16 = 1
)

// Server is a Server object instance.
type Server struct {
	*registry.Base
	env        *Env
	registered bool
	holdOff    int64
}

func newServer(env *Env, iid uint16) *Server {
	s := &Server{Base: registry.NewBase(iid), env: env}
	s.Set(ServerSSID, lwm2m.Int(0))
	s.Set(ServerLifetime, lwm2m.Int(86400))
	s.Set(ServerPmin, lwm2m.Int(1))
	s.Set(ServerPmax, lwm2m.Int(0))
	s.Set(ServerDisableTimeout, lwm2m.Int(86400))
	s.Set(ServerStoring, lwm2m.Bool(false))
	s.Set(ServerBinding, lwm2m.String(env.Profile.Binding))
	return s
}

// SSID returns the short server id.
func (s *Server) SSID() uint16 { return uint16(s.Int(ServerSSID)) }

// Lifetime returns the registration lifetime in seconds.
func (s *Server) Lifetime() int64 { return s.Int(ServerLifetime) }

// Binding returns the binding mode.
func (s *Server) Binding() string { return s.Str(ServerBinding) }

// Periods returns the default notification periods.
func (s *Server) Periods() (pmin, pmax int64) {
	return s.Int(ServerPmin), s.Int(ServerPmax)
}

// Registered reports the carrier registered flag.
func (s *Server) Registered() bool { return s.registered }

// SetRegistered updates the carrier registered flag.
func (s *Server) SetRegistered(v bool) { s.registered = v }

// HoldOff returns the carrier client hold-off in seconds.
func (s *Server) HoldOff() int64 { return s.holdOff }

func (s *Server) Read(rid uint16) (lwm2m.Value, error) {
	if rid == ServerCarrier {
		reg := int64(0)
		if s.registered {
			reg = 1
		}
		return lwm2m.IntList(reg, s.holdOff), nil
	}
	return s.Base.Read(rid)
}

func (s *Server) Write(rid uint16, v lwm2m.Value) error {
	if rid == ServerCarrier {
		return s.writeCarrier(v)
	}
	return s.Base.Write(rid, v)
}

func (s *Server) writeCarrier(v lwm2m.Value) error {
	if !v.Multiple {
		return fmt.Errorf("carrier resource: %w", errors.ErrInvalid)
	}
	if it, ok := v.Item(carrierRegistered); ok {
		s.registered = it.Int != 0 || it.Bool
	}
	if it, ok := v.Item(carrierHoldOff); ok {
		s.holdOff = it.Int
	}
	return nil
}

func (s *Server) Execute(rid uint16, _ []byte) error {
	switch rid {
	case ServerDisable:
		s.env.Actions.Disable(s.SSID(), seconds(s.Int(ServerDisableTimeout)))
		return nil
	case ServerUpdateTrigger:
		ssid := s.SSID()
		// The Motive bridge addresses the trigger of the second server
		// through the first instance.
		if s.env.Profile.MotiveBridgeQuirk && s.InstanceID() == 0 {
			if other, err := s.env.Registry.Lookup(lwm2m.ObjectServer, 1); err == nil {
				if o, ok := other.(*Server); ok {
					ssid = o.SSID()
				}
			}
		}
		s.env.Actions.TriggerUpdate(ssid)
		return nil
	default:
		return s.Base.Execute(rid, nil)
	}
}

func serverObject(env *Env) *registry.Object {
	return &registry.Object{
		ID:       lwm2m.ObjectServer,
		Name:     "LwM2M Server",
		Multiple: true,
		Persist:  true,
		Resources: []registry.ResourceDef{
			{ID: ServerSSID, Name: "Short Server ID", Kind: lwm2m.KindInt, Ops: registry.OpR, Range: codec.Range{Min: 1, Max: 65534}},
			{ID: ServerLifetime, Name: "Lifetime", Kind: lwm2m.KindInt, Ops: registry.OpRW},
			{ID: ServerPmin, Name: "Default Minimum Period", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 1<<31 - 1}},
			{ID: ServerPmax, Name: "Default Maximum Period", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 1<<31 - 1}},
			{ID: ServerDisable, Name: "Disable", Ops: registry.OpE},
			{ID: ServerDisableTimeout, Name: "Disable Timeout", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 1<<31 - 1}},
			{ID: ServerStoring, Name: "Notification Storing When Disabled or Offline", Kind: lwm2m.KindBool, Ops: registry.OpRW},
			{ID: ServerBinding, Name: "Binding", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: ServerUpdateTrigger, Name: "Registration Update Trigger", Ops: registry.OpE},
			{ID: ServerCarrier, Name: "Carrier", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
		},
		Create: func(iid uint16) (registry.Instance, error) { return newServer(env, iid), nil },
		Deletable: func(_ registry.Instance, bootstrap bool) bool {
			return bootstrap
		},
		Carrier: func(inst registry.Instance, t codec.TLV) error {
			s, ok := inst.(*Server)
			if !ok || t.ID != ServerCarrier {
				return fmt.Errorf("carrier resource %d: %w", t.ID, errors.ErrNotFound)
			}
			v, err := codec.DecodeResource(t, lwm2m.KindInt)
			if err != nil {
				return err
			}
			return s.writeCarrier(v)
		},
		LinkAttrs: func(inst registry.Instance) []codec.Attr {
			s, ok := inst.(*Server)
			if !ok {
				return nil
			}
			return []codec.Attr{codec.IntAttr("ssid", int64(s.SSID()))}
		},
	}
}

// ServerInstances returns the Server instances in id order.
func ServerInstances(reg *registry.Registry) []*Server {
	var out []*Server
	for _, inst := range reg.Instances(lwm2m.ObjectServer) {
		if s, ok := inst.(*Server); ok {
			out = append(out, s)
		}
	}
	return out
}

// ServerFor returns the Server instance of ssid.
func ServerFor(reg *registry.Registry, ssid uint16) (*Server, bool) {
	for _, s := range ServerInstances(reg) {
		if s.SSID() == ssid {
			return s, true
		}
	}
	return nil, false
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Security resources.
const (
	SecurityURI       uint16 = 0
	SecurityBootstrap uint16 = 1
	SecurityMode      uint16 = 2
	SecurityIdentity  uint16 = 3
	SecurityServerKey uint16 = 4
	SecuritySecretKey uint16 = 5
	SecuritySMSMode   uint16 = 6
	SecuritySMSKey    uint16 = 7
	SecuritySMSSecret uint16 = 8
	SecuritySMSNumber uint16 = 9
	SecuritySSID      uint16 = 10
	SecurityHoldOff   uint16 = 11
	SecurityBSTimeout uint16 = 12
)

// Security modes.
const (
	ModePSK   int64 = 0
	ModeNoSec int64 = 3
)

// Security is a Security object instance.
type Security struct {
	*registry.Base
}

func newSecurity(iid uint16) *Security {
	s := &Security{Base: registry.NewBase(iid)}
	s.Set(SecurityURI, lwm2m.String(""))
	s.Set(SecurityBootstrap, lwm2m.Bool(false))
	s.Set(SecurityMode, lwm2m.Int(ModePSK))
	s.Set(SecurityIdentity, lwm2m.Opaque(nil))
	s.Set(SecurityServerKey, lwm2m.Opaque(nil))
	s.Set(SecuritySecretKey, lwm2m.Opaque(nil))
	s.Set(SecuritySSID, lwm2m.Int(0))
	s.Set(SecurityHoldOff, lwm2m.Int(0))
	return s
}

// URI returns the server URI.
func (s *Security) URI() string { return s.Str(SecurityURI) }

// IsBootstrap reports whether the instance describes the bootstrap server.
func (s *Security) IsBootstrap() bool { return s.Bool(SecurityBootstrap) }

// SSID returns the short server id; the bootstrap instance always
// reports lwm2m.BootstrapSSID.
func (s *Security) SSID() uint16 {
	if s.IsBootstrap() {
		return lwm2m.BootstrapSSID
	}
	return uint16(s.Int(SecuritySSID))
}

// HoldOff returns the client hold-off in seconds.
func (s *Security) HoldOff() int64 { return s.Int(SecurityHoldOff) }

// Endpoint returns the transport endpoint described by the instance.
func (s *Security) Endpoint() lwm2m.Endpoint {
	return lwm2m.Endpoint{
		URI:      s.URI(),
		SSID:     s.SSID(),
		Identity: s.Bytes(SecurityIdentity),
		PSK:      s.Bytes(SecuritySecretKey),
	}
}

func securityObject() *registry.Object {
	return &registry.Object{
		ID:       lwm2m.ObjectSecurity,
		Name:     "LWM2M Security",
		Multiple: true,
		Persist:  true,
		Resources: []registry.ResourceDef{
			{ID: SecurityURI, Name: "LWM2M Server URI", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: SecurityBootstrap, Name: "Bootstrap-Server", Kind: lwm2m.KindBool, Ops: registry.OpRW},
			{ID: SecurityMode, Name: "Security Mode", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 4}},
			{ID: SecurityIdentity, Name: "Public Key or Identity", Kind: lwm2m.KindOpaque, Ops: registry.OpRW},
			{ID: SecurityServerKey, Name: "Server Public Key", Kind: lwm2m.KindOpaque, Ops: registry.OpRW},
			{ID: SecuritySecretKey, Name: "Secret Key", Kind: lwm2m.KindOpaque, Ops: registry.OpRW},
			{ID: SecuritySMSMode, Name: "SMS Security Mode", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 255}},
			{ID: SecuritySMSKey, Name: "SMS Binding Key Parameters", Kind: lwm2m.KindOpaque, Ops: registry.OpRW},
			{ID: SecuritySMSSecret, Name: "SMS Binding Secret Key(s)", Kind: lwm2m.KindOpaque, Ops: registry.OpRW},
			{ID: SecuritySMSNumber, Name: "LwM2M Server SMS Number", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: SecuritySSID, Name: "Short Server ID", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 1, Max: 65535}},
			{ID: SecurityHoldOff, Name: "Client Hold Off Time", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 1<<31 - 1}},
			{ID: SecurityBSTimeout, Name: "Bootstrap-Server Account Timeout", Kind: lwm2m.KindInt, Ops: registry.OpRW},
		},
		Create: func(iid uint16) (registry.Instance, error) { return newSecurity(iid), nil },
		// The bootstrap account is never deleted; other accounts only
		// by the bootstrap server.
		Deletable: func(inst registry.Instance, bootstrap bool) bool {
			s, ok := inst.(*Security)
			return ok && bootstrap && !s.IsBootstrap()
		},
		LinkAttrs: func(inst registry.Instance) []codec.Attr {
			s, ok := inst.(*Security)
			if !ok || s.IsBootstrap() {
				return nil
			}
			attrs := []codec.Attr{codec.IntAttr("ssid", int64(s.SSID()))}
			if uri := s.URI(); uri != "" {
				attrs = append(attrs, codec.Attr{Key: "uri", Value: uri, Quoted: true})
			}
			return attrs
		},
	}
}

// SecurityInstances returns the Security instances in id order.
func SecurityInstances(reg *registry.Registry) []*Security {
	var out []*Security
	for _, inst := range reg.Instances(lwm2m.ObjectSecurity) {
		if s, ok := inst.(*Security); ok {
			out = append(out, s)
		}
	}
	return out
}

// BootstrapSecurity returns the bootstrap account.
func BootstrapSecurity(reg *registry.Registry) (*Security, bool) {
	for _, s := range SecurityInstances(reg) {
		if s.IsBootstrap() {
			return s, true
		}
	}
	return nil, false
}

// SecurityFor returns the account of ssid.
func SecurityFor(reg *registry.Registry, ssid uint16) (*Security, bool) {
	for _, s := range SecurityInstances(reg) {
		if !s.IsBootstrap() && s.SSID() == ssid {
			return s, true
		}
	}
	return nil, false
}

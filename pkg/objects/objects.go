// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Set holds the installed objects and the singleton instances the client
// updates directly.
type Set struct {
	env     *Env
	Access  *AccessControl
	Device  *Device
	ConnMon *registry.Base
	Stats   *Stats
	ConnExt *ConnExt
}

// Register installs every object definition into env.Registry. ac must
// be the registry's access control.
func Register(env Env, ac *AccessControl) (*Set, error) {
	env.defaults()
	s := &Set{env: &env, Access: ac}
	if err := ac.Attach(env.Registry); err != nil {
		return nil, err
	}
	defs := []*registry.Object{
		securityObject(),
		serverObject(s.env),
		deviceObject(),
		connMonObject(),
		statsObject(),
		apnObject(),
		portfolioObject(),
		connExtObject(),
	}
	for _, def := range defs {
		if err := env.Registry.Register(def); err != nil {
			return nil, fmt.Errorf("register object %d: %w", def.ID, err)
		}
	}
	return s, nil
}

// SeedDevice creates the instances describing the device itself. They
// are rebuilt on every boot.
func (s *Set) SeedDevice() error {
	reg := s.env.Registry
	s.Device = newDevice(s.env)
	s.ConnMon = newConnMon()
	s.Stats = newStats(s.env)
	s.ConnExt = newConnExt(s.env)
	for _, it := range []struct {
		object uint16
		inst   registry.Instance
	}{
		{lwm2m.ObjectDevice, s.Device},
		{lwm2m.ObjectConnectivityMonitoring, s.ConnMon},
		{lwm2m.ObjectConnectivityStatistics, s.Stats},
		{lwm2m.ObjectConnectivityExtension, s.ConnExt},
	} {
		if err := reg.AddInstance(it.object, it.inst); err != nil {
			return err
		}
	}
	return nil
}

// SeedFactory creates the factory Security, Server and Portfolio
// instances of the profile and applies its access control templates.
func (s *Set) SeedFactory() error {
	p := s.env.Profile
	reg := s.env.Registry
	identity := []byte(s.env.Endpoint)

	if p.NeedsBootstrap() {
		psk, err := p.PSK()
		if err != nil {
			return err
		}
		bs := newSecurity(0)
		bs.Set(SecurityURI, lwm2m.String(p.BootstrapURI))
		bs.Set(SecurityBootstrap, lwm2m.Bool(true))
		bs.Set(SecurityMode, lwm2m.Int(modeFor(p.BootstrapURI)))
		bs.Set(SecurityIdentity, lwm2m.Opaque(identity))
		bs.Set(SecuritySecretKey, lwm2m.Opaque(psk))
		bs.Set(SecurityHoldOff, lwm2m.Int(int64(p.BootstrapHoldOff.Seconds())))
		if err := reg.AddInstance(lwm2m.ObjectSecurity, bs); err != nil {
			return err
		}
	}

	for n, srv := range p.Servers {
		psk, err := decodePSK(srv.PSK)
		if err != nil {
			return fmt.Errorf("server %d: %w", srv.SSID, err)
		}
		sec := newSecurity(uint16(n + 1))
		sec.Set(SecurityURI, lwm2m.String(srv.URI))
		sec.Set(SecurityMode, lwm2m.Int(modeFor(srv.URI)))
		sec.Set(SecuritySSID, lwm2m.Int(int64(srv.SSID)))
		sec.Set(SecurityIdentity, lwm2m.Opaque(identity))
		sec.Set(SecuritySecretKey, lwm2m.Opaque(psk))
		sec.Set(SecurityHoldOff, lwm2m.Int(srv.HoldOff))
		if err := reg.AddInstance(lwm2m.ObjectSecurity, sec); err != nil {
			return err
		}

		sv := newServer(s.env, uint16(n))
		sv.Set(ServerSSID, lwm2m.Int(int64(srv.SSID)))
		sv.Set(ServerLifetime, lwm2m.Int(srv.Lifetime))
		sv.Set(ServerPmin, lwm2m.Int(srv.Pmin))
		sv.Set(ServerPmax, lwm2m.Int(srv.Pmax))
		sv.Set(ServerDisableTimeout, lwm2m.Int(srv.DisableTimeout))
		sv.Set(ServerStoring, lwm2m.Bool(srv.Storing))
		if err := reg.AddInstance(lwm2m.ObjectServer, sv); err != nil {
			return err
		}
		if err := s.Access.Apply(operator.ACL{Object: lwm2m.ObjectServer, Instance: uint16(n), Owner: srv.SSID}); err != nil {
			return err
		}
	}

	if s.env.Host != nil {
		if err := reg.AddInstance(lwm2m.ObjectPortfolio, hostPortfolio(s.env.Host.Identity())); err != nil {
			return err
		}
	}

	for _, t := range p.ACL {
		if err := s.Access.Apply(t); err != nil {
			return fmt.Errorf("acl template /%d/%d: %w", t.Object, t.Instance, err)
		}
	}
	return nil
}

// SetProfile replaces the operator profile used by later seeding and by
// the Server object quirks.
func (s *Set) SetProfile(p operator.Profile) {
	s.env.Profile = p
}

// Reset drops every instance and access control entry.
func (s *Set) Reset() {
	s.Access.Table().Clear()
	s.env.Registry.Clear()
}

func modeFor(uri string) int64 {
	if strings.HasPrefix(uri, "coap://") {
		return ModeNoSec
	}
	return ModePSK
}

func decodePSK(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("psk: %w", errors.ErrInvalid)
	}
	return b, nil
}

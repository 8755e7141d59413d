// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Portfolio resources.
const (
	PortfolioIdentity    uint16 = 0
	PortfolioGetAuthData uint16 = 1
	PortfolioAuthData    uint16 = 2
	PortfolioAuthStatus  uint16 = 3
)

// Host device identity slots of the Portfolio Identity resource.
const (
	IdentityHostID = iota
	IdentityManufacturer
	IdentityModel
	IdentitySoftwareVersion
)

func newPortfolio(iid uint16) *registry.Base {
	b := registry.NewBase(iid)
	b.Set(PortfolioIdentity, lwm2m.StringList())
	return b
}

func portfolioObject() *registry.Object {
	return &registry.Object{
		ID:       lwm2m.ObjectPortfolio,
		Name:     "Portfolio",
		Multiple: true,
		Persist:  true,
		Resources: []registry.ResourceDef{
			{ID: PortfolioIdentity, Name: "Identity", Kind: lwm2m.KindString, Ops: registry.OpRW, Multiple: true},
			{ID: PortfolioGetAuthData, Name: "GetAuthData", Ops: registry.OpE},
			{ID: PortfolioAuthData, Name: "AuthData", Kind: lwm2m.KindOpaque, Ops: registry.OpR, Multiple: true},
			{ID: PortfolioAuthStatus, Name: "AuthStatus", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
		},
		Create: func(iid uint16) (registry.Instance, error) { return newPortfolio(iid), nil },
		// The host device portfolio is owned by the client.
		Deletable: func(inst registry.Instance, bootstrap bool) bool {
			return bootstrap || inst.InstanceID() != 0
		},
	}
}

// hostPortfolio returns instance 0 describing the host device.
func hostPortfolio(id lwm2m.Identity) *registry.Base {
	b := newPortfolio(0)
	slots := make([]string, IdentitySoftwareVersion+1)
	slots[IdentityHostID] = id.SerialNumber
	slots[IdentityManufacturer] = id.Manufacturer
	slots[IdentityModel] = id.Model
	slots[IdentitySoftwareVersion] = id.SoftwareVersion
	b.Set(PortfolioIdentity, lwm2m.StringList(slots...))
	return b
}

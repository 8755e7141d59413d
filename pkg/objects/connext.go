// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/absmach/lwm2m-carrier/pkg/retry"
)

// Connectivity Extension resources.
const (
	ConnExtICCID          uint16 = 0
	ConnExtMSISDN         uint16 = 1
	ConnExtAPNRetries     uint16 = 2
	ConnExtAPNRetryPeriod uint16 = 3
	ConnExtAPNBackoff     uint16 = 4
	ConnExtSINR           uint16 = 5
	ConnExtSRXLEV         uint16 = 6
	ConnExtCEMode         uint16 = 7
)

// ConnExt is the Connectivity Extension instance.
type ConnExt struct {
	*registry.Base
}

func newConnExt(env *Env) *ConnExt {
	c := &ConnExt{Base: registry.NewBase(0)}
	apn := env.Profile.APN
	c.Set(ConnExtAPNRetries, lwm2m.IntList(int64(apn.Retries)))
	c.Set(ConnExtAPNRetryPeriod, lwm2m.IntList(int64(apn.Period/time.Second)))
	c.Set(ConnExtAPNBackoff, lwm2m.IntList(int64(apn.Backoff/time.Second)))
	c.Set(ConnExtSINR, lwm2m.Int(0))
	c.Set(ConnExtSRXLEV, lwm2m.Int(0))
	c.Set(ConnExtCEMode, lwm2m.String("0"))
	if env.Host != nil {
		id := env.Host.Identity()
		c.Set(ConnExtICCID, lwm2m.String(id.ICCID))
		c.Set(ConnExtMSISDN, lwm2m.String(id.MSISDN))
	}
	return c
}

// APN returns the APN retry record of the first APN class.
func (c *ConnExt) APN() retry.APN {
	first := func(rid uint16) int64 {
		v, ok := c.Get(rid)
		if !ok || len(v.Items) == 0 {
			return 0
		}
		return v.Items[0].Int
	}
	return retry.APN{
		Retries: int(first(ConnExtAPNRetries)),
		Period:  seconds(first(ConnExtAPNRetryPeriod)),
		Backoff: seconds(first(ConnExtAPNBackoff)),
	}
}

func connExtObject() *registry.Object {
	return &registry.Object{
		ID:      lwm2m.ObjectConnectivityExtension,
		Name:    "Connectivity Extension",
		Persist: true,
		Resources: []registry.ResourceDef{
			{ID: ConnExtICCID, Name: "ICCID", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: ConnExtMSISDN, Name: "MSISDN", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: ConnExtAPNRetries, Name: "APN retries", Kind: lwm2m.KindInt, Ops: registry.OpRW, Multiple: true, Range: codec.Range{Min: 0, Max: 255}},
			{ID: ConnExtAPNRetryPeriod, Name: "APN retry period", Kind: lwm2m.KindInt, Ops: registry.OpRW, Multiple: true, Range: codec.Range{Min: 0, Max: 1<<31 - 1}},
			{ID: ConnExtAPNBackoff, Name: "APN retry back-off period", Kind: lwm2m.KindInt, Ops: registry.OpRW, Multiple: true, Range: codec.Range{Min: 0, Max: 1<<31 - 1}},
			{ID: ConnExtSINR, Name: "SINR", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ConnExtSRXLEV, Name: "SRXLEV", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ConnExtCEMode, Name: "CE Mode", Kind: lwm2m.KindString, Ops: registry.OpR},
		},
	}
}

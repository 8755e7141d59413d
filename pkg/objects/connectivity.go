// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Connectivity Monitoring resources.
const (
	ConnBearer          uint16 = 0
	ConnBearers         uint16 = 1
	ConnSignalStrength  uint16 = 2
	ConnLinkQuality     uint16 = 3
	ConnIPAddresses     uint16 = 4
	ConnRouterAddresses uint16 = 5
	ConnLinkUtilization uint16 = 6
	ConnAPN             uint16 = 7
	ConnCellID          uint16 = 8
	ConnSMNC            uint16 = 9
	ConnSMCC            uint16 = 10
)

// Network bearers.
const (
	BearerLTEFDD  int64 = 6
	BearerNBIoT   int64 = 7
	BearerLTETDD  int64 = 8
	BearerUnknown int64 = 255
)

// Connectivity is the radio state reported by the host.
type Connectivity struct {
	Bearer         int64
	SignalStrength int64
	LinkQuality    int64
	IPAddresses    []string
	APNs           []string
	CellID         int64
	MNC            int64
	MCC            int64
}

func connMonObject() *registry.Object {
	return &registry.Object{
		ID:   lwm2m.ObjectConnectivityMonitoring,
		Name: "Connectivity Monitoring",
		Resources: []registry.ResourceDef{
			{ID: ConnBearer, Name: "Network Bearer", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ConnBearers, Name: "Available Network Bearer", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: ConnSignalStrength, Name: "Radio Signal Strength", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ConnLinkQuality, Name: "Link Quality", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ConnIPAddresses, Name: "IP Addresses", Kind: lwm2m.KindString, Ops: registry.OpR, Multiple: true},
			{ID: ConnRouterAddresses, Name: "Router IP Addresses", Kind: lwm2m.KindString, Ops: registry.OpR, Multiple: true},
			{ID: ConnLinkUtilization, Name: "Link Utilization", Kind: lwm2m.KindInt, Ops: registry.OpR, Range: codec.Range{Min: 0, Max: 100}},
			{ID: ConnAPN, Name: "APN", Kind: lwm2m.KindString, Ops: registry.OpR, Multiple: true},
			{ID: ConnCellID, Name: "Cell ID", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ConnSMNC, Name: "SMNC", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ConnSMCC, Name: "SMCC", Kind: lwm2m.KindInt, Ops: registry.OpR},
		},
	}
}

func newConnMon() *registry.Base {
	b := registry.NewBase(0)
	b.Set(ConnBearer, lwm2m.Int(BearerUnknown))
	b.Set(ConnBearers, lwm2m.IntList(BearerLTEFDD, BearerNBIoT))
	b.Set(ConnSignalStrength, lwm2m.Int(0))
	b.Set(ConnLinkQuality, lwm2m.Int(0))
	b.Set(ConnIPAddresses, lwm2m.StringList())
	b.Set(ConnAPN, lwm2m.StringList())
	b.Set(ConnCellID, lwm2m.Int(0))
	b.Set(ConnSMNC, lwm2m.Int(0))
	b.Set(ConnSMCC, lwm2m.Int(0))
	return b
}

// UpdateConnectivity stores c in /4/0, notifying observers of the
// resources that changed.
func UpdateConnectivity(reg *registry.Registry, c Connectivity) error {
	values := []struct {
		rid uint16
		v   lwm2m.Value
	}{
		{ConnBearer, lwm2m.Int(c.Bearer)},
		{ConnSignalStrength, lwm2m.Int(c.SignalStrength)},
		{ConnLinkQuality, lwm2m.Int(c.LinkQuality)},
		{ConnIPAddresses, lwm2m.StringList(c.IPAddresses...)},
		{ConnAPN, lwm2m.StringList(c.APNs...)},
		{ConnCellID, lwm2m.Int(c.CellID)},
		{ConnSMNC, lwm2m.Int(c.MNC)},
		{ConnSMCC, lwm2m.Int(c.MCC)},
	}
	for _, it := range values {
		p := lwm2m.ResourcePath(lwm2m.ObjectConnectivityMonitoring, 0, it.rid)
		if old, err := reg.Read(p); err == nil && old.Equal(it.v) {
			continue
		}
		if err := reg.Set(p, it.v); err != nil {
			return err
		}
	}
	return nil
}

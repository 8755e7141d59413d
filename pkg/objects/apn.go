// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// APN Connection Profile resources.
const (
	APNProfileName  uint16 = 0
	APNName         uint16 = 1
	APNAutoSelect   uint16 = 2
	APNEnabled      uint16 = 3
	APNAuthType     uint16 = 4
	APNUserName     uint16 = 5
	APNSecret       uint16 = 6
	APNConnectTimes uint16 = 9
	APNResults      uint16 = 10
	APNRejectCauses uint16 = 11
	APNEndTimes     uint16 = 12
)

// maxConnectionRecords bounds the connection history lists.
const maxConnectionRecords = 4

// APN is an APN Connection Profile instance.
type APN struct {
	*registry.Base
}

func newAPN(iid uint16) *APN {
	a := &APN{Base: registry.NewBase(iid)}
	a.Set(APNProfileName, lwm2m.String(""))
	a.Set(APNEnabled, lwm2m.Bool(true))
	a.Set(APNAuthType, lwm2m.Int(0))
	return a
}

// Name returns the access point name.
func (a *APN) Name() string { return a.Str(APNName) }

// Enabled reports the enable status.
func (a *APN) Enabled() bool { return a.Bool(APNEnabled) }

func apnObject() *registry.Object {
	return &registry.Object{
		ID:       lwm2m.ObjectAPNConnectionProfile,
		Name:     "APN Connection Profile",
		Multiple: true,
		Persist:  true,
		Resources: []registry.ResourceDef{
			{ID: APNProfileName, Name: "Profile name", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: APNName, Name: "APN", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: APNAutoSelect, Name: "Auto select APN by device", Kind: lwm2m.KindBool, Ops: registry.OpRW},
			{ID: APNEnabled, Name: "Enable status", Kind: lwm2m.KindBool, Ops: registry.OpRW},
			{ID: APNAuthType, Name: "Authentication Type", Kind: lwm2m.KindInt, Ops: registry.OpRW, Range: codec.Range{Min: 0, Max: 3}},
			{ID: APNUserName, Name: "User Name", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: APNSecret, Name: "Secret", Kind: lwm2m.KindString, Ops: registry.OpW},
			{ID: APNConnectTimes, Name: "Connection establishment time", Kind: lwm2m.KindTime, Ops: registry.OpR, Multiple: true},
			{ID: APNResults, Name: "Connection establishment result", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: APNRejectCauses, Name: "Connection establishment reject cause", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: APNEndTimes, Name: "Connection end time", Kind: lwm2m.KindTime, Ops: registry.OpR, Multiple: true},
		},
		Create: func(iid uint16) (registry.Instance, error) { return newAPN(iid), nil },
		Deletable: func(registry.Instance, bool) bool {
			return true
		},
	}
}

// APNInstances returns the APN Connection Profile instances.
func APNInstances(reg *registry.Registry) []*APN {
	var out []*APN
	for _, inst := range reg.Instances(lwm2m.ObjectAPNConnectionProfile) {
		if a, ok := inst.(*APN); ok {
			out = append(out, a)
		}
	}
	return out
}

// RecordConnection appends a connection attempt to every enabled profile
// named apn. result is zero on success, cause the network reject cause.
func RecordConnection(reg *registry.Registry, apn string, at time.Time, result, cause int64) {
	for _, a := range APNInstances(reg) {
		if a.Name() != apn || !a.Enabled() {
			continue
		}
		appendRecord(reg, a, APNConnectTimes, lwm2m.Time(at))
		appendRecord(reg, a, APNResults, lwm2m.Int(result))
		appendRecord(reg, a, APNRejectCauses, lwm2m.Int(cause))
	}
}

// RecordDisconnect stamps the end time on every enabled profile named
// apn.
func RecordDisconnect(reg *registry.Registry, apn string, at time.Time) {
	for _, a := range APNInstances(reg) {
		if a.Name() == apn && a.Enabled() {
			appendRecord(reg, a, APNEndTimes, lwm2m.Time(at))
		}
	}
}

func appendRecord(reg *registry.Registry, a *APN, rid uint16, v lwm2m.Value) {
	list, ok := a.Get(rid)
	if !ok {
		list = lwm2m.List(v.Kind)
	}
	items := append(list.Items, v)
	if len(items) > maxConnectionRecords {
		items = items[len(items)-maxConnectionRecords:]
	}
	list = lwm2m.List(v.Kind, items...)
	_ = reg.Set(lwm2m.ResourcePath(lwm2m.ObjectAPNConnectionProfile, a.InstanceID(), rid), list)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/acl"
	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type fakeActions struct {
	disabled  []uint16
	timeout   time.Duration
	triggered []uint16
	reboots   int
	resets    int
}

func (a *fakeActions) Disable(ssid uint16, timeout time.Duration) {
	a.disabled = append(a.disabled, ssid)
	a.timeout = timeout
}
func (a *fakeActions) TriggerUpdate(ssid uint16) { a.triggered = append(a.triggered, ssid) }
func (a *fakeActions) Reboot()                   { a.reboots++ }
func (a *fakeActions) FactoryReset()             { a.resets++ }

type fakeHost struct{}

func (fakeHost) Identity() lwm2m.Identity {
	return lwm2m.Identity{
		IMEI:            "490154203237518",
		ICCID:           "8901260000000000001",
		Manufacturer:    "acme",
		Model:           "m1",
		SerialNumber:    "SN1",
		FirmwareVersion: "1.0.0",
	}
}

func (fakeHost) ActivateLink(context.Context) error   { return nil }
func (fakeHost) DeactivateLink(context.Context) error { return nil }
func (fakeHost) Reboot(string)                        {}

type fixture struct {
	reg     *registry.Registry
	tbl     *acl.Table
	set     *Set
	actions *fakeActions
	clk     *clock.FakeClock
}

func newFixture(t *testing.T, id operator.ID) *fixture {
	t.Helper()
	tbl := acl.New(0)
	ac := NewAccessControl(tbl, nil)
	reg := registry.New(registry.Config{Access: ac})
	actions := &fakeActions{}
	clk := clock.Fake(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	set, err := Register(Env{
		Registry: reg,
		Host:     fakeHost{},
		Clock:    clk,
		Actions:  actions,
		Profile:  operator.Lookup(id),
		Endpoint: "urn:imei:490154203237518",
	}, ac)
	if err != nil {
		t.Fatal(err)
	}
	if err := set.SeedDevice(); err != nil {
		t.Fatal(err)
	}
	if err := set.SeedFactory(); err != nil {
		t.Fatal(err)
	}
	return &fixture{reg: reg, tbl: tbl, set: set, actions: actions, clk: clk}
}

func TestSeedVerizon(t *testing.T) {
	f := newFixture(t, operator.Verizon)

	bs, ok := BootstrapSecurity(f.reg)
	if !ok {
		t.Fatal("no bootstrap account")
	}
	if bs.URI() != operator.VerizonBootstrapURI || bs.SSID() != lwm2m.BootstrapSSID {
		t.Errorf("bootstrap account = %s ssid %d", bs.URI(), bs.SSID())
	}
	var ssids []uint16
	for _, s := range ServerInstances(f.reg) {
		ssids = append(ssids, s.SSID())
	}
	if len(ssids) != 3 || ssids[0] != 101 || ssids[1] != 102 || ssids[2] != 1000 {
		t.Errorf("servers = %v", ssids)
	}
	if sec, ok := SecurityFor(f.reg, 1000); !ok || sec.URI() != "" {
		t.Errorf("security for 1000 = %v, %v", sec, ok)
	}
	e, ok := f.tbl.Lookup(lwm2m.ObjectServer, 1)
	if !ok || e.Owner != 102 {
		t.Errorf("server acl = %+v, %v", e, ok)
	}
	if n := len(f.reg.Instances(lwm2m.ObjectAccessControl)); n != f.tbl.Len() {
		t.Errorf("/2 has %d instances, table %d", n, f.tbl.Len())
	}
}

func TestSecurityDenied(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	req := lwm2m.NewRequest(codes.GET, "0", "0")
	resp := f.reg.Dispatch(registry.Caller{SSID: 102}, lwm2m.OpRead, lwm2m.InstancePath(lwm2m.ObjectSecurity, 0), req)
	if resp.Code != codes.Unauthorized {
		t.Errorf("GET /0/0 by 102 = %v, want 4.01", resp.Code)
	}
	resp = f.reg.Dispatch(registry.BootstrapCaller, lwm2m.OpRead, lwm2m.InstancePath(lwm2m.ObjectSecurity, 0), req)
	if resp.Code != codes.Content {
		t.Errorf("GET /0/0 by bootstrap = %v", resp.Code)
	}
}

func TestDeviceACL(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	p := lwm2m.ResourcePath(lwm2m.ObjectDevice, 0, DeviceReboot)
	req := lwm2m.NewRequest(codes.POST, "3", "0", "4")
	if resp := f.reg.Dispatch(registry.Caller{SSID: 102}, lwm2m.OpExecute, p, req); resp.Code != codes.Unauthorized {
		t.Errorf("execute by 102 = %v", resp.Code)
	}
	if resp := f.reg.Dispatch(registry.Caller{SSID: 101}, lwm2m.OpExecute, p, req); resp.Code != codes.Changed {
		t.Fatalf("execute by owner = %v", resp.Code)
	}
	if f.actions.reboots != 0 {
		t.Error("reboot ran before the response")
	}
	f.clk.Advance(time.Millisecond)
	if f.actions.reboots != 1 {
		t.Errorf("reboots = %d", f.actions.reboots)
	}
}

func TestACLView(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	e, _ := f.tbl.Lookup(lwm2m.ObjectDevice, 0)
	v, err := f.reg.Read(lwm2m.ResourcePath(lwm2m.ObjectAccessControl, e.ID, ACLGrants))
	if err != nil {
		t.Fatal(err)
	}
	if g, ok := v.Item(102); !ok || lwm2m.Perm(g.Int) != lwm2m.PermRead {
		t.Errorf("grant for 102 = %v", v)
	}

	// Owner may change its grants, others may not.
	write := func(ssid uint16, payload string) codes.Code {
		req := lwm2m.NewRequest(codes.PUT, "2", strconv.Itoa(int(e.ID)), "3")
		req.ContentFormat = message.TextPlain
		req.Payload = []byte(payload)
		return f.reg.Dispatch(registry.Caller{SSID: ssid}, lwm2m.OpWrite, lwm2m.ResourcePath(lwm2m.ObjectAccessControl, e.ID, ACLOwner), req).Code
	}
	if c := write(102, "102"); c != codes.Unauthorized {
		t.Errorf("owner change by 102 = %v", c)
	}
	if c := write(101, "1000"); c != codes.Changed {
		t.Errorf("owner change by 101 = %v", c)
	}
	if got, _ := f.tbl.Lookup(lwm2m.ObjectDevice, 0); got.Owner != 1000 {
		t.Errorf("owner = %d", got.Owner)
	}
}

func TestBootstrapWriteACL(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	grants := lwm2m.Value{Kind: lwm2m.KindInt, Multiple: true, Items: []lwm2m.Value{lwm2m.Int(int64(lwm2m.PermRead))}, IDs: []uint16{102}}
	payload, err := codec.AppendInstance(nil, 40, []codec.Resource{
		{ID: ACLObject, Value: lwm2m.Int(int64(lwm2m.ObjectAPNConnectionProfile))},
		{ID: ACLInstance, Value: lwm2m.Int(0)},
		{ID: ACLGrants, Value: grants},
		{ID: ACLOwner, Value: lwm2m.Int(101)},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := lwm2m.NewRequest(codes.PUT, "2")
	req.ContentFormat = message.AppLwm2mTLV
	req.Payload = payload
	if resp := f.reg.Dispatch(registry.BootstrapCaller, lwm2m.OpWrite, lwm2m.ObjectPath(lwm2m.ObjectAccessControl), req); resp.Code != codes.Changed {
		t.Fatalf("bootstrap write = %v", resp.Code)
	}
	e, ok := f.tbl.Get(40)
	if !ok || e.Object != lwm2m.ObjectAPNConnectionProfile || e.Owner != 101 || e.Resolve(102) != lwm2m.PermRead.Resolve() {
		t.Errorf("entry 40 = %+v, %v", e, ok)
	}
}

func TestServerExecute(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	c := registry.Caller{SSID: 101}
	disable := lwm2m.ResourcePath(lwm2m.ObjectServer, 0, ServerDisable)
	if resp := f.reg.Dispatch(c, lwm2m.OpExecute, disable, lwm2m.NewRequest(codes.POST)); resp.Code != codes.Changed {
		t.Fatalf("disable = %v", resp.Code)
	}
	if len(f.actions.disabled) != 1 || f.actions.disabled[0] != 101 || f.actions.timeout != 24*time.Hour {
		t.Errorf("disabled = %v after %s", f.actions.disabled, f.actions.timeout)
	}

	trigger := lwm2m.ResourcePath(lwm2m.ObjectServer, 0, ServerUpdateTrigger)
	f.reg.Dispatch(c, lwm2m.OpExecute, trigger, lwm2m.NewRequest(codes.POST))
	if len(f.actions.triggered) != 1 || f.actions.triggered[0] != 102 {
		t.Errorf("motive bridge trigger went to %v, want 102", f.actions.triggered)
	}
}

func TestServerTriggerWithoutQuirk(t *testing.T) {
	f := newFixture(t, operator.ATT)
	trigger := lwm2m.ResourcePath(lwm2m.ObjectServer, 0, ServerUpdateTrigger)
	f.reg.Dispatch(registry.Caller{SSID: 1}, lwm2m.OpExecute, trigger, lwm2m.NewRequest(codes.POST))
	if len(f.actions.triggered) != 1 || f.actions.triggered[0] != 1 {
		t.Errorf("triggered = %v", f.actions.triggered)
	}
}

func TestServerCarrierResource(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	carrier, err := codec.AppendResource(nil, ServerCarrier, lwm2m.IntList(1, 30))
	if err != nil {
		t.Fatal(err)
	}
	req := lwm2m.NewRequest(codes.PUT, "1", "2")
	req.ContentFormat = message.AppLwm2mTLV
	req.Payload = carrier
	p := lwm2m.InstancePath(lwm2m.ObjectServer, 2)
	if resp := f.reg.Dispatch(registry.BootstrapCaller, lwm2m.OpWrite, p, req); resp.Code != codes.Changed {
		t.Fatalf("carrier write = %v", resp.Code)
	}
	s, _ := ServerFor(f.reg, 1000)
	if !s.Registered() || s.HoldOff() != 30 {
		t.Errorf("carrier state = %v %d", s.Registered(), s.HoldOff())
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	st := f.set.Stats
	st.Record(true, 2048)
	if st.Collecting() {
		t.Fatal("collecting before start")
	}
	st.Set(StatsCollectionPeriod, lwm2m.Int(60))
	if err := st.Execute(StatsStart, nil); err != nil {
		t.Fatal(err)
	}
	st.Record(true, 2048)
	st.Record(false, 1024)
	st.RecordSMS(true)
	if v, _ := st.Read(StatsTxData); v.Int != 2 {
		t.Errorf("tx = %d KB", v.Int)
	}
	if v, _ := st.Read(StatsAvgMessageSize); v.Int != 1536 {
		t.Errorf("avg = %d", v.Int)
	}
	if v, _ := st.Read(StatsSMSTx); v.Int != 1 {
		t.Errorf("sms tx = %d", v.Int)
	}
	f.clk.Advance(time.Minute)
	if st.Collecting() {
		t.Error("collection period did not stop collection")
	}
}

func TestConnExtAPN(t *testing.T) {
	f := newFixture(t, operator.ATT)
	apn := f.set.ConnExt.APN()
	want := operator.Lookup(operator.ATT).APN
	if apn != want {
		t.Errorf("APN() = %+v, want %+v", apn, want)
	}
	if v, _ := f.set.ConnExt.Read(ConnExtICCID); v.Str != "8901260000000000001" {
		t.Errorf("iccid = %q", v.Str)
	}
}

func TestDeviceErrors(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	d := f.set.Device
	d.AddError(ErrorLowBattery)
	d.AddError(ErrorLowBattery)
	if v, _ := d.Read(DeviceErrorCode); len(v.Items) != 1 || v.Items[0].Int != ErrorLowBattery {
		t.Errorf("errors = %v", v)
	}
	if err := d.Execute(DeviceResetErrorCode, nil); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Read(DeviceErrorCode); len(v.Items) != 1 || v.Items[0].Int != ErrorNone {
		t.Errorf("errors after reset = %v", v)
	}
	at := f.clk.Now().Add(time.Hour)
	if err := d.Write(DeviceCurrentTime, lwm2m.Time(at)); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Read(DeviceCurrentTime); v.Int != at.Unix() {
		t.Errorf("current time = %d, want %d", v.Int, at.Unix())
	}
}

func TestUpdateConnectivity(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	var changed []lwm2m.Path
	f.reg.OnChange(func(p lwm2m.Path) { changed = append(changed, p) })
	c := Connectivity{Bearer: BearerLTEFDD, SignalStrength: -90, APNs: []string{"vzwinternet"}}
	if err := UpdateConnectivity(f.reg, c); err != nil {
		t.Fatal(err)
	}
	n := len(changed)
	if n == 0 {
		t.Fatal("no change emitted")
	}
	_ = UpdateConnectivity(f.reg, c)
	if len(changed) != n {
		t.Errorf("unchanged update emitted %d events", len(changed)-n)
	}
}

func TestRecordConnection(t *testing.T) {
	f := newFixture(t, operator.Verizon)
	a := newAPN(1)
	a.Set(APNName, lwm2m.String("vzwadmin"))
	if err := f.reg.AddInstance(lwm2m.ObjectAPNConnectionProfile, a); err != nil {
		t.Fatal(err)
	}
	for n := range 6 {
		RecordConnection(f.reg, "vzwadmin", f.clk.Now(), int64(n), 0)
	}
	v, _ := a.Read(APNResults)
	if len(v.Items) != maxConnectionRecords || v.Items[0].Int != 2 {
		t.Errorf("results = %v", v)
	}
}

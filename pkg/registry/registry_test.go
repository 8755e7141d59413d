// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"strings"
	"testing"

	"github.com/absmach/lwm2m-carrier/pkg/acl"
	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	objDevice = lwm2m.ObjectDevice
	objAPN    = lwm2m.ObjectAPNConnectionProfile
)

type device struct {
	*Base
	rebooted int
}

func (d *device) Execute(rid uint16, _ []byte) error {
	if rid == 4 {
		d.rebooted++
		return nil
	}
	return d.Base.Execute(rid, nil)
}

func newTestRegistry(t *testing.T) (*Registry, *acl.Table, *device) {
	t.Helper()
	tbl := acl.New(0)
	reg := New(Config{Access: tbl})

	dev := &device{Base: NewBase(0)}
	dev.Set(0, lwm2m.String("acme"))
	dev.Set(9, lwm2m.Int(50))
	dev.Set(6, lwm2m.IntList(1, 5))
	if err := reg.Register(&Object{
		ID: objDevice,
		Resources: []ResourceDef{
			{ID: 0, Kind: lwm2m.KindString, Ops: OpR},
			{ID: 4, Kind: lwm2m.KindNone, Ops: OpE},
			{ID: 6, Kind: lwm2m.KindInt, Ops: OpR, Multiple: true},
			{ID: 9, Kind: lwm2m.KindInt, Ops: OpR, Range: codec.Range{Min: 0, Max: 100}},
			{ID: 14, Kind: lwm2m.KindString, Ops: OpRW},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddInstance(objDevice, dev); err != nil {
		t.Fatal(err)
	}

	if err := reg.Register(&Object{
		ID:       objAPN,
		Multiple: true,
		Resources: []ResourceDef{
			{ID: 0, Kind: lwm2m.KindString, Ops: OpRW},
			{ID: 1, Kind: lwm2m.KindString, Ops: OpRW},
			{ID: 3, Kind: lwm2m.KindBool, Ops: OpRW},
		},
		Create:    func(iid uint16) (Instance, error) { return NewBase(iid), nil },
		Deletable: func(Instance, bool) bool { return true },
	}); err != nil {
		t.Fatal(err)
	}
	return reg, tbl, dev
}

func TestLookupDelete(t *testing.T) {
	reg, tbl, _ := newTestRegistry(t)
	_ = reg.AddInstance(objAPN, NewBase(2))
	_, _ = tbl.Bind(objAPN, 2, 101)

	var deleted []lwm2m.Path
	reg.OnDelete(func(p lwm2m.Path) { deleted = append(deleted, p) })

	if _, err := reg.Lookup(objAPN, 2); err != nil {
		t.Fatalf("Lookup() = %v", err)
	}
	if err := reg.AddInstance(objAPN, NewBase(2)); err == nil {
		t.Error("duplicate AddInstance succeeded")
	}
	if err := reg.DeleteInstance(objAPN, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup(objAPN, 2); err == nil {
		t.Error("Lookup() after delete succeeded")
	}
	if _, ok := tbl.Lookup(objAPN, 2); ok {
		t.Error("access control entry survived delete")
	}
	if len(deleted) != 1 || deleted[0] != lwm2m.InstancePath(objAPN, 2) {
		t.Errorf("delete listener got %v", deleted)
	}
}

func TestReadFormats(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	c := Caller{SSID: 101}

	tests := []struct {
		name    string
		path    lwm2m.Path
		accept  message.MediaType
		code    codes.Code
		format  message.MediaType
		payload string
	}{
		{name: "resource text", path: lwm2m.ResourcePath(objDevice, 0, 9), accept: lwm2m.FormatUnset, code: codes.Content, format: message.TextPlain, payload: "50"},
		{name: "list defaults to tlv", path: lwm2m.ResourcePath(objDevice, 0, 6), accept: lwm2m.FormatUnset, code: codes.Content, format: message.AppLwm2mTLV},
		{name: "list as text", path: lwm2m.ResourcePath(objDevice, 0, 6), accept: message.TextPlain, code: codes.UnsupportedMediaType},
		{name: "instance tlv", path: lwm2m.InstancePath(objDevice, 0), accept: lwm2m.FormatUnset, code: codes.Content, format: message.AppLwm2mTLV},
		{name: "instance senml", path: lwm2m.InstancePath(objDevice, 0), accept: message.AppSenmlJSON, code: codes.Content, format: message.AppSenmlJSON},
		{name: "execute only", path: lwm2m.ResourcePath(objDevice, 0, 4), accept: lwm2m.FormatUnset, code: codes.MethodNotAllowed},
		{name: "missing resource", path: lwm2m.ResourcePath(objDevice, 0, 77), accept: lwm2m.FormatUnset, code: codes.NotFound},
		{name: "missing instance", path: lwm2m.InstancePath(objDevice, 3), accept: lwm2m.FormatUnset, code: codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := lwm2m.NewRequest(codes.GET, tt.path.Segments()...)
			req.Accept = tt.accept
			resp := reg.Dispatch(c, lwm2m.OpRead, tt.path, req)
			if resp.Code != tt.code {
				t.Fatalf("code = %v, want %v", resp.Code, tt.code)
			}
			if tt.code != codes.Content {
				return
			}
			if resp.ContentFormat != tt.format {
				t.Errorf("format = %v, want %v", resp.ContentFormat, tt.format)
			}
			if tt.payload != "" && string(resp.Payload) != tt.payload {
				t.Errorf("payload = %q, want %q", resp.Payload, tt.payload)
			}
		})
	}
}

func TestWrite(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	var changed []lwm2m.Path
	reg.OnChange(func(p lwm2m.Path) { changed = append(changed, p) })
	c := Caller{SSID: 101}

	p := lwm2m.ResourcePath(objDevice, 0, 14)
	req := lwm2m.NewRequest(codes.PUT, p.Segments()...)
	req.ContentFormat = message.TextPlain
	req.Payload = []byte("+02")
	if resp := reg.Dispatch(c, lwm2m.OpWrite, p, req); resp.Code != codes.Changed {
		t.Fatalf("write code = %v", resp.Code)
	}
	if v, _ := reg.Read(p); v.Str != "+02" {
		t.Errorf("value = %v", v)
	}
	if len(changed) != 1 || changed[0] != p {
		t.Errorf("changed = %v", changed)
	}

	ro := lwm2m.ResourcePath(objDevice, 0, 9)
	req = lwm2m.NewRequest(codes.PUT, ro.Segments()...)
	req.ContentFormat = message.TextPlain
	req.Payload = []byte("10")
	if resp := reg.Dispatch(c, lwm2m.OpWrite, ro, req); resp.Code != codes.MethodNotAllowed {
		t.Errorf("write read-only code = %v", resp.Code)
	}

	req.Payload = []byte("101")
	if resp := reg.Dispatch(BootstrapCaller, lwm2m.OpWrite, ro, req); resp.Code != codes.BadRequest {
		t.Errorf("out of range code = %v", resp.Code)
	}

	req.Payload = []byte("12abc")
	req.ContentFormat = message.TextPlain
	if resp := reg.Dispatch(BootstrapCaller, lwm2m.OpWrite, ro, req); resp.Code != codes.BadRequest {
		t.Errorf("trailing garbage code = %v", resp.Code)
	}
}

// strict refuses writes to resource 3.
type strict struct {
	*Base
}

func (s *strict) Write(rid uint16, v lwm2m.Value) error {
	if rid == 3 {
		return errors.ErrBadRequest
	}
	return s.Base.Write(rid, v)
}

func TestWriteRollback(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	const objStrict = lwm2m.ObjectConnectivityExtension
	if err := reg.Register(&Object{
		ID: objStrict,
		Resources: []ResourceDef{
			{ID: 0, Kind: lwm2m.KindString, Ops: OpRW},
			{ID: 1, Kind: lwm2m.KindString, Ops: OpRW},
			{ID: 3, Kind: lwm2m.KindString, Ops: OpRW},
		},
	}); err != nil {
		t.Fatal(err)
	}
	inst := &strict{Base: NewBase(0)}
	inst.Set(0, lwm2m.String("before"))
	if err := reg.AddInstance(objStrict, inst); err != nil {
		t.Fatal(err)
	}
	var changed []lwm2m.Path
	reg.OnChange(func(p lwm2m.Path) { changed = append(changed, p) })

	payload, err := codec.AppendResources(nil, []codec.Resource{
		{ID: 0, Value: lwm2m.String("after")},
		{ID: 1, Value: lwm2m.String("new")},
		{ID: 3, Value: lwm2m.String("refused")},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := lwm2m.InstancePath(objStrict, 0)
	req := lwm2m.NewRequest(codes.POST, p.Segments()...)
	req.ContentFormat = message.AppLwm2mTLV
	req.Payload = payload
	if resp := reg.Dispatch(Caller{SSID: 101}, lwm2m.OpWritePartial, p, req); resp.Code != codes.BadRequest {
		t.Fatalf("write code = %v, want %v", resp.Code, codes.BadRequest)
	}
	if v, _ := inst.Get(0); v.Str != "before" {
		t.Errorf("resource 0 = %q, want %q", v.Str, "before")
	}
	if _, ok := inst.Get(1); ok {
		t.Error("resource 1 kept after a failed write")
	}
	if len(changed) != 0 {
		t.Errorf("changed = %v, want none", changed)
	}
}

func TestCreate(t *testing.T) {
	reg, tbl, _ := newTestRegistry(t)
	_ = reg.AddInstance(objAPN, NewBase(0))

	payload, err := codec.AppendResources(nil, []codec.Resource{
		{ID: 0, Value: lwm2m.String("vzwinternet")},
		{ID: 1, Value: lwm2m.String("VZWINTERNET")},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := lwm2m.ObjectPath(objAPN)
	req := lwm2m.NewRequest(codes.POST, p.Segments()...)
	req.ContentFormat = message.AppLwm2mTLV
	req.Payload = payload

	resp := reg.Dispatch(Caller{SSID: 102}, lwm2m.OpCreate, p, req)
	if resp.Code != codes.Created {
		t.Fatalf("create code = %v", resp.Code)
	}
	if strings.Join(resp.Location, "/") != "11/1" {
		t.Errorf("location = %v, want 11/1", resp.Location)
	}
	v, err := reg.Read(lwm2m.ResourcePath(objAPN, 1, 1))
	if err != nil || v.Str != "VZWINTERNET" {
		t.Errorf("created value = %v, %v", v, err)
	}
	e, ok := tbl.Lookup(objAPN, 1)
	if !ok || e.Owner != 102 {
		t.Errorf("acl entry = %+v, %v", e, ok)
	}

	wrapped, _ := codec.AppendInstance(nil, 1, nil)
	req.Payload = wrapped
	if resp := reg.Dispatch(Caller{SSID: 102}, lwm2m.OpCreate, p, req); resp.Code != codes.BadRequest {
		t.Errorf("duplicate create code = %v", resp.Code)
	}
}

func TestExecuteAndDelete(t *testing.T) {
	reg, tbl, dev := newTestRegistry(t)
	p := lwm2m.ResourcePath(objDevice, 0, 4)
	resp := reg.Dispatch(Caller{SSID: 101}, lwm2m.OpExecute, p, lwm2m.NewRequest(codes.POST, p.Segments()...))
	if resp.Code != codes.Changed || dev.rebooted != 1 {
		t.Fatalf("execute code = %v, rebooted = %d", resp.Code, dev.rebooted)
	}

	ip := lwm2m.InstancePath(objDevice, 0)
	if resp := reg.Dispatch(Caller{SSID: 101}, lwm2m.OpDelete, ip, lwm2m.NewRequest(codes.DELETE)); resp.Code != codes.MethodNotAllowed {
		t.Errorf("delete device code = %v", resp.Code)
	}

	_ = reg.AddInstance(objAPN, NewBase(4))
	_, _ = tbl.Bind(objAPN, 4, 101)
	ap := lwm2m.InstancePath(objAPN, 4)
	if resp := reg.Dispatch(Caller{SSID: 102}, lwm2m.OpDelete, ap, lwm2m.NewRequest(codes.DELETE)); resp.Code != codes.Unauthorized {
		t.Errorf("delete by non-owner code = %v", resp.Code)
	}
	if resp := reg.Dispatch(Caller{SSID: 101}, lwm2m.OpDelete, ap, lwm2m.NewRequest(codes.DELETE)); resp.Code != codes.Deleted {
		t.Errorf("delete by owner code = %v", resp.Code)
	}
}

func TestDiscover(t *testing.T) {
	reg, tbl, _ := newTestRegistry(t)
	for i := uint16(0); i < 3; i++ {
		_ = reg.AddInstance(objAPN, NewBase(i))
		_, _ = tbl.Bind(objAPN, i, 101)
	}
	_ = tbl.Add(objAPN, 0, 102, lwm2m.PermRead)
	_ = tbl.Add(objAPN, 2, 102, lwm2m.PermRead)

	body, err := reg.Discover(Caller{SSID: 102}, lwm2m.ObjectPath(objAPN))
	if err != nil {
		t.Fatal(err)
	}
	links := codec.ParseLinks(string(body))
	if len(links) != 3 {
		t.Fatalf("Discover() = %q, want object plus 2 instances", body)
	}

	body, _ = reg.Discover(Caller{SSID: 101}, lwm2m.InstancePath(objDevice, 0))
	if !strings.Contains(string(body), "</3/0/6>;dim=2") {
		t.Errorf("instance discover = %q", body)
	}
}

func TestBootstrapWriteCreates(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	var payload []byte
	payload, _ = codec.AppendInstance(payload, 0, []codec.Resource{{ID: 0, Value: lwm2m.String("ims")}})
	payload, _ = codec.AppendInstance(payload, 5, []codec.Resource{{ID: 0, Value: lwm2m.String("admin")}})
	p := lwm2m.ObjectPath(objAPN)
	req := lwm2m.NewRequest(codes.PUT, p.Segments()...)
	req.ContentFormat = message.AppLwm2mTLV
	req.Payload = payload

	if resp := reg.Dispatch(Caller{SSID: 101}, lwm2m.OpWrite, p, req); resp.Code != codes.MethodNotAllowed {
		t.Errorf("object write by server code = %v", resp.Code)
	}
	if resp := reg.Dispatch(BootstrapCaller, lwm2m.OpWrite, p, req); resp.Code != codes.Changed {
		t.Fatalf("bootstrap object write code = %v", resp.Code)
	}
	if got := len(reg.Instances(objAPN)); got != 2 {
		t.Errorf("instances = %d, want 2", got)
	}

	resp := reg.Dispatch(BootstrapCaller, lwm2m.OpBootstrapDiscover, lwm2m.RootPath(), lwm2m.NewRequest(codes.GET))
	if !strings.HasPrefix(string(resp.Payload), `</>;lwm2m="1.0",</3/0>`) || !strings.Contains(string(resp.Payload), "</11/5>") {
		t.Errorf("bootstrap discover = %q", resp.Payload)
	}

	if resp := reg.Dispatch(BootstrapCaller, lwm2m.OpDelete, p, lwm2m.NewRequest(codes.DELETE)); resp.Code != codes.Deleted {
		t.Fatalf("bootstrap delete code = %v", resp.Code)
	}
	if got := len(reg.Instances(objAPN)); got != 0 {
		t.Errorf("instances after delete = %d", got)
	}
}

func TestRegisterLinks(t *testing.T) {
	reg, tbl, _ := newTestRegistry(t)
	_ = reg.AddInstance(objAPN, NewBase(0))
	_ = reg.AddInstance(objAPN, NewBase(1))
	_, _ = tbl.Bind(objAPN, 1, 101)

	body := string(reg.RegisterLinks(102))
	if !strings.Contains(body, "</11/0>") || strings.Contains(body, "</11/1>") {
		t.Errorf("RegisterLinks(102) = %q", body)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

func TestToRequest(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetCode(codes.PUT)
	m.SetToken([]byte{0xca, 0xfe})
	m.SetType(message.Confirmable)
	m.AddOptionString(message.URIPath, "3")
	m.AddOptionString(message.URIPath, "0")
	m.AddOptionString(message.URIPath, "9")
	m.AddOptionString(message.URIQuery, "pmin=10")
	m.AddOptionString(message.URIQuery, "pmax=30")
	m.SetContentFormat(message.TextPlain)
	m.SetBody(bytes.NewReader([]byte("47")))

	req, err := toRequest(m)
	if err != nil {
		t.Fatalf("toRequest() = %v", err)
	}
	if req.Code != codes.PUT || req.PathString() != "/3/0/9" {
		t.Errorf("request %v %s", req.Code, req.PathString())
	}
	if !slices.Equal(req.Queries, []string{"pmin=10", "pmax=30"}) {
		t.Errorf("queries = %v", req.Queries)
	}
	if !bytes.Equal(req.Token, []byte{0xca, 0xfe}) || !req.Confirmable {
		t.Errorf("token %x, confirmable %v", req.Token, req.Confirmable)
	}
	if req.ContentFormat != message.TextPlain || string(req.Payload) != "47" {
		t.Errorf("content %v %q", req.ContentFormat, req.Payload)
	}
	if req.Observe != lwm2m.ObserveUnset || req.Accept != lwm2m.FormatUnset {
		t.Errorf("observe %d, accept %v, want both unset", req.Observe, req.Accept)
	}
}

func TestToRequestObserve(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetCode(codes.GET)
	m.AddOptionString(message.URIPath, "3")
	m.SetObserve(0)
	m.SetOptionUint32(message.Accept, uint32(message.AppLwm2mTLV))

	req, err := toRequest(m)
	if err != nil {
		t.Fatalf("toRequest() = %v", err)
	}
	if req.Observe != 0 || req.Accept != message.AppLwm2mTLV || len(req.Payload) != 0 {
		t.Errorf("observe %d, accept %v, payload %q", req.Observe, req.Accept, req.Payload)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	out := lwm2m.NewRequest(codes.POST, "rd")
	out.Token = []byte{1, 2, 3, 4}
	out.Queries = []string{"ep=urn:imei:490154203237518", "lt=86400"}
	out.ContentFormat = message.AppLinkFormat
	out.Payload = []byte("</1/0>,</3/0>")

	m := pool.NewMessage(context.Background())
	fillRequest(m, out)
	if m.Type() != message.Confirmable {
		t.Errorf("type = %v, want confirmable", m.Type())
	}
	in, err := toRequest(m)
	if err != nil {
		t.Fatalf("toRequest() = %v", err)
	}
	if in.PathString() != "/rd" || !slices.Equal(in.Queries, out.Queries) {
		t.Errorf("request %s %v", in.PathString(), in.Queries)
	}
	if in.ContentFormat != message.AppLinkFormat || string(in.Payload) != string(out.Payload) {
		t.Errorf("content %v %q", in.ContentFormat, in.Payload)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []struct {
		desc string
		resp *lwm2m.Response
		want *lwm2m.Response
	}{
		{
			desc: "created with location",
			resp: &lwm2m.Response{Code: codes.Created, ContentFormat: lwm2m.FormatUnset, Observe: lwm2m.ObserveUnset, Location: []string{"rd", "5a3f"}},
			want: &lwm2m.Response{Code: codes.Created, ContentFormat: lwm2m.FormatUnset, Observe: lwm2m.ObserveUnset, Location: []string{"rd", "5a3f"}},
		},
		{
			desc: "observe content",
			resp: &lwm2m.Response{Code: codes.Content, ContentFormat: message.AppLwm2mTLV, Observe: 3, Payload: []byte{0xc1, 0x09, 0x2f}},
			want: &lwm2m.Response{Code: codes.Content, ContentFormat: message.AppLwm2mTLV, Observe: 3, Payload: []byte{0xc1, 0x09, 0x2f}},
		},
		{
			desc: "payload without format",
			resp: &lwm2m.Response{Code: codes.Content, ContentFormat: lwm2m.FormatUnset, Observe: lwm2m.ObserveUnset, Payload: []byte("50"), MaxAge: 60},
			want: &lwm2m.Response{Code: codes.Content, ContentFormat: message.TextPlain, Observe: lwm2m.ObserveUnset, Payload: []byte("50"), MaxAge: 60},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			m := pool.NewMessage(context.Background())
			fillResponse(m, tc.resp)
			got, err := toResponse(m)
			if err != nil {
				t.Fatalf("toResponse() = %v", err)
			}
			if got.Code != tc.want.Code || got.ContentFormat != tc.want.ContentFormat || got.Observe != tc.want.Observe || got.MaxAge != tc.want.MaxAge {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
			if !slices.Equal(got.Location, tc.want.Location) || !bytes.Equal(got.Payload, tc.want.Payload) {
				t.Errorf("location %v payload %x, want %v %x", got.Location, got.Payload, tc.want.Location, tc.want.Payload)
			}
		})
	}
}

func TestFillNotification(t *testing.T) {
	m := pool.NewMessage(context.Background())
	fillNotification(m, &lwm2m.Notification{
		Token:         []byte{0xb0},
		Observe:       7,
		ContentFormat: message.TextPlain,
		Payload:       []byte("47"),
		Confirmable:   true,
	})
	if m.Code() != codes.Content || m.Type() != message.Confirmable {
		t.Errorf("code %v type %v", m.Code(), m.Type())
	}
	if obs, err := m.Options().GetUint32(message.Observe); err != nil || obs != 7 {
		t.Errorf("observe = %d, %v", obs, err)
	}
	if body, err := m.ReadBody(); err != nil || string(body) != "47" {
		t.Errorf("body = %q, %v", body, err)
	}
}

func TestIsRequest(t *testing.T) {
	for code, want := range map[codes.Code]bool{
		codes.Empty:    false,
		codes.GET:      true,
		codes.POST:     true,
		codes.PUT:      true,
		codes.DELETE:   true,
		codes.Content:  false,
		codes.NotFound: false,
	} {
		if got := isRequest(code); got != want {
			t.Errorf("isRequest(%v) = %v, want %v", code, got, want)
		}
	}
}

func TestTransportError(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{context.DeadlineExceeded, errors.ErrTimeout},
		{fmt.Errorf("dial: %w", context.Canceled), errors.ErrReset},
		{fmt.Errorf("connection refused"), errors.ErrUnreachable},
	}
	for _, tc := range cases {
		if got := transportError(tc.err); !errors.Is(got, tc.want) {
			t.Errorf("transportError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if transportError(nil) != nil {
		t.Error("transportError(nil) != nil")
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/firmware"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpClient "github.com/plgd-dev/go-coap/v3/udp/client"
)

const wait = 5 * time.Second

type response struct {
	token []byte
	resp  *lwm2m.Response
	err   error
}

type fakeSink struct {
	connects  chan error
	responses chan response
	requests  chan *lwm2m.Request
	notifies  chan response
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		connects:  make(chan error, 4),
		responses: make(chan response, 4),
		requests:  make(chan *lwm2m.Request, 4),
		notifies:  make(chan response, 4),
	}
}

func (s *fakeSink) OnConnectResult(_ string, err error) { s.connects <- err }

func (s *fakeSink) OnCoAPRequest(_ string, req *lwm2m.Request, reply func(*lwm2m.Response)) {
	s.requests <- req
	reply(lwm2m.Content(message.TextPlain, []byte("47")))
}

func (s *fakeSink) OnCoAPResponse(token []byte, resp *lwm2m.Response, err error) {
	s.responses <- response{token: token, resp: resp, err: err}
}

func (s *fakeSink) OnNotifyResult(token []byte, err error) {
	s.notifies <- response{token: token, err: err}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatalf("nothing received within %v", wait)
	}
	var zero T
	return zero
}

// serve starts a plain CoAP server on the loopback interface.
func serve(t *testing.T, r *mux.Router, conns chan<- *udpClient.Conn) string {
	t.Helper()
	l, err := coapNet.NewListenUDP("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := udp.NewServer(
		options.WithMux(r),
		options.WithBlockwise(false, blockwise.SZX1024, time.Second),
		options.WithOnNewConn(func(cc *udpClient.Conn) {
			if conns != nil {
				conns <- cc
			}
		}),
	)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() {
		s.Stop()
		_ = l.Close()
	})
	return l.LocalAddr().String()
}

func TestConnectInvalidURI(t *testing.T) {
	tr := New(Config{})
	tr.Attach(newFakeSink())
	cases := []struct {
		uri  string
		want error
	}{
		{"", errors.ErrInvalid},
		{"coap://", errors.ErrInvalid},
		{"http://dm.example.com", errors.ErrNotSupported},
	}
	for _, tc := range cases {
		if err := tr.Connect(context.Background(), lwm2m.Endpoint{URI: tc.uri}); !errors.Is(err, tc.want) {
			t.Errorf("Connect(%q) = %v, want %v", tc.uri, err, tc.want)
		}
	}
}

func TestSendWithoutSession(t *testing.T) {
	tr := New(Config{})
	err := tr.Send(context.Background(), "coap://127.0.0.1:5683", lwm2m.NewRequest(codes.POST, "rd"))
	if !errors.Is(err, errors.ErrUnreachable) {
		t.Fatalf("Send() = %v, want %v", err, errors.ErrUnreachable)
	}
	if err := tr.Disconnect("coap://127.0.0.1:5683"); err != nil {
		t.Errorf("Disconnect() = %v", err)
	}
}

func TestExchange(t *testing.T) {
	r := mux.NewRouter()
	if err := r.Handle("/rd", mux.HandlerFunc(func(w mux.ResponseWriter, _ *mux.Message) {
		resp := lwm2m.NewResponse(codes.Created)
		resp.Location = []string{"rd", "5a3f"}
		fillResponse(w.Message(), resp)
	})); err != nil {
		t.Fatalf("route: %v", err)
	}
	conns := make(chan *udpClient.Conn, 1)
	addr := serve(t, r, conns)

	sink := newFakeSink()
	tr := New(Config{ReplyTimeout: time.Second})
	tr.Attach(sink)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	uri := "coap://" + addr
	if err := tr.Connect(ctx, lwm2m.Endpoint{URI: uri, SSID: 101}); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if err := receive(t, sink.connects); err != nil {
		t.Fatalf("connect result = %v", err)
	}

	req := lwm2m.NewRequest(codes.POST, "rd")
	req.Token = []byte{0x11, 0x22}
	req.Queries = []string{"ep=urn:imei:490154203237518"}
	req.ContentFormat = message.AppLinkFormat
	req.Payload = []byte("</3/0>")
	if err := tr.Send(ctx, uri, req); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	got := receive(t, sink.responses)
	if got.err != nil || !bytes.Equal(got.token, req.Token) {
		t.Fatalf("response token %x err %v", got.token, got.err)
	}
	if got.resp.Code != codes.Created || fmt.Sprint(got.resp.Location) != "[rd 5a3f]" {
		t.Errorf("response %v location %v", got.resp.Code, got.resp.Location)
	}

	// The server reads a resource back over the same session.
	cc := receive(t, conns)
	rctx, rcancel := context.WithTimeout(ctx, wait)
	defer rcancel()
	resp, err := cc.Get(rctx, "/3/0/9")
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	in := receive(t, sink.requests)
	if in.Code != codes.GET || in.PathString() != "/3/0/9" {
		t.Errorf("inbound request %v %s", in.Code, in.PathString())
	}
	if resp.Code() != codes.Content {
		t.Fatalf("read answered %v", resp.Code())
	}
	if body, err := resp.ReadBody(); err != nil || string(body) != "47" {
		t.Errorf("read body %q, %v", body, err)
	}
}

// udpPeer reads datagrams on the loopback interface and answers each one
// with reply(mid), or stays silent when reply is nil.
func udpPeer(t *testing.T, reply func(mid []byte) []byte) string {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := l.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if reply == nil || n < 4 {
				continue
			}
			_, _ = l.WriteToUDP(reply(buf[2:4]), addr)
		}
	}()
	t.Cleanup(func() { _ = l.Close() })
	return l.LocalAddr().String()
}

func TestConfirmableNotify(t *testing.T) {
	cases := []struct {
		desc  string
		reply func(mid []byte) []byte
		want  error
	}{
		{
			desc:  "acknowledged",
			reply: func(mid []byte) []byte { return []byte{0x60, 0x00, mid[0], mid[1]} },
		},
		{
			desc:  "reset by server",
			reply: func(mid []byte) []byte { return []byte{0x70, 0x00, mid[0], mid[1]} },
			want:  errors.ErrReset,
		},
		{
			desc: "never acknowledged",
			want: errors.ErrTimeout,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			uri := "coap://" + udpPeer(t, tc.reply)
			sink := newFakeSink()
			tr := New(Config{ExchangeLifetime: 500 * time.Millisecond})
			tr.Attach(sink)
			defer tr.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := tr.Connect(ctx, lwm2m.Endpoint{URI: uri, SSID: 101}); err != nil {
				t.Fatalf("Connect() = %v", err)
			}
			if err := receive(t, sink.connects); err != nil {
				t.Fatalf("connect result = %v", err)
			}

			n := &lwm2m.Notification{
				Token:         []byte{0xb0, 0x01},
				Observe:       2,
				ContentFormat: message.TextPlain,
				Payload:       []byte("47"),
				Confirmable:   true,
			}
			if err := tr.Notify(ctx, uri, n); err != nil {
				t.Fatalf("Notify() = %v", err)
			}
			got := receive(t, sink.notifies)
			if !bytes.Equal(got.token, n.Token) {
				t.Errorf("result token %x, want %x", got.token, n.Token)
			}
			if !errors.Is(got.err, tc.want) {
				t.Fatalf("notify result = %v, want %v", got.err, tc.want)
			}
		})
	}
}

type block struct {
	offset int64
	data   []byte
}

type fakeFirmwareSink struct {
	blocks chan block
	done   chan error
}

func newFakeFirmwareSink() *fakeFirmwareSink {
	return &fakeFirmwareSink{blocks: make(chan block, 16), done: make(chan error, 1)}
}

func (s *fakeFirmwareSink) OnBlock(_ uuid.UUID, offset int64, data []byte) {
	s.blocks <- block{offset: offset, data: bytes.Clone(data)}
}

func (s *fakeFirmwareSink) OnDone(_ uuid.UUID, err error) { s.done <- err }

func (s *fakeFirmwareSink) collect(t *testing.T) ([]byte, int64, error) {
	t.Helper()
	var image []byte
	start := int64(-1)
	for {
		select {
		case b := <-s.blocks:
			if start < 0 {
				start = b.offset
			}
			if b.offset != start+int64(len(image)) {
				t.Fatalf("block at %d, want %d", b.offset, start+int64(len(image)))
			}
			image = append(image, b.data...)
		case err := <-s.done:
			// Blocks are delivered before completion on the same goroutine.
			for len(s.blocks) > 0 {
				b := <-s.blocks
				image = append(image, b.data...)
			}
			return image, start, err
		case <-time.After(wait):
			t.Fatalf("download did not finish within %v", wait)
		}
	}
}

func packageServer(t *testing.T, image []byte) string {
	t.Helper()
	r := mux.NewRouter()
	if err := r.Handle("/fw.bin", mux.HandlerFunc(func(w mux.ResponseWriter, req *mux.Message) {
		v, err := req.Options().GetUint32(message.Block2)
		if err != nil {
			_ = w.SetResponse(codes.Content, message.AppOctets, bytes.NewReader(image))
			return
		}
		szx, num, _, err := blockwise.DecodeBlockOption(v)
		if err != nil {
			_ = w.SetResponse(codes.BadOption, message.TextPlain, nil)
			return
		}
		size := szx.Size()
		start := min(num*size, int64(len(image)))
		end := min(start+size, int64(len(image)))
		more := end < int64(len(image))
		opt, _ := blockwise.EncodeBlockOption(szx, num, more)
		_ = w.SetResponse(codes.Content, message.AppOctets, bytes.NewReader(image[start:end]))
		w.Message().SetOptionUint32(message.Block2, opt)
	})); err != nil {
		t.Fatalf("route: %v", err)
	}
	return serve(t, r, nil)
}

func TestDownload(t *testing.T) {
	image := make([]byte, 70)
	for i := range image {
		image[i] = byte(i)
	}
	addr := packageServer(t, image)

	cases := []struct {
		desc   string
		path   string
		offset int64
		want   []byte
		err    error
	}{
		{desc: "from start", path: "/fw.bin", offset: 0, want: image},
		{desc: "resume inside a block", path: "/fw.bin", offset: 20, want: image[20:]},
		{desc: "resume on a block boundary", path: "/fw.bin", offset: 32, want: image[32:]},
		{desc: "missing package", path: "/missing.bin", err: errors.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			d := NewDownloader(DownloaderConfig{BlockSize: blockwise.SZX16, BlockTimeout: wait})
			sink := newFakeFirmwareSink()
			job := firmware.Job{ID: uuid.New(), URI: "coap://" + addr + tc.path, Offset: tc.offset}
			if err := d.Download(context.Background(), job, sink); err != nil {
				t.Fatalf("Download() = %v", err)
			}
			got, start, err := sink.collect(t)
			if !errors.Is(err, tc.err) {
				t.Fatalf("download error = %v, want %v", err, tc.err)
			}
			if tc.err != nil {
				return
			}
			if start != tc.offset {
				t.Errorf("first block at %d, want %d", start, tc.offset)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("downloaded %x, want %x", got, tc.want)
			}
		})
	}
}

func TestDownloadInvalidURI(t *testing.T) {
	d := NewDownloader(DownloaderConfig{})
	cases := []struct {
		uri  string
		want error
	}{
		{"not a uri", errors.ErrNotFound},
		{"https://fw.example.com/fw.bin", errors.ErrNotSupported},
	}
	for _, tc := range cases {
		err := d.Download(context.Background(), firmware.Job{ID: uuid.New(), URI: tc.uri}, newFakeFirmwareSink())
		if !errors.Is(err, tc.want) {
			t.Errorf("Download(%q) = %v, want %v", tc.uri, err, tc.want)
		}
	}
}

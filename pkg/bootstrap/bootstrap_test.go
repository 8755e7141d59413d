// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/acl"
	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/objects"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/absmach/lwm2m-carrier/pkg/retry"
	"github.com/absmach/lwm2m-carrier/pkg/storage"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type pendingRequest struct {
	uri  string
	req  *lwm2m.Request
	done func(*lwm2m.Response, error)
}

type fakeSession struct {
	connects     []func(error)
	requests     []pendingRequest
	disconnected []string
}

func (s *fakeSession) Connect(_ lwm2m.Endpoint, done func(error)) {
	s.connects = append(s.connects, done)
}

func (s *fakeSession) Request(uri string, req *lwm2m.Request, done func(*lwm2m.Response, error)) {
	s.requests = append(s.requests, pendingRequest{uri: uri, req: req, done: done})
}

func (s *fakeSession) Disconnect(uri string) {
	s.disconnected = append(s.disconnected, uri)
}

type noopActions struct{}

func (noopActions) Disable(uint16, time.Duration) {}
func (noopActions) TriggerUpdate(uint16)          {}
func (noopActions) Reboot()                       {}
func (noopActions) FactoryReset()                 {}

type fixture struct {
	b       *Bootstrapper
	reg     *registry.Registry
	sess    *fakeSession
	clk     *clock.FakeClock
	store   *storage.Persister
	results []error
	attempt int
}

const endpoint = "urn:imei:490154203237518"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	profile := operator.Lookup(operator.Verizon)
	clk := clock.Fake(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	ac := objects.NewAccessControl(acl.New(0), nil)
	reg := registry.New(registry.Config{Access: ac})
	set, err := objects.Register(objects.Env{
		Registry: reg,
		Clock:    clk,
		Actions:  noopActions{},
		Profile:  profile,
		Endpoint: endpoint,
	}, ac)
	if err != nil {
		t.Fatal(err)
	}
	if err := set.SeedFactory(); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		reg:   reg,
		sess:  &fakeSession{},
		clk:   clk,
		store: storage.NewPersister(context.Background(), storage.Config{KV: storage.NewMemoryKV()}),
	}
	f.b = New(Config{
		Registry:      reg,
		Session:       f.sess,
		Clock:         clk,
		Retry:         retry.New(profile.Retry),
		Store:         f.store,
		Endpoint:      endpoint,
		FinishTimeout: profile.FinishTimeout,
		OnAttempt:     func(n int) { f.attempt = n },
		OnDone:        func(err error) { f.results = append(f.results, err) },
	})
	return f
}

// acknowledge completes the pending connect and answers the bootstrap
// request.
func (f *fixture) acknowledge(t *testing.T, resp *lwm2m.Response, err error) {
	t.Helper()
	if len(f.sess.connects) == 0 {
		t.Fatal("no pending connect")
	}
	connect := f.sess.connects[len(f.sess.connects)-1]
	connect(nil)
	if len(f.sess.requests) == 0 {
		t.Fatal("no bootstrap request")
	}
	f.sess.requests[len(f.sess.requests)-1].done(resp, err)
}

func TestBootstrapRequest(t *testing.T) {
	f := newFixture(t)
	if err := f.b.Start(); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
	f.acknowledge(t, lwm2m.NewResponse(codes.Changed), nil)

	r := f.sess.requests[0]
	if r.uri != operator.VerizonBootstrapURI || r.req.Code != codes.POST || r.req.PathString() != "/bs" {
		t.Errorf("request %v %s to %s", r.req.Code, r.req.PathString(), r.uri)
	}
	if ep, _ := r.req.Query("ep"); ep != endpoint {
		t.Errorf("ep = %q", ep)
	}
	if f.b.State() != StateWaitFinish || !f.b.Active() {
		t.Fatalf("state = %s", f.b.State())
	}

	// The bootstrap server configures the first server account.
	req := lwm2m.NewRequest(codes.PUT, "0", "1", "0")
	req.ContentFormat = message.TextPlain
	req.Payload = []byte("coaps://dm.example.com:5684")
	p := lwm2m.ResourcePath(lwm2m.ObjectSecurity, 1, objects.SecurityURI)
	if resp := f.b.Handle(lwm2m.OpWrite, p, req); resp.Code != codes.Changed {
		t.Fatalf("bootstrap write = %v", resp.Code)
	}
	if sec, _ := objects.SecurityFor(f.reg, 101); sec.URI() != "coaps://dm.example.com:5684" {
		t.Errorf("security uri = %q", sec.URI())
	}

	if resp := f.b.Handle(lwm2m.OpBootstrapFinish, lwm2m.RootPath(), lwm2m.NewRequest(codes.POST, "bs")); resp.Code != codes.Changed {
		t.Fatalf("finish = %v", resp.Code)
	}
	if ok, _ := f.store.Bool(storage.KeyBootstrapped); !ok {
		t.Error("bootstrapped flag not stored")
	}
	if len(f.results) != 0 {
		t.Fatal("done reported before the finish response")
	}
	f.clk.Advance(time.Millisecond)
	if len(f.results) != 1 || f.results[0] != nil {
		t.Fatalf("results = %v", f.results)
	}
	if f.b.Active() {
		t.Error("still active after finish")
	}
	if resp := f.b.Handle(lwm2m.OpWrite, p, req); resp.Code != codes.Unauthorized {
		t.Errorf("write after finish = %v", resp.Code)
	}
}

func TestFinishWithoutServerAccount(t *testing.T) {
	f := newFixture(t)
	if err := f.b.Start(); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
	f.acknowledge(t, lwm2m.NewResponse(codes.Changed), nil)
	if resp := f.b.Handle(lwm2m.OpBootstrapFinish, lwm2m.RootPath(), lwm2m.NewRequest(codes.POST, "bs")); resp.Code != codes.NotAcceptable {
		t.Errorf("finish = %v", resp.Code)
	}
}

func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	if err := f.b.Start(); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)

	delays := []time.Duration{2 * time.Minute, 4 * time.Minute, 6 * time.Minute, 8 * time.Minute}
	for n, d := range delays {
		f.acknowledge(t, nil, errors.ErrTimeout)
		if f.b.State() != StateRetryWait {
			t.Fatalf("attempt %d: state %s", n+1, f.b.State())
		}
		f.clk.Advance(d - time.Second)
		if len(f.sess.connects) != n+1 {
			t.Fatalf("attempt %d: reconnected before %s", n+1, d)
		}
		f.clk.Advance(time.Second)
	}
	f.acknowledge(t, nil, errors.ErrTimeout)

	if len(f.sess.requests) != 5 || f.attempt != 5 {
		t.Errorf("%d requests, last attempt %d", len(f.sess.requests), f.attempt)
	}
	if f.b.State() != StateFailed || len(f.results) != 1 || !errors.Is(f.results[0], errors.ErrBootstrapFailed) {
		t.Fatalf("state %s results %v", f.b.State(), f.results)
	}
	if !errors.Is(f.results[0], errors.ErrTimeout) {
		t.Errorf("cause lost: %v", f.results[0])
	}
}

func TestFinishTimeout(t *testing.T) {
	f := newFixture(t)
	if err := f.b.Start(); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
	f.acknowledge(t, lwm2m.NewResponse(codes.Changed), nil)
	f.clk.Advance(time.Minute)
	if f.b.State() != StateRetryWait {
		t.Fatalf("state = %s", f.b.State())
	}
	f.clk.Advance(2 * time.Minute)
	if len(f.sess.connects) != 2 {
		t.Errorf("connects = %d", len(f.sess.connects))
	}
}

func TestStaleCompletion(t *testing.T) {
	f := newFixture(t)
	if err := f.b.Start(); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
	connect := f.sess.connects[0]
	f.b.Stop()
	connect(nil)
	if len(f.sess.requests) != 0 || f.b.State() != StateIdle {
		t.Errorf("stale connect resumed the sequence: state %s", f.b.State())
	}
}

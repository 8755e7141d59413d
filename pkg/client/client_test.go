// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/firmware"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/objects"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/storage"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const endpoint = "urn:imei:490154203237518"

type sent struct {
	uri string
	req *lwm2m.Request
}

type notified struct {
	uri string
	at  time.Time
	n   *lwm2m.Notification
}

type fakeTransport struct {
	sink        lwm2m.Sink
	clk         clock.Clock
	autoConnect bool
	reply       func(uri string, req *lwm2m.Request) *lwm2m.Response

	connects      []lwm2m.Endpoint
	sent          []sent
	notifications []notified
	disconnects   []string
}

func (t *fakeTransport) Connect(_ context.Context, ep lwm2m.Endpoint) error {
	t.connects = append(t.connects, ep)
	if t.autoConnect {
		t.sink.OnConnectResult(ep.URI, nil)
	}
	return nil
}

func (t *fakeTransport) Send(_ context.Context, uri string, req *lwm2m.Request) error {
	t.sent = append(t.sent, sent{uri: uri, req: req})
	if t.reply != nil {
		if resp := t.reply(uri, req); resp != nil {
			t.sink.OnCoAPResponse(req.Token, resp, nil)
		}
	}
	return nil
}

func (t *fakeTransport) Notify(_ context.Context, uri string, n *lwm2m.Notification) error {
	t.notifications = append(t.notifications, notified{uri: uri, at: t.clk.Now(), n: n})
	return nil
}

func (t *fakeTransport) Disconnect(uri string) error {
	t.disconnects = append(t.disconnects, uri)
	return nil
}

// requests returns the requests sent with the given path.
func (t *fakeTransport) requests(path string) []sent {
	var out []sent
	for _, s := range t.sent {
		if s.req.PathString() == path {
			out = append(out, s)
		}
	}
	return out
}

func (t *fakeTransport) count(code codes.Code) int {
	n := 0
	for _, s := range t.sent {
		if s.req.Code == code {
			n++
		}
	}
	return n
}

type fakeHost struct {
	version     string
	linkErr     error
	activations int
	released    int
	reboots     []string
}

func (h *fakeHost) Identity() lwm2m.Identity {
	return lwm2m.Identity{
		IMEI:            "490154203237518",
		ICCID:           "8901260000000000001",
		Manufacturer:    "Abstract Machines",
		Model:           "am-1",
		FirmwareVersion: h.version,
	}
}

func (h *fakeHost) ActivateLink(context.Context) error {
	h.activations++
	return h.linkErr
}

func (h *fakeHost) DeactivateLink(context.Context) error {
	h.released++
	return nil
}

func (h *fakeHost) Reboot(reason string) {
	h.reboots = append(h.reboots, reason)
}

type job struct {
	firmware.Job
	sink firmware.Sink
}

type fakeDownloader struct {
	jobs []job
}

func (d *fakeDownloader) Download(_ context.Context, j firmware.Job, s firmware.Sink) error {
	d.jobs = append(d.jobs, job{Job: j, sink: s})
	return nil
}

func (d *fakeDownloader) Cancel(uuid.UUID) {}

type fakeMetrics struct {
	nopMetrics
	drops    []string
	attempts int
	states   []string
}

func (m *fakeMetrics) QueueDrop(name string)    { m.drops = append(m.drops, name) }
func (m *fakeMetrics) BootstrapAttempt()        { m.attempts++ }
func (m *fakeMetrics) ClientState(_, to string) { m.states = append(m.states, to) }

type fixture struct {
	c       *Client
	clk     *clock.FakeClock
	tr      *fakeTransport
	host    *fakeHost
	kv      *storage.MemoryKV
	dl      *fakeDownloader
	metrics *fakeMetrics
}

func serverURI(ssid uint16) string {
	return "coaps://dm" + strconv.Itoa(int(ssid)) + ".example.com:5684"
}

// serverReplies answers like a cooperative set of servers.
func serverReplies(uri string, req *lwm2m.Request) *lwm2m.Response {
	switch {
	case req.PathString() == "/bs":
		return lwm2m.NewResponse(codes.Changed)
	case req.PathString() == "/rd":
		resp := lwm2m.NewResponse(codes.Created)
		host := strings.TrimSuffix(strings.TrimPrefix(uri, "coaps://"), ".example.com:5684")
		resp.Location = []string{"rd", host}
		return resp
	case req.Code == codes.DELETE:
		return lwm2m.NewResponse(codes.Deleted)
	default:
		return lwm2m.NewResponse(codes.Changed)
	}
}

func newFixture(t *testing.T, p operator.Profile, kv *storage.MemoryKV, host *fakeHost) *fixture {
	t.Helper()
	f := &fixture{
		clk:     clock.Fake(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		host:    host,
		kv:      kv,
		dl:      &fakeDownloader{},
		metrics: &fakeMetrics{},
	}
	f.tr = &fakeTransport{clk: f.clk, autoConnect: true, reply: serverReplies}
	c, err := New(context.Background(), Config{
		Profile:    p,
		Transport:  f.tr,
		Host:       host,
		KV:         kv,
		Downloader: f.dl,
		Clock:      f.clk,
		Metrics:    f.metrics,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	f.tr.sink = c
	f.c = c
	if err := c.Boot(); err != nil {
		t.Fatalf("Boot() = %v", err)
	}
	f.settle()
	return f
}

func newVerizon(t *testing.T) *fixture {
	return newFixture(t, operator.Lookup(operator.Verizon), storage.NewMemoryKV(), &fakeHost{version: "1.0.0"})
}

// settle runs the loop until no event and no due timer is left.
func (f *fixture) settle() {
	for range 100 {
		f.clk.Advance(0)
		if f.c.Drain() == 0 {
			return
		}
	}
}

func (f *fixture) advance(d time.Duration) {
	f.clk.Advance(d)
	f.settle()
}

func (f *fixture) request(uri string, req *lwm2m.Request) *lwm2m.Response {
	var resp *lwm2m.Response
	f.c.OnCoAPRequest(uri, req, func(r *lwm2m.Response) { resp = r })
	f.settle()
	return resp
}

// provision runs the Verizon bootstrap and registers with every server.
func (f *fixture) provision(t *testing.T) {
	t.Helper()
	f.c.OnLinkState(true)
	f.settle()
	if n := len(f.tr.requests("/bs")); n != 1 {
		t.Fatalf("bootstrap requests = %d, want 1", n)
	}
	for n, ssid := range []uint16{101, 102, 1000} {
		req := lwm2m.NewRequest(codes.PUT, "0", strconv.Itoa(n+1), "0")
		req.ContentFormat = message.TextPlain
		req.Payload = []byte(serverURI(ssid))
		if resp := f.request(operator.VerizonBootstrapURI, req); resp.Code != codes.Changed {
			t.Fatalf("bootstrap write /0/%d/0 = %v", n+1, resp.Code)
		}
	}
	if resp := f.request(operator.VerizonBootstrapURI, lwm2m.NewRequest(codes.POST, "bs")); resp.Code != codes.Changed {
		t.Fatalf("bootstrap finish = %v", resp.Code)
	}
	f.settle()
	if n := f.c.Registered(); n != 3 {
		t.Fatalf("registered with %d servers, want 3", n)
	}
}

func TestColdBootBootstrap(t *testing.T) {
	f := newVerizon(t)
	if f.c.State() != StateRequestLinkUp || f.host.activations != 1 {
		t.Fatalf("after boot state %s, activations %d", f.c.State(), f.host.activations)
	}
	f.provision(t)

	bs := f.tr.requests("/bs")[0]
	if bs.uri != operator.VerizonBootstrapURI || bs.req.Code != codes.POST {
		t.Errorf("bootstrap request %v to %s", bs.req.Code, bs.uri)
	}
	if ep, _ := bs.req.Query("ep"); ep != endpoint {
		t.Errorf("ep = %q, want %q", ep, endpoint)
	}
	if ok, _ := storage.NewPersister(context.Background(), storage.Config{KV: f.kv}).Bool(storage.KeyBootstrapped); !ok {
		t.Error("bootstrapped flag not persisted")
	}

	regs := f.tr.requests("/rd")
	if len(regs) != 3 {
		t.Fatalf("register requests = %d, want 3", len(regs))
	}
	for n, ssid := range []uint16{101, 102, 1000} {
		if regs[n].uri != serverURI(ssid) {
			t.Errorf("register %d sent to %s, want %s", n, regs[n].uri, serverURI(ssid))
		}
		if ep, _ := regs[n].req.Query("ep"); ep != endpoint {
			t.Errorf("register %d ep = %q", n, ep)
		}
	}
	if f.c.State() != StateIdle {
		t.Errorf("state = %s, want idle", f.c.State())
	}
	if f.metrics.attempts != 1 {
		t.Errorf("bootstrap attempts = %d, want 1", f.metrics.attempts)
	}
}

func TestObservationTiming(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)
	battery := []string{"3", "0", "9"}
	dm := serverURI(101)

	f.c.Update(lwm2m.ResourcePath(lwm2m.ObjectDevice, 0, objects.DeviceBatteryLevel), lwm2m.Int(50))
	f.settle()

	attrs := lwm2m.NewRequest(codes.PUT, battery...)
	attrs.Queries = []string{"pmin=10", "pmax=30"}
	if resp := f.request(dm, attrs); resp.Code != codes.Changed {
		t.Fatalf("write attributes = %v", resp.Code)
	}
	obs := lwm2m.NewRequest(codes.GET, battery...)
	obs.Observe = 0
	obs.Token = []byte{0xb0}
	resp := f.request(dm, obs)
	if resp.Code != codes.Content || string(resp.Payload) != "50" {
		t.Fatalf("observe = %v %q", resp.Code, resp.Payload)
	}
	start := f.clk.Now()

	f.advance(5 * time.Second)
	f.c.Update(lwm2m.ResourcePath(lwm2m.ObjectDevice, 0, objects.DeviceBatteryLevel), lwm2m.Int(47))
	f.settle()
	if n := len(f.tr.notifications); n != 0 {
		t.Fatalf("notified %d times before pmin", n)
	}

	f.advance(5 * time.Second)
	f.advance(30 * time.Second)
	if n := len(f.tr.notifications); n != 2 {
		t.Fatalf("notifications = %d, want 2", n)
	}
	want := []time.Duration{10 * time.Second, 40 * time.Second}
	for k, n := range f.tr.notifications {
		if got := n.at.Sub(start); got != want[k] {
			t.Errorf("notification %d at t=%v, want t=%v", k, got, want[k])
		}
		if string(n.n.Payload) != "47" || n.uri != dm {
			t.Errorf("notification %d = %q to %s", k, n.n.Payload, n.uri)
		}
	}
}

func TestFactoryReset(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)

	req := lwm2m.NewRequest(codes.POST, "3", "0", "5")
	if resp := f.request(serverURI(101), req); resp.Code != codes.Changed {
		t.Fatalf("execute factory reset = %v", resp.Code)
	}
	f.settle()
	if n := f.tr.count(codes.DELETE); n != 3 {
		t.Errorf("deregistrations = %d, want 3", n)
	}
	if f.c.State() != StateReset {
		t.Fatalf("state = %s, want reset", f.c.State())
	}
	if len(f.host.reboots) != 1 || f.host.reboots[0] != "factory reset" {
		t.Errorf("reboots = %v", f.host.reboots)
	}
	select {
	case <-f.c.Done():
	default:
		t.Error("Done not closed")
	}

	st := storage.NewPersister(context.Background(), storage.Config{KV: f.kv})
	if ok, _ := st.Bool(storage.KeyBootstrapped); ok {
		t.Error("bootstrapped flag survived the reset")
	}
	if keys, _ := f.kv.Keys(context.Background(), storage.RangeLocation, storage.RangeLocation.Last()); len(keys) != 0 {
		t.Errorf("location records survived: %v", keys)
	}
	if v, _ := st.String(storage.KeyLastFirmwareVersion); v != "1.0.0" {
		t.Errorf("last firmware version = %q, want it kept", v)
	}

	next := newFixture(t, operator.Lookup(operator.Verizon), f.kv, &fakeHost{version: "1.0.0"})
	next.c.OnLinkState(true)
	next.settle()
	if n := len(next.tr.requests("/bs")); n != 1 {
		t.Errorf("bootstrap requests after reset = %d, want 1", n)
	}
}

func TestFirmwareUpdate(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)
	dm := serverURI(101)

	write := lwm2m.NewRequest(codes.PUT, "5", "0", "1")
	write.ContentFormat = message.TextPlain
	write.Payload = []byte("coaps://fw.example.com/image")
	if resp := f.request(dm, write); resp.Code != codes.Changed {
		t.Fatalf("write package uri = %v", resp.Code)
	}
	if len(f.dl.jobs) != 1 {
		t.Fatalf("download jobs = %d, want 1", len(f.dl.jobs))
	}
	if f.c.firmware.State() != firmware.StateDownloading {
		t.Fatalf("firmware state = %s, want downloading", f.c.firmware.State())
	}
	j := f.dl.jobs[0]
	j.sink.OnBlock(j.ID, 0, []byte("new image"))
	j.sink.OnDone(j.ID, nil)
	f.settle()
	if f.c.firmware.State() != firmware.StateDownloaded || f.c.firmware.Result() != firmware.ResultInitial {
		t.Fatalf("after download state %s result %d", f.c.firmware.State(), f.c.firmware.Result())
	}

	if resp := f.request(dm, lwm2m.NewRequest(codes.POST, "5", "0", "2")); resp.Code != codes.Changed {
		t.Fatalf("execute update = %v", resp.Code)
	}
	f.settle()
	if f.c.State() != StateModemFirmwareUpdate {
		t.Errorf("client state = %s", f.c.State())
	}
	st := storage.NewPersister(context.Background(), storage.Config{KV: f.kv})
	if n, _ := st.Int(storage.KeyUpdateState); firmware.UpdateState(n) != firmware.UpdateScheduled {
		t.Errorf("update state = %d, want scheduled", n)
	}
	if len(f.host.reboots) != 1 || f.host.reboots[0] != "firmware update" {
		t.Fatalf("reboots = %v", f.host.reboots)
	}

	next := newFixture(t, operator.Lookup(operator.Verizon), f.kv, &fakeHost{version: "1.1.0"})
	fw := next.c.firmware
	if fw.UpdateState() != firmware.UpdateExecuted || fw.State() != firmware.StateIdle || fw.Result() != firmware.ResultSuccess {
		t.Errorf("after reboot update %d state %s result %d", fw.UpdateState(), fw.State(), fw.Result())
	}
}

func TestAccessDenied(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)
	if resp := f.request(serverURI(102), lwm2m.NewRequest(codes.GET, "0", "0")); resp.Code != codes.Unauthorized {
		t.Errorf("GET /0/0 by 102 = %v, want 4.01", resp.Code)
	}
	if resp := f.request("coaps://stranger.example.com:5684", lwm2m.NewRequest(codes.GET, "3", "0")); resp.Code != codes.Unauthorized {
		t.Errorf("GET /3/0 by unknown peer = %v, want 4.01", resp.Code)
	}
}

func TestBootstrapRetryExhaustion(t *testing.T) {
	f := newVerizon(t)
	f.tr.reply = nil
	f.c.OnLinkState(true)
	f.settle()

	delays := []time.Duration{2 * time.Minute, 4 * time.Minute, 6 * time.Minute, 8 * time.Minute}
	for n := range 5 {
		if got := len(f.tr.requests("/bs")); got != n+1 {
			t.Fatalf("before timeout %d: bootstrap requests = %d", n+1, got)
		}
		f.advance(DefaultExchangeLifetime)
		if n < len(delays) {
			f.advance(delays[n])
		}
	}
	if got := len(f.tr.requests("/bs")); got != 5 {
		t.Errorf("bootstrap requests = %d, want 5", got)
	}
	if f.c.State() != StateError {
		t.Fatalf("state = %s, want error", f.c.State())
	}
	if !errors.Is(f.c.Err(), errors.ErrBootstrapFailed) {
		t.Errorf("reason = %v, want ErrBootstrapFailed", f.c.Err())
	}
	f.advance(time.Hour)
	if got := len(f.tr.requests("/bs")); got != 5 {
		t.Errorf("bootstrap retried after failure: %d requests", got)
	}
}

func TestLinkLossResumesWithUpdate(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)

	f.c.OnLinkState(false)
	f.settle()
	if f.c.State() != StateDisconnected || f.c.Registered() != 0 {
		t.Fatalf("after link loss state %s, registered %d", f.c.State(), f.c.Registered())
	}

	f.c.OnLinkState(true)
	f.settle()
	if got := len(f.tr.requests("/rd")); got != 3 {
		t.Errorf("register requests = %d, want the original 3", got)
	}
	if got := len(f.tr.requests("/rd/dm101")); got != 1 {
		t.Errorf("updates to dm101 = %d, want 1", got)
	}
	if f.c.State() != StateIdle || f.c.Registered() != 3 {
		t.Errorf("after reconnect state %s, registered %d", f.c.State(), f.c.Registered())
	}
}

func TestShutdown(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)
	f.c.OnShutdown()
	f.settle()
	if n := f.tr.count(codes.DELETE); n != 3 {
		t.Errorf("deregistrations = %d, want 3", n)
	}
	if f.c.State() != StateShutdown || f.host.released != 1 {
		t.Errorf("state %s, link releases %d", f.c.State(), f.host.released)
	}
	if resp := f.request(serverURI(101), lwm2m.NewRequest(codes.GET, "3", "0")); resp.Code != codes.Unauthorized {
		t.Errorf("request after shutdown = %v", resp.Code)
	}
}

func TestSMSTriggers(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)

	f.c.OnSMSTrigger(TriggerUpdate)
	f.settle()
	for _, ssid := range []uint16{101, 102, 1000} {
		path := "/rd/dm" + strconv.Itoa(int(ssid))
		if got := len(f.tr.requests(path)); got != 1 {
			t.Errorf("updates to %s = %d, want 1", path, got)
		}
	}

	f.c.OnSMSTrigger(TriggerBootstrap)
	f.settle()
	if n := f.tr.count(codes.DELETE); n != 3 {
		t.Errorf("deregistrations = %d, want 3", n)
	}
	if got := len(f.tr.requests("/bs")); got != 2 {
		t.Errorf("bootstrap requests = %d, want 2", got)
	}
	if f.c.State() != StateRequestConnect {
		t.Errorf("state = %s, want request-connect", f.c.State())
	}
}

func TestBootstrapDeletesServer(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)

	f.c.OnSMSTrigger(TriggerBootstrap)
	f.settle()
	sv, ok := objects.ServerFor(f.c.reg, 102)
	if !ok {
		t.Fatal("no server account 102")
	}
	del := lwm2m.NewRequest(codes.DELETE, "1", strconv.Itoa(int(sv.InstanceID())))
	if resp := f.request(operator.VerizonBootstrapURI, del); resp.Code != codes.Deleted {
		t.Fatalf("bootstrap delete /1/%d = %v", sv.InstanceID(), resp.Code)
	}
	for _, e := range f.c.access.Entries() {
		if e.Owner == 102 {
			t.Errorf("entry /%d/%d still owned by 102", e.Object, e.Instance)
		}
		for _, g := range e.Grants {
			if g.SSID == 102 {
				t.Errorf("entry /%d/%d still grants 102", e.Object, e.Instance)
			}
		}
	}
	if slices.Contains(f.c.register.Servers(), 102) {
		t.Error("registration of 102 survived the delete")
	}

	before := len(f.tr.requests("/rd"))
	if resp := f.request(operator.VerizonBootstrapURI, lwm2m.NewRequest(codes.POST, "bs")); resp.Code != codes.Changed {
		t.Fatalf("bootstrap finish = %v", resp.Code)
	}
	f.settle()
	regs := f.tr.requests("/rd")[before:]
	if len(regs) != 2 {
		t.Fatalf("register requests after bootstrap = %d, want 2", len(regs))
	}
	for _, r := range regs {
		if r.uri == serverURI(102) {
			t.Errorf("registered with deleted server %s", r.uri)
		}
	}
	if n := f.c.Registered(); n != 2 {
		t.Errorf("registered with %d servers, want 2", n)
	}
}

func TestOperatorChange(t *testing.T) {
	f := newVerizon(t)
	f.provision(t)

	f.c.OnOperatorChange(operator.Lookup(operator.ATT))
	f.settle()
	bs := f.tr.requests("/bs")
	if len(bs) != 2 || bs[1].uri != operator.ATTBootstrapURI {
		t.Fatalf("bootstrap requests %v, want a second one to the AT&T server", len(bs))
	}
	st := storage.NewPersister(context.Background(), storage.Config{KV: f.kv})
	if id, _ := st.Int(storage.KeyOperatorID); operator.ID(id) != operator.ATT {
		t.Errorf("stored operator = %d", id)
	}
	if _, ok := objects.ServerFor(f.c.reg, 101); ok {
		t.Error("Verizon server account survived the operator change")
	}
}

func TestLinkActivationRetry(t *testing.T) {
	host := &fakeHost{version: "1.0.0", linkErr: errors.ErrUnreachable}
	f := newFixture(t, operator.Lookup(operator.ATT), storage.NewMemoryKV(), host)
	if host.activations != 1 {
		t.Fatalf("activations = %d", host.activations)
	}
	f.advance(time.Minute)
	if host.activations != 2 {
		t.Fatalf("activations after one period = %d, want 2", host.activations)
	}
	// The second failure exhausts the AT&T retries and backs off a day.
	f.advance(time.Hour)
	if host.activations != 2 {
		t.Errorf("activations during back-off = %d, want 2", host.activations)
	}
	host.linkErr = nil
	f.advance(24 * time.Hour)
	if host.activations != 3 {
		t.Errorf("activations after back-off = %d, want 3", host.activations)
	}
}

func TestQueueOverflow(t *testing.T) {
	f := newVerizon(t)
	p := lwm2m.ResourcePath(lwm2m.ObjectDevice, 0, objects.DeviceBatteryLevel)
	for n := range DefaultQueueSize + 3 {
		f.c.Update(p, lwm2m.Int(int64(n)))
	}
	f.c.OnShutdown()
	if len(f.metrics.drops) != 4 {
		t.Errorf("drops = %v, want 4", f.metrics.drops)
	}
	f.settle()
	if f.c.State() != StateShutdown {
		t.Errorf("critical event lost: state %s", f.c.State())
	}
}

func TestUnmatchedResponseIgnored(t *testing.T) {
	f := newVerizon(t)
	f.c.OnCoAPResponse([]byte{1, 2, 3}, lwm2m.NewResponse(codes.Changed), nil)
	if n := f.c.Drain(); n != 1 {
		t.Errorf("Drain() = %d, want 1", n)
	}
	if f.c.State() != StateRequestLinkUp {
		t.Errorf("state = %s", f.c.State())
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/acl"
	"github.com/absmach/lwm2m-carrier/pkg/bootstrap"
	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/firmware"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/objects"
	"github.com/absmach/lwm2m-carrier/pkg/observe"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/register"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/absmach/lwm2m-carrier/pkg/remote"
	"github.com/absmach/lwm2m-carrier/pkg/retry"
	"github.com/absmach/lwm2m-carrier/pkg/storage"
	"github.com/google/uuid"
)

// Config wires a Client.
type Config struct {
	Profile operator.Profile
	// Endpoint is the client endpoint name. It defaults to the IMEI URN
	// of the host.
	Endpoint  string
	Transport lwm2m.Transport
	Host      lwm2m.Host
	KV        storage.KV

	// Image stages firmware packages; an in-memory image is used when
	// nil. Without a Downloader only push delivery works.
	Image      firmware.Image
	Downloader firmware.Downloader

	Clock   clock.Clock
	Metrics Metrics

	QueueSize        int
	ExchangeLifetime time.Duration
	// ConInterval overrides the confirmable notification interval of
	// the profile when positive.
	ConInterval time.Duration

	Logger *slog.Logger
}

// Client is the LwM2M carrier client.
type Client struct {
	ctx     context.Context
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	clock   loopClock
	queue   *queue
	session *session

	reg       *registry.Registry
	access    *objects.AccessControl
	objects   *objects.Set
	remote    *remote.Table
	retry     *retry.Scheduler
	apn       *retry.APNBackoff
	observe   *observe.Engine
	store     *storage.Persister
	firmware  *firmware.Orchestrator
	bootstrap *bootstrap.Bootstrapper
	register  *register.Manager

	state      atomic.Int32
	registered atomic.Int32
	mu         sync.Mutex
	reason     error

	gen      uint64
	timer    *clock.Timer
	obsTimer *clock.Timer
	obsAt    time.Time
	obsSeq   uint64
	linkUp   bool
	attached bool
	booted   bool
	dirty    bool
	halted   chan struct{}
}

var _ lwm2m.Sink = (*Client)(nil)

// New assembles a client. Boot, or Run, brings it up.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Transport == nil || cfg.Host == nil || cfg.KV == nil {
		return nil, fmt.Errorf("client needs a transport, a host and a store: %w", errors.ErrInvalid)
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.ExchangeLifetime <= 0 {
		cfg.ExchangeLifetime = DefaultExchangeLifetime
	}
	if cfg.ConInterval <= 0 {
		cfg.ConInterval = cfg.Profile.ConInterval
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "urn:imei:" + cfg.Host.Identity().IMEI
	}
	if cfg.Image == nil {
		cfg.Image = &firmware.MemoryImage{}
	}
	if cfg.Downloader == nil {
		cfg.Downloader = pushOnly{}
	}

	c := &Client{
		ctx:     ctx,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		queue:   newQueue(cfg.QueueSize),
		remote:  remote.New(),
		retry:   retry.New(cfg.Profile.Retry),
		apn:     retry.NewAPNBackoff(cfg.Profile.APN),
		halted:  make(chan struct{}),
	}
	c.clock = loopClock{base: cfg.Clock, post: func(name string, f func()) { c.post(name, true, f) }}
	c.session = newSession(c)

	c.access = objects.NewAccessControl(acl.New(0), cfg.Logger)
	c.reg = registry.New(registry.Config{Access: c.access, Logger: cfg.Logger})
	c.observe = observe.New(observe.Config{
		Registry:    c.reg,
		Sender:      notifier{c},
		Clock:       c.clock,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		ConInterval: cfg.ConInterval,
		Defaults:    c.periods,
		Ready:       c.ready,
		OnChange:    c.saveObservers,
	})
	c.remote.OnDeregister = c.observe.Deregistered
	c.store = storage.NewPersister(ctx, storage.Config{
		KV:       cfg.KV,
		Registry: c.reg,
		ACL:      c.access.Table(),
		Remote:   c.remote,
		Observe:  c.observe,
		Logger:   cfg.Logger,
	})

	set, err := objects.Register(objects.Env{
		Registry: c.reg,
		Host:     cfg.Host,
		Clock:    c.clock,
		Actions:  actions{c},
		Profile:  cfg.Profile,
		Endpoint: cfg.Endpoint,
		After:    c.after,
		Logger:   cfg.Logger,
	}, c.access)
	if err != nil {
		return nil, err
	}
	c.objects = set

	c.firmware = firmware.New(ctx, firmware.Config{
		Registry:   c.reg,
		Store:      c.store,
		Image:      cfg.Image,
		Downloader: cfg.Downloader,
		Host:       cfg.Host,
		Reboot:     c.firmwareReboot,
		Post:       func(f func()) { c.post("firmware", true, f) },
		After:      c.after,
		Clock:      c.clock,
		OnState:    c.firmwareState,
		Logger:     cfg.Logger,
	})
	if err := c.firmware.Register(); err != nil {
		return nil, err
	}

	c.bootstrap = bootstrap.New(bootstrap.Config{
		Registry:      c.reg,
		Session:       c.session,
		Clock:         c.clock,
		Retry:         c.retry,
		Store:         c.store,
		Endpoint:      cfg.Endpoint,
		FinishTimeout: cfg.Profile.FinishTimeout,
		OnAttempt:     func(int) { c.metrics.BootstrapAttempt() },
		OnDone:        c.bootstrapDone,
		Logger:        cfg.Logger,
	})
	c.register = register.New(register.Config{
		Registry: c.reg,
		Session:  c.session,
		Clock:    c.clock,
		Retry:    c.retry,
		Remote:   c.remote,
		Store:    c.store,
		Endpoint: cfg.Endpoint,
		Binding:  cfg.Profile.Binding,
		OnEvent:  c.registrationEvent,
		Logger:   cfg.Logger,
	})

	c.reg.OnCreate(c.objectsChanged)
	c.reg.OnDelete(c.objectsChanged)
	c.reg.OnDelete(c.serverDeleted)
	return c, nil
}

// State returns the lifecycle state. It is safe for concurrent use.
func (c *Client) State() State { return State(c.state.Load()) }

// Registered returns the number of servers the client is registered
// with. It is safe for concurrent use.
func (c *Client) Registered() int { return int(c.registered.Load()) }

// Err returns the reason of the ERROR state.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Endpoint returns the endpoint name.
func (c *Client) Endpoint() string { return c.cfg.Endpoint }

// Done is closed once the client has shut down, reset or handed over to
// a firmware update.
func (c *Client) Done() <-chan struct{} { return c.halted }

// Run boots the client and serves the loop until ctx is cancelled or the
// client halts.
func (c *Client) Run(ctx context.Context) error {
	if !c.booted {
		if err := c.Boot(); err != nil {
			return err
		}
		c.Drain()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.halted:
			c.Drain()
			return nil
		case <-c.queue.wake:
			c.Drain()
		}
	}
}

// Drain handles every queued event and returns how many ran. It must
// only be called from the goroutine that owns the loop.
func (c *Client) Drain() int {
	n := 0
	for {
		ev, ok := c.queue.pop()
		if !ok {
			break
		}
		ev.run()
		n++
	}
	if n > 0 {
		c.armObserve()
		c.registered.Store(int32(len(c.register.Registered())))
	}
	return n
}

// post queues f for the loop.
func (c *Client) post(name string, critical bool, f func()) {
	lost, dropped := c.queue.push(event{name: name, critical: critical, run: f})
	if dropped {
		c.logger.Warn("event queue full, dropping event", slog.String("event", lost.name))
		c.metrics.QueueDrop(lost.name)
	}
}

// after runs f on the loop once d has elapsed.
func (c *Client) after(d time.Duration, f func()) {
	c.clock.AfterFunc(d, f)
}

// schedule arms the single lifecycle timer. Callbacks armed before the
// last state change are dropped.
func (c *Client) schedule(d time.Duration, f func()) {
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = c.clock.AfterFunc(d, func() {
		if gen == c.gen {
			c.timer = nil
			f()
		}
	})
}

func (c *Client) enter(s State) {
	prev := c.State()
	if prev != s {
		c.gen++
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.logger.Info("client state", slog.String("from", prev.String()), slog.String("to", s.String()))
		c.metrics.ClientState(prev.String(), s.String())
	}
	c.state.Store(int32(s))
}

// fail enters ERROR with err as the reason.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.reason = err
	c.mu.Unlock()
	c.logger.Error("client failed", slog.Any("error", err))
	c.enter(StateError)
}

func (c *Client) clearReason() {
	c.mu.Lock()
	c.reason = nil
	c.mu.Unlock()
}

// halt stops the loop in the terminal state s.
func (c *Client) halt(s State) {
	c.enter(s)
	c.bootstrap.Stop()
	c.register.Stop()
	c.session.close()
	if c.obsTimer != nil {
		c.obsTimer.Stop()
		c.obsTimer = nil
	}
	select {
	case <-c.halted:
	default:
		close(c.halted)
	}
}

// Boot restores persisted state, or seeds the operator defaults, and
// requests the data link. It runs on the loop.
func (c *Client) Boot() error {
	c.booted = true
	c.enter(StateBooting)
	if err := c.objects.SeedDevice(); err != nil {
		return err
	}
	if !c.attached {
		c.store.Attach()
		c.attached = true
	}
	if err := c.restore(); err != nil {
		c.logger.Error("stored state unusable, reseeding", slog.Any("error", err))
		if err := c.reseed(); err != nil {
			c.fail(fmt.Errorf("reseed: %w", err))
			return err
		}
	}
	if err := c.firmware.Boot(); err != nil {
		c.logger.Warn("failed to restore firmware state", slog.Any("error", err))
	}
	if err := c.store.LoadObservers(); err != nil {
		c.logger.Warn("failed to restore observations", slog.Any("error", err))
	}
	c.requestLinkUp()
	return nil
}

func (c *Client) restore() error {
	bootstrapped, err := c.store.Bool(storage.KeyBootstrapped)
	if err != nil {
		return err
	}
	if !bootstrapped {
		return c.seed()
	}
	stored, err := c.store.Int(storage.KeyOperatorID)
	if err != nil {
		return err
	}
	if operator.ID(stored) != c.cfg.Profile.ID {
		c.logger.Info("operator changed since last boot",
			slog.String("stored", operator.ID(stored).String()),
			slog.String("current", c.cfg.Profile.ID.String()))
		return c.reseed()
	}
	return c.store.Load()
}

// seed installs the operator defaults into an empty tree.
func (c *Client) seed() error {
	if err := c.objects.SeedFactory(); err != nil {
		return err
	}
	if err := c.store.SetInt(storage.KeyOperatorID, int64(c.cfg.Profile.ID)); err != nil {
		return err
	}
	if !c.cfg.Profile.NeedsBootstrap() {
		return c.store.SetBool(storage.KeyBootstrapped, true)
	}
	return nil
}

// reseed drops every object, observation and registration, wipes the
// store except for the firmware history and seeds the operator defaults.
func (c *Client) reseed() error {
	c.bootstrap.Stop()
	c.register.Stop()
	c.session.close()
	c.observe.Clear()
	c.remote.Clear()
	c.retry.ResetAll()
	c.objects.Reset()
	if err := c.store.Wipe(); err != nil {
		return err
	}
	if err := c.objects.SeedDevice(); err != nil {
		return err
	}
	if err := c.firmware.Reinstate(); err != nil {
		return err
	}
	return c.seed()
}

func (c *Client) requestLinkUp() {
	c.enter(StateRequestLinkUp)
	if err := c.cfg.Host.ActivateLink(c.ctx); err != nil {
		d := c.apn.Next()
		if d <= 0 {
			d = time.Minute
		}
		c.logger.Warn("link activation failed", slog.Duration("retry_in", d), slog.Any("error", err))
		c.metrics.RetryDelay("link", d)
		c.schedule(d, c.requestLinkUp)
	}
}

func (c *Client) linkChanged(up bool) {
	if c.linkUp == up {
		return
	}
	c.linkUp = up
	now := c.clock.Now()
	apn := c.apnName()
	st := c.State()
	if up {
		c.apn.Reset()
		if apn != "" {
			objects.RecordConnection(c.reg, apn, now, 0, 0)
		}
		if st == StateRequestLinkUp || st == StateDisconnected {
			c.connect()
		}
		return
	}
	if apn != "" {
		objects.RecordDisconnect(c.reg, apn, now)
	}
	if st.terminal() || st == StateError || st == StateRequestDisconnect || st == StateRequestLinkDown {
		return
	}
	c.bootstrap.Stop()
	c.register.Stop()
	c.session.close()
	c.firmware.Suspend()
	c.enter(StateDisconnected)
}

func (c *Client) apnName() string {
	for _, a := range objects.APNInstances(c.reg) {
		if a.Enabled() {
			return a.Name()
		}
	}
	return ""
}

// connect bootstraps when the client holds no valid server accounts and
// registers otherwise.
func (c *Client) connect() {
	c.enter(StateRequestConnect)
	c.firmware.Resume()
	if c.needsBootstrap() {
		if err := c.bootstrap.Start(); err != nil {
			c.fail(fmt.Errorf("%w: %w", errors.ErrBootstrapFailed, err))
		}
		return
	}
	c.startRegistration()
}

func (c *Client) needsBootstrap() bool {
	done, err := c.store.Bool(storage.KeyBootstrapped)
	if err != nil {
		c.logger.Warn("failed to read bootstrapped flag", slog.Any("error", err))
	}
	if done {
		return false
	}
	sec, ok := objects.BootstrapSecurity(c.reg)
	return ok && sec.URI() != ""
}

func (c *Client) startRegistration() {
	if n := c.register.Start(); n == 0 {
		c.fail(fmt.Errorf("no server account: %w", errors.ErrRegistrationFailed))
	}
}

func (c *Client) bootstrapDone(err error) {
	if err != nil {
		c.fail(err)
		return
	}
	c.logger.Info("bootstrap complete, registering")
	c.startRegistration()
}

func (c *Client) registrationEvent(e register.Event) {
	c.metrics.Registration(e.SSID, e.Kind.String())
	switch e.Kind {
	case register.EventRegistered, register.EventUpdated:
		st := c.State()
		if st == StateRequestConnect || (st == StateError && errors.Is(c.Err(), errors.ErrRegistrationFailed)) {
			c.clearReason()
			c.enter(StateIdle)
		}
	case register.EventRetry:
		c.metrics.RetryDelay("register", e.Delay)
	case register.EventFailed:
		c.metrics.RetryDelay("register", e.Delay)
		if len(c.register.Registered()) == 0 && c.State() == StateRequestConnect {
			c.fail(e.Err)
		}
	}
	c.registered.Store(int32(len(c.register.Registered())))
}

// objectsChanged coalesces tree changes into one Update per server.
func (c *Client) objectsChanged(lwm2m.Path) {
	if c.dirty {
		return
	}
	c.dirty = true
	c.after(0, func() {
		c.dirty = false
		if !c.bootstrap.Active() {
			c.register.ObjectsChanged()
		}
	})
}

// serverDeleted forgets the registration and the access rights of every
// server whose /1 instance is gone.
func (c *Client) serverDeleted(p lwm2m.Path) {
	if p.Object != lwm2m.ObjectServer {
		return
	}
	live := make(map[uint16]bool)
	for _, sv := range objects.ServerInstances(c.reg) {
		live[sv.SSID()] = true
	}
	known := c.register.Servers()
	for _, e := range c.access.Entries() {
		known = append(known, e.Owner)
		for _, g := range e.Grants {
			known = append(known, g.SSID)
		}
	}
	slices.Sort(known)
	for _, ssid := range slices.Compact(known) {
		if live[ssid] || ssid == lwm2m.DefaultSSID || ssid == lwm2m.BootstrapSSID {
			continue
		}
		c.logger.Info("server account deleted", slog.Int("ssid", int(ssid)))
		c.register.Remove(ssid)
		c.access.RemoveServer(ssid)
		_ = c.remote.Deregister(ssid)
	}
}

func (c *Client) firmwareState(s firmware.State) {
	c.metrics.FirmwareState(int(s))
	if s == firmware.StateUpdating {
		c.enter(StateModemFirmwareUpdate)
	}
}

func (c *Client) firmwareReboot() {
	c.logger.Info("rebooting into new firmware")
	c.register.DeregisterAll(func() {
		c.cfg.Host.Reboot("firmware update")
		c.halt(StateModemFirmwareUpdate)
	})
}

func (c *Client) reboot(reason string) {
	if c.State().terminal() {
		return
	}
	c.enter(StateRequestDisconnect)
	c.bootstrap.Stop()
	c.register.DeregisterAll(func() {
		c.cfg.Host.Reboot(reason)
		c.halt(StateShutdown)
	})
}

func (c *Client) shutdown() {
	if c.State().terminal() {
		return
	}
	c.enter(StateRequestDisconnect)
	c.bootstrap.Stop()
	c.register.DeregisterAll(func() {
		c.enter(StateRequestLinkDown)
		if err := c.cfg.Host.DeactivateLink(c.ctx); err != nil {
			c.logger.Warn("link deactivation failed", slog.Any("error", err))
		}
		c.halt(StateShutdown)
	})
}

func (c *Client) factoryReset() {
	if c.State().terminal() {
		return
	}
	c.logger.Warn("factory reset")
	c.enter(StateRequestDisconnect)
	c.register.DeregisterAll(func() {
		if err := c.reseed(); err != nil {
			c.fail(fmt.Errorf("factory reset: %w", err))
			return
		}
		c.cfg.Host.Reboot("factory reset")
		c.halt(StateReset)
	})
}

func (c *Client) changeOperator(p operator.Profile) {
	if c.State().terminal() {
		return
	}
	c.logger.Info("operator changed",
		slog.String("from", c.cfg.Profile.ID.String()),
		slog.String("to", p.ID.String()))
	c.enter(StateRequestDisconnect)
	c.register.DeregisterAll(func() {
		c.cfg.Profile = p
		c.objects.SetProfile(p)
		c.retry.Configure(p.Retry)
		c.apn.Configure(p.APN)
		if p.ConInterval > 0 {
			c.observe.SetConInterval(p.ConInterval)
		}
		if err := c.reseed(); err != nil {
			c.fail(fmt.Errorf("operator change: %w", err))
			return
		}
		c.clearReason()
		if c.linkUp {
			c.connect()
			return
		}
		c.requestLinkUp()
	})
}

func (c *Client) trigger(t Trigger) {
	if c.objects.Stats != nil {
		c.objects.Stats.RecordSMS(false)
	}
	c.logger.Info("sms trigger", slog.String("trigger", t.String()))
	switch t {
	case TriggerUpdate:
		for _, ssid := range c.register.Registered() {
			c.register.TriggerUpdate(ssid)
		}
	case TriggerBootstrap:
		if c.State().terminal() {
			return
		}
		c.enter(StateRequestDisconnect)
		c.register.DeregisterAll(func() {
			if err := c.store.SetBool(storage.KeyBootstrapped, false); err != nil {
				c.logger.Error("failed to clear bootstrapped flag", slog.Any("error", err))
			}
			c.retry.ResetAll()
			c.clearReason()
			if c.linkUp {
				c.connect()
				return
			}
			c.requestLinkUp()
		})
	case TriggerReset:
		c.reboot("sms reset")
	case TriggerFactoryReset:
		c.factoryReset()
	}
}

func (c *Client) periods(ssid uint16) (pmin, pmax int64) {
	if sv, ok := objects.ServerFor(c.reg, ssid); ok {
		return sv.Periods()
	}
	return 0, 0
}

func (c *Client) ready(ssid uint16) bool {
	return slices.Contains(c.register.Registered(), ssid)
}

func (c *Client) saveObservers() {
	if err := c.store.SaveObservers(); err != nil {
		c.logger.Error("failed to save observations", slog.Any("error", err))
	}
}

// armObserve keeps one timer at the next notification deadline.
func (c *Client) armObserve() {
	if c.State().terminal() {
		return
	}
	at, ok := c.observe.NextDeadline()
	if !ok {
		if c.obsTimer != nil {
			c.obsTimer.Stop()
			c.obsTimer = nil
		}
		return
	}
	if c.obsTimer != nil && at.Equal(c.obsAt) {
		return
	}
	if c.obsTimer != nil {
		c.obsTimer.Stop()
	}
	c.obsSeq++
	seq := c.obsSeq
	c.obsAt = at
	c.obsTimer = c.clock.AfterFunc(at.Sub(c.clock.Now()), func() {
		if seq == c.obsSeq {
			c.obsTimer = nil
		}
		c.observe.Tick()
	})
}

func (c *Client) record(tx bool, n int) {
	if c.objects.Stats != nil {
		c.objects.Stats.Record(tx, n)
	}
}

// pushOnly rejects pull downloads when no downloader is configured.
type pushOnly struct{}

func (pushOnly) Download(context.Context, firmware.Job, firmware.Sink) error {
	return fmt.Errorf("pull delivery: %w", errors.ErrNotSupported)
}

func (pushOnly) Cancel(uuid.UUID) {}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/objects"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/absmach/lwm2m-carrier/pkg/retry"
	"github.com/absmach/lwm2m-carrier/pkg/storage"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultFinishTimeout bounds the wait for Bootstrap-Finish after the
// Bootstrap-Request is acknowledged.
const DefaultFinishTimeout = time.Minute

// State is the progress of a bootstrap attempt.
type State uint8

const (
	StateIdle State = iota
	StateHoldOff
	StateConnecting
	StateRequesting
	StateWaitFinish
	StateRetryWait
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHoldOff:
		return "hold-off"
	case StateConnecting:
		return "connecting"
	case StateRequesting:
		return "requesting"
	case StateWaitFinish:
		return "wait-finish"
	case StateRetryWait:
		return "retry-wait"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config wires a Bootstrapper.
type Config struct {
	Registry *registry.Registry
	Session  lwm2m.Session
	Clock    clock.Clock
	Retry    *retry.Scheduler
	Store    *storage.Persister
	Endpoint string

	FinishTimeout time.Duration

	// OnAttempt is called before every Bootstrap-Request.
	OnAttempt func(attempt int)

	// OnDone reports the outcome: nil after Bootstrap-Finish, an error
	// wrapping errors.ErrBootstrapFailed once retries are exhausted.
	OnDone func(err error)

	Logger *slog.Logger
}

// Bootstrapper drives one bootstrap sequence at a time. All methods run
// on the client loop.
type Bootstrapper struct {
	cfg    Config
	logger *slog.Logger

	state State
	gen   uint64
	timer *clock.Timer
	uri   string
	iid   uint16
}

// New returns an idle Bootstrapper.
func New(cfg Config) *Bootstrapper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = DefaultFinishTimeout
	}
	return &Bootstrapper{cfg: cfg, logger: cfg.Logger}
}

// State returns the current state.
func (b *Bootstrapper) State() State { return b.state }

// Active reports whether a sequence is in progress. While active the
// bootstrap server bypasses access control and no registration runs.
func (b *Bootstrapper) Active() bool {
	switch b.state {
	case StateIdle, StateDone, StateFailed:
		return false
	default:
		return true
	}
}

// URI returns the bootstrap server of the running sequence.
func (b *Bootstrapper) URI() string { return b.uri }

// Start begins a sequence with the client hold-off of the bootstrap
// Security instance.
func (b *Bootstrapper) Start() error {
	sec, ok := objects.BootstrapSecurity(b.cfg.Registry)
	if !ok || sec.URI() == "" {
		return fmt.Errorf("bootstrap account: %w", errors.ErrNotFound)
	}
	b.stop()
	b.uri = sec.URI()
	b.iid = sec.InstanceID()
	holdOff := time.Duration(sec.HoldOff()) * time.Second
	b.logger.Info("bootstrap scheduled", slog.String("uri", b.uri), slog.Duration("hold_off", holdOff))
	b.enter(StateHoldOff)
	b.after(holdOff, b.connect)
	return nil
}

// Stop abandons the running sequence.
func (b *Bootstrapper) Stop() {
	if b.Active() && b.uri != "" {
		b.cfg.Session.Disconnect(b.uri)
	}
	b.stop()
	b.enter(StateIdle)
}

func (b *Bootstrapper) stop() {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Bootstrapper) enter(s State) {
	if b.state != s {
		b.logger.Debug("bootstrap state", slog.String("from", b.state.String()), slog.String("to", s.String()))
	}
	b.state = s
}

// after arms the single sequence timer. Callbacks of an older
// generation are dropped.
func (b *Bootstrapper) after(d time.Duration, f func()) {
	if b.timer != nil {
		b.timer.Stop()
	}
	gen := b.gen
	b.timer = b.cfg.Clock.AfterFunc(d, func() {
		if gen == b.gen {
			b.timer = nil
			f()
		}
	})
}

// guard wraps a completion so that it is ignored once the sequence has
// moved on.
func (b *Bootstrapper) guard(f func(err error)) func(err error) {
	gen := b.gen
	return func(err error) {
		if gen == b.gen {
			f(err)
		}
	}
}

func (b *Bootstrapper) connect() {
	sec, ok := objects.BootstrapSecurity(b.cfg.Registry)
	if !ok {
		b.retry(fmt.Errorf("bootstrap account: %w", errors.ErrNotFound))
		return
	}
	b.enter(StateConnecting)
	b.cfg.Session.Connect(sec.Endpoint(), b.guard(func(err error) {
		if err != nil {
			b.retry(err)
			return
		}
		b.request()
	}))
}

func (b *Bootstrapper) request() {
	b.enter(StateRequesting)
	if b.cfg.OnAttempt != nil {
		b.cfg.OnAttempt(b.cfg.Retry.Attempts(b.iid) + 1)
	}
	req := lwm2m.NewRequest(codes.POST, "bs")
	req.Queries = []string{"ep=" + b.cfg.Endpoint}
	b.logger.Info("sending bootstrap request", slog.String("uri", b.uri), slog.String("endpoint", b.cfg.Endpoint))
	gen := b.gen
	b.cfg.Session.Request(b.uri, req, func(resp *lwm2m.Response, err error) {
		if gen != b.gen {
			return
		}
		switch {
		case err != nil:
			b.retry(err)
		case !resp.Success():
			b.retry(fmt.Errorf("bootstrap request answered %v: %w", resp.Code, errors.ErrBadRequest))
		default:
			b.enter(StateWaitFinish)
			b.after(b.cfg.FinishTimeout, func() {
				b.retry(fmt.Errorf("no bootstrap finish within %s: %w", b.cfg.FinishTimeout, errors.ErrTimeout))
			})
		}
	})
}

func (b *Bootstrapper) retry(cause error) {
	b.cfg.Session.Disconnect(b.uri)
	d, err := b.cfg.Retry.Next(b.iid, true, true)
	if err != nil {
		b.stop()
		b.enter(StateFailed)
		b.logger.Error("bootstrap failed", slog.String("uri", b.uri), slog.Any("error", cause))
		if b.cfg.OnDone != nil {
			b.cfg.OnDone(fmt.Errorf("%w: %w", errors.ErrBootstrapFailed, cause))
		}
		return
	}
	b.logger.Warn("bootstrap attempt failed",
		slog.Int("attempt", d.Attempt),
		slog.Duration("retry_in", d.Duration),
		slog.Any("error", cause))
	b.stop()
	b.enter(StateRetryWait)
	b.after(d.Duration, b.connect)
}

// Handle serves a request from the bootstrap server.
func (b *Bootstrapper) Handle(op lwm2m.Operation, p lwm2m.Path, req *lwm2m.Request) *lwm2m.Response {
	if !b.Active() {
		return lwm2m.NewResponse(codes.Unauthorized)
	}
	switch op {
	case lwm2m.OpBootstrapFinish:
		return b.finish()
	case lwm2m.OpWrite, lwm2m.OpWritePartial, lwm2m.OpDelete, lwm2m.OpBootstrapDiscover, lwm2m.OpRead:
		if b.state == StateRequesting {
			// Server requests may overtake the acknowledgement.
			b.enter(StateWaitFinish)
			b.after(b.cfg.FinishTimeout, func() {
				b.retry(fmt.Errorf("no bootstrap finish within %s: %w", b.cfg.FinishTimeout, errors.ErrTimeout))
			})
		}
		if op == lwm2m.OpWritePartial {
			op = lwm2m.OpWrite
		}
		return b.cfg.Registry.Dispatch(registry.BootstrapCaller, op, p, req)
	default:
		return lwm2m.NewResponse(codes.MethodNotAllowed)
	}
}

func (b *Bootstrapper) finish() *lwm2m.Response {
	if err := b.validate(); err != nil {
		b.logger.Warn("rejecting bootstrap finish", slog.Any("error", err))
		return lwm2m.NewResponse(codes.NotAcceptable)
	}
	if err := b.cfg.Store.SetBool(storage.KeyBootstrapped, true); err != nil {
		b.logger.Error("failed to store bootstrapped flag", slog.Any("error", err))
		return lwm2m.NewResponse(codes.InternalServerError)
	}
	b.cfg.Retry.Reset(b.iid)
	b.stop()
	b.enter(StateDone)
	b.logger.Info("bootstrap finished", slog.String("uri", b.uri))
	// The finish response goes out before the session is torn down.
	b.cfg.Clock.AfterFunc(0, func() {
		b.cfg.Session.Disconnect(b.uri)
		if b.cfg.OnDone != nil {
			b.cfg.OnDone(nil)
		}
	})
	return lwm2m.NewResponse(codes.Changed)
}

// validate checks that at least one Server instance has a Security
// account to register with.
func (b *Bootstrapper) validate() error {
	for _, s := range objects.ServerInstances(b.cfg.Registry) {
		if sec, ok := objects.SecurityFor(b.cfg.Registry, s.SSID()); ok && sec.URI() != "" {
			return nil
		}
	}
	return fmt.Errorf("no configured server account: %w", errors.ErrBadRequest)
}

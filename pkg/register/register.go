// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package register

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/objects"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/absmach/lwm2m-carrier/pkg/remote"
	"github.com/absmach/lwm2m-carrier/pkg/retry"
	"github.com/absmach/lwm2m-carrier/pkg/storage"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	// MinLifetime is the shortest registration lifetime sent.
	MinLifetime = 60 * time.Second

	// MinUpdateMargin is the shortest lead of an Update before expiry.
	MinUpdateMargin = 30 * time.Second

	// Version is the enabler version sent on Register.
	Version = "1.0"
)

// State is the registration state of one server.
type State uint8

const (
	StateIdle State = iota
	StateConnectWait
	StateConnectRetryWait
	StateRegisterWait
	StateRegistered
	StateUpdateWait
	StateDeregisterWait
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectWait:
		return "connect-wait"
	case StateConnectRetryWait:
		return "connect-retry-wait"
	case StateRegisterWait:
		return "register-wait"
	case StateRegistered:
		return "registered"
	case StateUpdateWait:
		return "update-wait"
	case StateDeregisterWait:
		return "deregister-wait"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// EventKind classifies an Event.
type EventKind uint8

const (
	EventRegistered EventKind = iota
	EventUpdated
	EventDeregistered
	EventRetry
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventUpdated:
		return "updated"
	case EventDeregistered:
		return "deregistered"
	case EventRetry:
		return "retry"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event reports registration progress of one server.
type Event struct {
	Kind  EventKind
	SSID  uint16
	Delay time.Duration
	Err   error
}

// Config wires a Manager.
type Config struct {
	Registry *registry.Registry
	Session  lwm2m.Session
	Clock    clock.Clock
	Retry    *retry.Scheduler
	Remote   *remote.Table
	Store    *storage.Persister
	Endpoint string

	// Binding is sent when the Server instance has none.
	Binding string

	OnEvent func(Event)
	Logger  *slog.Logger
}

type server struct {
	ssid  uint16
	uri   string
	iid   uint16
	state State
	gen   uint64
	timer *clock.Timer
	// links is the object set last sent to the server.
	links []byte
}

// Manager registers the client with each configured server.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	servers []*server
}

// New returns a Manager with no active servers.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Binding == "" {
		cfg.Binding = "U"
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Start connects to every Server instance with a configured Security
// account. Servers holding a restored location try an Update first.
func (m *Manager) Start() int {
	n := 0
	for _, sv := range objects.ServerInstances(m.cfg.Registry) {
		ssid := sv.SSID()
		sec, ok := objects.SecurityFor(m.cfg.Registry, ssid)
		if !ok || sec.URI() == "" {
			continue
		}
		s := m.server(ssid)
		if s == nil {
			s = &server{ssid: ssid}
			m.servers = append(m.servers, s)
		}
		if s.state != StateIdle {
			n++
			continue
		}
		if s.uri != "" && s.uri != sec.URI() {
			m.cfg.Session.Disconnect(s.uri)
		}
		s.uri = sec.URI()
		s.iid = sec.InstanceID()
		if err := m.cfg.Remote.Bind(ssid, s.uri); err != nil {
			m.logger.Warn("failed to bind server", slog.Int("ssid", int(ssid)), slog.Any("error", err))
			continue
		}
		m.connect(s)
		n++
	}
	return n
}

// Stop cancels every pending exchange and timer without deregistering.
func (m *Manager) Stop() {
	for _, s := range m.servers {
		m.reset(s)
		s.state = StateIdle
	}
}

// State returns the registration state of ssid.
func (m *Manager) State(ssid uint16) State {
	if s := m.server(ssid); s != nil {
		return s.state
	}
	return StateIdle
}

// Registered returns the ssids currently registered.
func (m *Manager) Registered() []uint16 {
	var out []uint16
	for _, s := range m.servers {
		if s.state == StateRegistered || s.state == StateUpdateWait {
			out = append(out, s.ssid)
		}
	}
	return out
}

// TriggerUpdate sends an Update to ssid now.
func (m *Manager) TriggerUpdate(ssid uint16) {
	s := m.server(ssid)
	if s == nil || s.state != StateRegistered {
		return
	}
	m.update(s)
}

// ObjectsChanged sends an Update carrying the new object set to every
// registered server whose view changed.
func (m *Manager) ObjectsChanged() {
	for _, s := range m.servers {
		if s.state != StateRegistered {
			continue
		}
		if !slices.Equal(s.links, m.cfg.Registry.RegisterLinks(s.ssid)) {
			m.update(s)
		}
	}
}

// Deregister deregisters ssid. done runs once the server has answered
// or the exchange timed out.
func (m *Manager) Deregister(ssid uint16, done func()) {
	s := m.server(ssid)
	if s == nil {
		if done != nil {
			done()
		}
		return
	}
	m.deregister(s, done)
}

// DeregisterAll deregisters every server and calls done when all have
// completed.
func (m *Manager) DeregisterAll(done func()) {
	pending := 0
	for _, s := range m.servers {
		if s.state == StateRegistered || s.state == StateUpdateWait {
			pending++
		}
	}
	if pending == 0 {
		m.Stop()
		if done != nil {
			done()
		}
		return
	}
	for _, s := range m.servers {
		if s.state != StateRegistered && s.state != StateUpdateWait {
			m.reset(s)
			s.state = StateIdle
			continue
		}
		m.deregister(s, func() {
			pending--
			if pending == 0 && done != nil {
				done()
			}
		})
	}
}

// Disable deregisters ssid and registers again after timeout.
func (m *Manager) Disable(ssid uint16, timeout time.Duration) {
	s := m.server(ssid)
	if s == nil {
		return
	}
	m.logger.Info("disabling server", slog.Int("ssid", int(ssid)), slog.Duration("timeout", timeout))
	m.deregister(s, func() {
		s.state = StateDisabled
		m.after(s, timeout, func() {
			s.state = StateIdle
			m.Start()
		})
	})
}

// Remove forgets ssid, for example after its Server instance was
// deleted.
func (m *Manager) Remove(ssid uint16) {
	n := slices.IndexFunc(m.servers, func(s *server) bool { return s.ssid == ssid })
	if n < 0 {
		return
	}
	s := m.servers[n]
	m.reset(s)
	m.cfg.Session.Disconnect(s.uri)
	m.servers = slices.Delete(m.servers, n, n+1)
}

// Servers returns the ssid of every server the manager tracks.
func (m *Manager) Servers() []uint16 {
	out := make([]uint16, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s.ssid)
	}
	return out
}

func (m *Manager) server(ssid uint16) *server {
	for _, s := range m.servers {
		if s.ssid == ssid {
			return s
		}
	}
	return nil
}

func (m *Manager) enter(s *server, st State) {
	if s.state != st {
		m.logger.Debug("registration state",
			slog.Int("ssid", int(s.ssid)),
			slog.String("from", s.state.String()),
			slog.String("to", st.String()))
	}
	s.state = st
}

// reset invalidates outstanding completions and timers of s.
func (m *Manager) reset(s *server) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (m *Manager) after(s *server, d time.Duration, f func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen
	s.timer = m.cfg.Clock.AfterFunc(d, func() {
		if gen == s.gen {
			s.timer = nil
			f()
		}
	})
}

func (m *Manager) request(s *server, req *lwm2m.Request, done func(*lwm2m.Response, error)) {
	gen := s.gen
	m.cfg.Session.Request(s.uri, req, func(resp *lwm2m.Response, err error) {
		if gen == s.gen {
			done(resp, err)
		}
	})
}

func (m *Manager) connect(s *server) {
	sec, ok := objects.SecurityFor(m.cfg.Registry, s.ssid)
	if !ok {
		m.enter(s, StateIdle)
		return
	}
	m.reset(s)
	m.enter(s, StateConnectWait)
	gen := s.gen
	m.cfg.Session.Connect(sec.Endpoint(), func(err error) {
		if gen != s.gen {
			return
		}
		if err != nil {
			m.retry(s, err)
			return
		}
		if _, ok := m.cfg.Remote.Location(s.ssid); ok {
			m.update(s)
			return
		}
		m.register(s)
	})
}

func (m *Manager) serverObject(s *server) (*objects.Server, error) {
	sv, ok := objects.ServerFor(m.cfg.Registry, s.ssid)
	if !ok {
		return nil, fmt.Errorf("server %d: %w", s.ssid, errors.ErrNotFound)
	}
	return sv, nil
}

func lifetime(sv *objects.Server) time.Duration {
	return max(time.Duration(sv.Lifetime())*time.Second, MinLifetime)
}

func (m *Manager) register(s *server) {
	sv, err := m.serverObject(s)
	if err != nil {
		m.enter(s, StateIdle)
		return
	}
	binding := sv.Binding()
	if binding == "" {
		binding = m.cfg.Binding
	}
	lt := lifetime(sv)
	s.links = m.cfg.Registry.RegisterLinks(s.ssid)

	req := lwm2m.NewRequest(codes.POST, "rd")
	req.Queries = []string{
		"ep=" + m.cfg.Endpoint,
		"lt=" + strconv.FormatInt(int64(lt/time.Second), 10),
		"b=" + binding,
		"lwm2m=" + Version,
	}
	req.ContentFormat = message.AppLinkFormat
	req.Payload = s.links

	m.enter(s, StateRegisterWait)
	m.logger.Info("registering", slog.Int("ssid", int(s.ssid)), slog.String("uri", s.uri), slog.Duration("lifetime", lt))
	m.request(s, req, func(resp *lwm2m.Response, err error) {
		switch {
		case err != nil:
			m.retry(s, err)
		case resp.Code != codes.Created || len(resp.Location) == 0:
			m.retry(s, fmt.Errorf("register answered %v: %w", resp.Code, errors.ErrBadRequest))
		default:
			if err := m.cfg.Remote.SetLocation(s.ssid, resp.Location); err != nil {
				m.retry(s, err)
				return
			}
			m.registered(s, sv, EventRegistered)
		}
	})
}

func (m *Manager) registered(s *server, sv *objects.Server, kind EventKind) {
	sv.SetRegistered(true)
	m.cfg.Retry.Reset(s.iid)
	if err := m.cfg.Store.SaveLocations(); err != nil {
		m.logger.Warn("failed to store registration", slog.Int("ssid", int(s.ssid)), slog.Any("error", err))
	}
	m.enter(s, StateRegistered)
	lt := lifetime(sv)
	margin := max(lt/10, MinUpdateMargin)
	m.after(s, lt-margin, func() { m.update(s) })
	if kind == EventRegistered {
		m.logger.Info("registered", slog.Int("ssid", int(s.ssid)))
	}
	m.emit(Event{Kind: kind, SSID: s.ssid})
}

func (m *Manager) update(s *server) {
	sv, err := m.serverObject(s)
	if err != nil {
		m.enter(s, StateIdle)
		return
	}
	location, ok := m.cfg.Remote.Location(s.ssid)
	if !ok {
		m.register(s)
		return
	}
	lt := lifetime(sv)
	req := lwm2m.NewRequest(codes.POST, location...)
	req.Queries = []string{"lt=" + strconv.FormatInt(int64(lt/time.Second), 10)}
	links := m.cfg.Registry.RegisterLinks(s.ssid)
	if !slices.Equal(links, s.links) {
		req.ContentFormat = message.AppLinkFormat
		req.Payload = links
	}

	m.enter(s, StateUpdateWait)
	m.request(s, req, func(resp *lwm2m.Response, err error) {
		switch {
		case err != nil:
			m.retry(s, err)
		case resp.Code == codes.NotFound:
			// The server lost the registration.
			m.dropLocation(s, sv)
			m.register(s)
		case !resp.Success():
			m.retry(s, fmt.Errorf("update answered %v: %w", resp.Code, errors.ErrBadRequest))
		default:
			s.links = links
			m.registered(s, sv, EventUpdated)
		}
	})
}

func (m *Manager) deregister(s *server, done func()) {
	location, ok := m.cfg.Remote.Location(s.ssid)
	if !ok {
		m.reset(s)
		m.enter(s, StateIdle)
		if done != nil {
			done()
		}
		return
	}
	m.reset(s)
	m.enter(s, StateDeregisterWait)
	m.request(s, lwm2m.NewRequest(codes.DELETE, location...), func(_ *lwm2m.Response, err error) {
		if err != nil {
			m.logger.Warn("deregister failed", slog.Int("ssid", int(s.ssid)), slog.Any("error", err))
		}
		if sv, err := m.serverObject(s); err == nil {
			m.dropLocation(s, sv)
		}
		if err := m.cfg.Remote.Deregister(s.ssid); err != nil {
			m.logger.Debug("server already unbound", slog.Int("ssid", int(s.ssid)))
		}
		if err := m.cfg.Store.SaveLocations(); err != nil {
			m.logger.Warn("failed to store registration", slog.Int("ssid", int(s.ssid)), slog.Any("error", err))
		}
		m.cfg.Session.Disconnect(s.uri)
		m.enter(s, StateIdle)
		m.logger.Info("deregistered", slog.Int("ssid", int(s.ssid)))
		m.emit(Event{Kind: EventDeregistered, SSID: s.ssid})
		if done != nil {
			done()
		}
	})
}

func (m *Manager) dropLocation(s *server, sv *objects.Server) {
	sv.SetRegistered(false)
	m.cfg.Remote.ClearLocation(s.ssid)
}

func (m *Manager) retry(s *server, cause error) {
	m.cfg.Session.Disconnect(s.uri)
	d, err := m.cfg.Retry.Next(s.iid, false, true)
	if err != nil {
		m.enter(s, StateIdle)
		m.emit(Event{Kind: EventFailed, SSID: s.ssid, Err: fmt.Errorf("%w: %w", errors.ErrRegistrationFailed, cause)})
		return
	}
	m.reset(s)
	m.enter(s, StateConnectRetryWait)
	m.logger.Warn("registration attempt failed",
		slog.Int("ssid", int(s.ssid)),
		slog.Int("attempt", d.Attempt),
		slog.Duration("retry_in", d.Duration),
		slog.Any("error", cause))
	kind := EventRetry
	var ev error
	if d.Last {
		kind = EventFailed
		ev = fmt.Errorf("%w: %w", errors.ErrRegistrationFailed, cause)
	}
	m.emit(Event{Kind: kind, SSID: s.ssid, Delay: d.Duration, Err: ev})
	m.after(s, d.Duration, func() { m.connect(s) })
}

func (m *Manager) emit(e Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(e)
	}
}

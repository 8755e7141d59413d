// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/google/uuid"
	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
)

const (
	// DefaultHandshakeTimeout bounds a DTLS handshake.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultReplyTimeout bounds the wait for the client loop to answer an
	// inbound request. The server retransmits when it expires.
	DefaultReplyTimeout = 2 * time.Second

	// DefaultExchangeLifetime bounds the wait for the acknowledgement of a
	// confirmable notification.
	DefaultExchangeLifetime = 247 * time.Second

	defaultPort       = "5683"
	defaultSecurePort = "5684"
)

// Config configures a Transport.
type Config struct {
	HandshakeTimeout time.Duration
	ReplyTimeout     time.Duration
	ExchangeLifetime time.Duration

	// BlockSize is the block-wise transfer size of register and read
	// payloads.
	BlockSize blockwise.SZX

	Logger *slog.Logger
}

// session is one connection to a server.
type session struct {
	id     uuid.UUID
	uri    string
	conn   *client.Conn
	resets *resets
}

// resets records Reset replies to outstanding confirmable messages. It
// sees every datagram before go-coap matches it to the waiting writer.
type resets struct {
	mu      sync.Mutex
	pending map[int32]bool
}

func newResets() *resets {
	return &resets{pending: make(map[int32]bool)}
}

func (r *resets) track(mid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[mid] = false
}

// done stops tracking mid and reports whether the peer reset it.
func (r *resets) done(mid int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reset := r.pending[mid]
	delete(r.pending, mid)
	return reset
}

func (r *resets) monitor(_ *client.Conn, m *pool.Message) (bool, error) {
	if m.Type() != message.Reset {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[m.MessageID()]; ok {
		r.pending[m.MessageID()] = true
	}
	return false, nil
}

// UDPClientApply installs the monitor on a UDP or DTLS connection.
func (r *resets) UDPClientApply(cfg *client.Config) {
	cfg.RequestMonitor = r.monitor
}

// Transport is an lwm2m.Transport over go-coap.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sink     lwm2m.Sink
	sessions map[string]*session
}

var _ lwm2m.Transport = (*Transport)(nil)

// New returns a Transport. Attach a Sink before the first Connect.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.ExchangeLifetime <= 0 {
		cfg.ExchangeLifetime = DefaultExchangeLifetime
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = blockwise.SZX1024
	}
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// Attach sets the receiver of completions and inbound requests.
func (t *Transport) Attach(sink lwm2m.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

func (t *Transport) target() lwm2m.Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sink
}

// Connect dials ep in the background. An existing session with the same
// URI is replaced.
func (t *Transport) Connect(ctx context.Context, ep lwm2m.Endpoint) error {
	u, err := url.Parse(ep.URI)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("server uri %q: %w", ep.URI, errors.ErrInvalid)
	}
	if u.Scheme != "coap" && u.Scheme != "coaps" {
		return fmt.Errorf("server uri scheme %q: %w", u.Scheme, errors.ErrNotSupported)
	}
	go t.dial(ctx, ep, u)
	return nil
}

func (t *Transport) dial(ctx context.Context, ep lwm2m.Endpoint, u *url.URL) {
	s := &session{id: uuid.New(), uri: ep.URI, resets: newResets()}
	opts := []udp.Option{
		options.WithContext(ctx),
		s.resets,
		options.WithMux(mux.HandlerFunc(t.handler(ep.URI))),
		options.WithBlockwise(true, t.cfg.BlockSize, time.Minute),
	}

	var err error
	if u.Scheme == "coaps" {
		s.conn, err = dtls.Dial(address(u, defaultSecurePort), t.dtlsConfig(ctx, ep), opts...)
	} else {
		s.conn, err = udp.Dial(address(u, defaultPort), opts...)
	}
	if err == nil {
		t.logger.Info("session established",
			slog.String("session", s.id.String()),
			slog.String("uri", ep.URI))
		t.swap(s)
	}
	if sink := t.target(); sink != nil {
		sink.OnConnectResult(ep.URI, transportError(err))
	}
}

// dtlsConfig returns a PSK configuration for ep, or certificate mode
// without verification when no key is provisioned.
func (t *Transport) dtlsConfig(ctx context.Context, ep lwm2m.Endpoint) *piondtls.Config {
	cfg := &piondtls.Config{
		ConnectionIDGenerator: piondtls.OnlySendCIDGenerator(),
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		},
	}
	if len(ep.PSK) == 0 {
		cfg.InsecureSkipVerify = true
		return cfg
	}
	psk := ep.PSK
	cfg.PSK = func([]byte) ([]byte, error) { return psk, nil }
	cfg.PSKIdentityHint = ep.Identity
	cfg.CipherSuites = []piondtls.CipherSuiteID{
		piondtls.TLS_PSK_WITH_AES_128_CCM_8,
		piondtls.TLS_PSK_WITH_AES_128_CBC_SHA256,
	}
	return cfg
}

func address(u *url.URL, port string) string {
	if p := u.Port(); p != "" {
		port = p
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func (t *Transport) swap(s *session) {
	t.mu.Lock()
	old := t.sessions[s.uri]
	t.sessions[s.uri] = s
	t.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

func (t *Transport) session(uri string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[uri]
	if !ok {
		return nil, fmt.Errorf("no session with %s: %w", uri, errors.ErrUnreachable)
	}
	return s, nil
}

// Send transmits req in the background; the response is reported under
// req.Token.
func (t *Transport) Send(ctx context.Context, uri string, req *lwm2m.Request) error {
	s, err := t.session(uri)
	if err != nil {
		return err
	}
	go t.exchange(ctx, s, req)
	return nil
}

func (t *Transport) exchange(ctx context.Context, s *session, req *lwm2m.Request) {
	msg := s.conn.AcquireMessage(ctx)
	defer s.conn.ReleaseMessage(msg)
	fillRequest(msg, req)
	msg.SetMessageID(s.conn.GetMessageID())

	sink := t.target()
	resp, err := s.conn.Do(msg)
	if err != nil {
		t.logger.Debug("exchange failed",
			slog.String("session", s.id.String()),
			slog.String("path", req.PathString()),
			slog.Any("error", err))
		if sink != nil {
			sink.OnCoAPResponse(req.Token, nil, transportError(err))
		}
		return
	}
	r, err := toResponse(resp)
	if sink != nil {
		sink.OnCoAPResponse(req.Token, r, err)
	}
}

// Notify transmits n in the background. Confirmable notifications report
// their acknowledgement through the sink: ErrReset when the server
// answers with Reset and ErrTimeout when no acknowledgement arrives within
// the exchange lifetime.
func (t *Transport) Notify(ctx context.Context, uri string, n *lwm2m.Notification) error {
	s, err := t.session(uri)
	if err != nil {
		return err
	}
	if !n.Confirmable {
		msg := s.conn.AcquireMessage(ctx)
		fillNotification(msg, n)
		msg.SetMessageID(s.conn.GetMessageID())
		go func() {
			defer s.conn.ReleaseMessage(msg)
			if err := s.conn.WriteMessage(msg); err != nil {
				t.logger.Warn("failed to send notification",
					slog.String("session", s.id.String()),
					slog.Any("error", err))
			}
		}()
		return nil
	}

	mctx, cancel := context.WithTimeout(ctx, t.cfg.ExchangeLifetime)
	msg := s.conn.AcquireMessage(mctx)
	fillNotification(msg, n)
	mid := s.conn.GetMessageID()
	msg.SetMessageID(mid)
	s.resets.track(mid)
	go func() {
		defer cancel()
		defer s.conn.ReleaseMessage(msg)
		err := transportError(s.conn.WriteMessage(msg))
		if s.resets.done(mid) && err == nil {
			err = fmt.Errorf("notification %x: %w", n.Token, errors.ErrReset)
		}
		if sink := t.target(); sink != nil {
			sink.OnNotifyResult(n.Token, err)
		}
	}()
	return nil
}

// Disconnect closes the session with uri.
func (t *Transport) Disconnect(uri string) error {
	t.mu.Lock()
	s, ok := t.sessions[uri]
	delete(t.sessions, uri)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.logger.Debug("closing session", slog.String("session", s.id.String()), slog.String("uri", uri))
	return s.conn.Close()
}

// Close closes every session.
func (t *Transport) Close() error {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handler serves requests from the server at uri. It blocks until the
// client loop replies or the reply timeout expires.
func (t *Transport) handler(uri string) func(mux.ResponseWriter, *mux.Message) {
	return func(w mux.ResponseWriter, r *mux.Message) {
		if !isRequest(r.Code()) {
			return
		}
		sink := t.target()
		if sink == nil {
			return
		}
		req, err := toRequest(r.Message)
		if err != nil {
			t.logger.Debug("dropping malformed request", slog.String("uri", uri), slog.Any("error", err))
			return
		}

		replies := make(chan *lwm2m.Response, 1)
		sink.OnCoAPRequest(uri, req, func(resp *lwm2m.Response) { replies <- resp })

		timer := time.NewTimer(t.cfg.ReplyTimeout)
		defer timer.Stop()
		select {
		case resp := <-replies:
			fillResponse(w.Message(), resp)
		case <-timer.C:
			t.logger.Warn("request not answered in time", slog.String("uri", uri), slog.String("path", req.PathString()))
		case <-r.Context().Done():
		}
	}
}

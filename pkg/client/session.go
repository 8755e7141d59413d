// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/google/uuid"
)

// DefaultExchangeLifetime bounds the wait for a response or a handshake.
const DefaultExchangeLifetime = 247 * time.Second

// loopClock runs timer callbacks on the loop.
type loopClock struct {
	base clock.Clock
	post func(name string, f func())
}

func (l loopClock) Now() time.Time { return l.base.Now() }

func (l loopClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	return l.base.AfterFunc(d, func() { l.post("timer", f) })
}

type exchange struct {
	uri   string
	done  func(*lwm2m.Response, error)
	timer *clock.Timer
}

type handshake struct {
	done  func(error)
	timer *clock.Timer
}

// session implements lwm2m.Session over the transport. Exchanges are
// keyed by token and every completion runs on the loop.
type session struct {
	c          *Client
	exchanges  map[string]*exchange
	handshakes map[string]*handshake
}

var _ lwm2m.Session = (*session)(nil)

func newSession(c *Client) *session {
	return &session{
		c:          c,
		exchanges:  make(map[string]*exchange),
		handshakes: make(map[string]*handshake),
	}
}

func (s *session) Connect(ep lwm2m.Endpoint, done func(error)) {
	if prev, ok := s.handshakes[ep.URI]; ok {
		prev.timer.Stop()
	}
	h := &handshake{done: done}
	s.handshakes[ep.URI] = h
	h.timer = s.c.clock.AfterFunc(s.c.cfg.ExchangeLifetime, func() {
		s.connected(ep.URI, h, fmt.Errorf("handshake with %s: %w", ep.URI, errors.ErrTimeout))
	})
	if err := s.c.cfg.Transport.Connect(s.c.ctx, ep); err != nil {
		s.c.post("connect-failed", true, func() { s.connected(ep.URI, h, err) })
	}
}

func (s *session) connected(uri string, h *handshake, err error) {
	if s.handshakes[uri] != h {
		return
	}
	delete(s.handshakes, uri)
	h.timer.Stop()
	h.done(err)
}

func (s *session) connectResult(uri string, err error) {
	if h, ok := s.handshakes[uri]; ok {
		s.connected(uri, h, err)
	}
}

func (s *session) Request(uri string, req *lwm2m.Request, done func(*lwm2m.Response, error)) {
	id := uuid.New()
	req.Token = id[:8]
	key := string(req.Token)
	x := &exchange{uri: uri, done: done}
	s.exchanges[key] = x
	x.timer = s.c.clock.AfterFunc(s.c.cfg.ExchangeLifetime, func() {
		s.complete(key, x, nil, fmt.Errorf("%v %s to %s: %w", req.Code, req.PathString(), uri, errors.ErrTimeout))
	})
	s.c.record(true, len(req.Payload))
	if err := s.c.cfg.Transport.Send(s.c.ctx, uri, req); err != nil {
		s.c.post("send-failed", true, func() { s.complete(key, x, nil, err) })
	}
}

func (s *session) complete(key string, x *exchange, resp *lwm2m.Response, err error) {
	if s.exchanges[key] != x {
		return
	}
	delete(s.exchanges, key)
	x.timer.Stop()
	x.done(resp, err)
}

func (s *session) response(token []byte, resp *lwm2m.Response, err error) {
	key := string(token)
	x, ok := s.exchanges[key]
	if !ok {
		s.c.logger.Debug("dropping unmatched response", slog.String("token", fmt.Sprintf("%x", token)))
		return
	}
	if resp != nil {
		s.c.record(false, len(resp.Payload))
	}
	s.complete(key, x, resp, err)
}

// Disconnect abandons the pending exchanges with uri and closes the
// session.
func (s *session) Disconnect(uri string) {
	for key, x := range s.exchanges {
		if x.uri == uri {
			x.timer.Stop()
			delete(s.exchanges, key)
		}
	}
	if h, ok := s.handshakes[uri]; ok {
		h.timer.Stop()
		delete(s.handshakes, uri)
	}
	if err := s.c.cfg.Transport.Disconnect(uri); err != nil {
		s.c.logger.Debug("disconnect failed", slog.String("uri", uri), slog.Any("error", err))
	}
}

// close abandons everything, for example after the link went down.
func (s *session) close() {
	uris := make(map[string]bool)
	for _, x := range s.exchanges {
		uris[x.uri] = true
	}
	for uri := range s.handshakes {
		uris[uri] = true
	}
	for uri := range uris {
		s.Disconnect(uri)
	}
}

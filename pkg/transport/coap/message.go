// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// toRequest converts an inbound CoAP request.
func toRequest(m *pool.Message) (*lwm2m.Request, error) {
	req := lwm2m.NewRequest(m.Code())
	for _, o := range m.Options() {
		switch o.ID {
		case message.URIPath:
			req.URIPath = append(req.URIPath, string(o.Value))
		case message.URIQuery:
			req.Queries = append(req.Queries, string(o.Value))
		}
	}
	req.Token = bytes.Clone(m.Token())
	req.Confirmable = m.Type() == message.Confirmable
	if v, err := m.Options().GetUint32(message.Observe); err == nil {
		req.Observe = int(v)
	}
	if v, err := m.Options().GetUint32(message.ContentFormat); err == nil {
		req.ContentFormat = message.MediaType(v)
	}
	if v, err := m.Options().GetUint32(message.Accept); err == nil {
		req.Accept = message.MediaType(v)
	}
	if m.Body() != nil {
		payload, err := m.ReadBody()
		if err != nil {
			return nil, fmt.Errorf("request body: %w", errors.ErrInvalid)
		}
		req.Payload = payload
	}
	return req, nil
}

// fillRequest writes an outbound request into m.
func fillRequest(m *pool.Message, req *lwm2m.Request) {
	m.SetCode(req.Code)
	m.SetToken(req.Token)
	for _, seg := range req.URIPath {
		m.AddOptionString(message.URIPath, seg)
	}
	for _, q := range req.Queries {
		m.AddOptionString(message.URIQuery, q)
	}
	if req.Observe >= 0 {
		m.SetObserve(uint32(req.Observe))
	}
	if req.Accept != lwm2m.FormatUnset {
		m.SetOptionUint32(message.Accept, uint32(req.Accept))
	}
	if len(req.Payload) > 0 {
		cf := req.ContentFormat
		if cf == lwm2m.FormatUnset {
			cf = message.AppOctets
		}
		m.SetContentFormat(cf)
		m.SetBody(bytes.NewReader(req.Payload))
	}
	m.SetType(message.NonConfirmable)
	if req.Confirmable {
		m.SetType(message.Confirmable)
	}
}

// toResponse converts the answer to an outbound request.
func toResponse(m *pool.Message) (*lwm2m.Response, error) {
	resp := lwm2m.NewResponse(m.Code())
	for _, o := range m.Options() {
		if o.ID == message.LocationPath {
			resp.Location = append(resp.Location, string(o.Value))
		}
	}
	if v, err := m.Options().GetUint32(message.ContentFormat); err == nil {
		resp.ContentFormat = message.MediaType(v)
	}
	if v, err := m.Options().GetUint32(message.Observe); err == nil {
		resp.Observe = int(v)
	}
	if v, err := m.Options().GetUint32(message.MaxAge); err == nil {
		resp.MaxAge = v
	}
	if m.Body() != nil {
		payload, err := m.ReadBody()
		if err != nil {
			return nil, fmt.Errorf("response body: %w", errors.ErrInvalid)
		}
		resp.Payload = payload
	}
	return resp, nil
}

// fillResponse writes the reply to an inbound request into m.
func fillResponse(m *pool.Message, resp *lwm2m.Response) {
	m.SetCode(resp.Code)
	for _, seg := range resp.Location {
		m.AddOptionString(message.LocationPath, seg)
	}
	if resp.Observe >= 0 {
		m.SetObserve(uint32(resp.Observe))
	}
	if resp.MaxAge > 0 {
		m.SetOptionUint32(message.MaxAge, resp.MaxAge)
	}
	if len(resp.Payload) > 0 {
		cf := resp.ContentFormat
		if cf == lwm2m.FormatUnset {
			cf = message.TextPlain
		}
		m.SetContentFormat(cf)
		m.SetBody(bytes.NewReader(resp.Payload))
	}
}

// fillNotification writes an observe notification into m.
func fillNotification(m *pool.Message, n *lwm2m.Notification) {
	m.SetCode(codes.Content)
	m.SetToken(n.Token)
	m.SetObserve(n.Observe)
	if n.ContentFormat != lwm2m.FormatUnset {
		m.SetContentFormat(n.ContentFormat)
	}
	m.SetBody(bytes.NewReader(n.Payload))
	m.SetType(message.NonConfirmable)
	if n.Confirmable {
		m.SetType(message.Confirmable)
	}
}

// isRequest reports whether code is in the request class.
func isRequest(code codes.Code) bool {
	return code != codes.Empty && code>>5 == 0
}

// transportError maps a go-coap or DTLS failure onto the client's
// transport errors.
func transportError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", errors.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", errors.ErrReset, err)
	default:
		return fmt.Errorf("%w: %w", errors.ErrUnreachable, err)
	}
}

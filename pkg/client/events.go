// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/objects"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// OnConnectResult reports the outcome of a Transport.Connect.
func (c *Client) OnConnectResult(uri string, err error) {
	c.post("connect-result", true, func() { c.session.connectResult(uri, err) })
}

// OnCoAPRequest delivers a request from the server at uri. reply is
// called on the loop.
func (c *Client) OnCoAPRequest(uri string, req *lwm2m.Request, reply func(*lwm2m.Response)) {
	c.post("coap-request", false, func() { reply(c.handle(uri, req)) })
}

// OnCoAPResponse delivers the response to the request carrying token.
func (c *Client) OnCoAPResponse(token []byte, resp *lwm2m.Response, err error) {
	c.post("coap-response", true, func() { c.session.response(token, resp, err) })
}

// OnNotifyResult reports the outcome of a confirmable notification.
func (c *Client) OnNotifyResult(token []byte, err error) {
	c.post("notify-result", true, func() { c.observe.NotifyResult(token, err) })
}

// OnLinkState reports a change of the data link.
func (c *Client) OnLinkState(up bool) {
	c.post("link-state", true, func() { c.linkChanged(up) })
}

// OnSMSTrigger delivers a device-management SMS.
func (c *Client) OnSMSTrigger(t Trigger) {
	c.post("sms-"+t.String(), false, func() { c.trigger(t) })
}

// OnOperatorChange switches to profile p. Bootstrap is invalidated and
// runs again on the next connect.
func (c *Client) OnOperatorChange(p operator.Profile) {
	c.post("operator-change", true, func() { c.changeOperator(p) })
}

// OnFactoryReset drops every persisted object and restarts from the
// operator defaults.
func (c *Client) OnFactoryReset() {
	c.post("factory-reset", true, c.factoryReset)
}

// OnShutdown deregisters from every server, releases the link and halts
// the client.
func (c *Client) OnShutdown() {
	c.post("shutdown", true, c.shutdown)
}

// Update sets resource p to v on behalf of the host, for example a new
// battery level.
func (c *Client) Update(p lwm2m.Path, v lwm2m.Value) {
	c.post("update", false, func() {
		if err := c.reg.Set(p, v); err != nil {
			c.logger.Warn("failed to update resource", slog.String("path", p.String()), slog.Any("error", err))
		}
	})
}

// UpdateConnectivity refreshes the Connectivity Monitoring object.
func (c *Client) UpdateConnectivity(conn objects.Connectivity) {
	c.post("connectivity", false, func() {
		if err := objects.UpdateConnectivity(c.reg, conn); err != nil {
			c.logger.Warn("failed to update connectivity", slog.Any("error", err))
		}
	})
}

// ReportError appends a Device error code, such as a modem fault.
func (c *Client) ReportError(code int64) {
	c.post("device-error", false, func() {
		if c.objects.Device != nil {
			c.objects.Device.AddError(code)
		}
	})
}

// handle serves an inbound request.
func (c *Client) handle(uri string, req *lwm2m.Request) *lwm2m.Response {
	c.record(false, len(req.Payload))
	resp := c.serve(uri, req)
	c.record(true, len(resp.Payload))
	return resp
}

func (c *Client) serve(uri string, req *lwm2m.Request) *lwm2m.Response {
	fromBootstrap := c.bootstrap.Active() && uri == c.bootstrap.URI()

	var (
		p   lwm2m.Path
		err error
	)
	if !(len(req.URIPath) == 1 && req.URIPath[0] == "bs") {
		if p, err = lwm2m.ParseSegments(req.URIPath); err != nil {
			c.metrics.Request(lwm2m.OpUnknown.String(), codes.BadRequest.String())
			return lwm2m.NewResponse(codes.BadRequest)
		}
	}
	op := lwm2m.Classify(req, p, fromBootstrap)

	var resp *lwm2m.Response
	if fromBootstrap {
		resp = c.bootstrap.Handle(op, p, req)
	} else {
		resp = c.dispatch(uri, op, p, req)
	}
	c.metrics.Request(op.String(), resp.Code.String())
	c.logger.Debug("request served",
		slog.String("uri", uri),
		slog.String("op", op.String()),
		slog.String("path", p.String()),
		slog.String("code", resp.Code.String()))
	return resp
}

func (c *Client) dispatch(uri string, op lwm2m.Operation, p lwm2m.Path, req *lwm2m.Request) *lwm2m.Response {
	ssid, ok := c.remote.SSID(uri)
	if !ok || c.State().terminal() {
		return lwm2m.NewResponse(codes.Unauthorized)
	}
	caller := registry.Caller{SSID: ssid}
	switch op {
	case lwm2m.OpObserve:
		return c.observe.Observe(caller, p, req)
	case lwm2m.OpCancelObserve:
		return c.observe.CancelRequest(caller, p, req)
	case lwm2m.OpWriteAttributes:
		return c.observe.WriteAttributes(caller, p, req.Queries)
	case lwm2m.OpUnknown, lwm2m.OpBootstrapFinish, lwm2m.OpBootstrapDiscover:
		return lwm2m.NewResponse(codes.MethodNotAllowed)
	default:
		return c.reg.Dispatch(caller, op, p, req)
	}
}

// notifier sends observe notifications to the registered servers.
type notifier struct{ c *Client }

func (n notifier) Notify(ssid uint16, msg *lwm2m.Notification) error {
	uri, ok := n.c.remote.URI(ssid)
	if !ok {
		return fmt.Errorf("server %d: %w", ssid, errors.ErrNotFound)
	}
	n.c.record(true, len(msg.Payload))
	return n.c.cfg.Transport.Notify(n.c.ctx, uri, msg)
}

// actions runs the Execute operations of the Server and Device objects.
// They are invoked from the loop.
type actions struct{ c *Client }

var _ objects.Actions = actions{}

func (a actions) Disable(ssid uint16, timeout time.Duration) {
	a.c.register.Disable(ssid, timeout)
}

func (a actions) TriggerUpdate(ssid uint16) {
	a.c.register.TriggerUpdate(ssid)
}

func (a actions) Reboot() {
	a.c.reboot("device reboot")
}

func (a actions) FactoryReset() {
	a.c.factoryReset()
}

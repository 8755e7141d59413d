// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import "context"

// Endpoint describes a server connection.
type Endpoint struct {
	URI      string
	SSID     uint16
	Identity []byte
	PSK      []byte
}

// Transport is the DTLS/UDP CoAP collaborator. Every method returns as
// soon as the work is queued; completions are reported through Sink.
type Transport interface {
	// Connect starts a DTLS handshake with ep. The outcome arrives as
	// Sink.OnConnectResult.
	Connect(ctx context.Context, ep Endpoint) error

	// Send transmits a request to the server at uri. The response, or a
	// transport error, arrives as Sink.OnCoAPResponse keyed by req.Token.
	Send(ctx context.Context, uri string, req *Request) error

	// Notify transmits an observe notification. For confirmable
	// notifications the acknowledgement, reset or timeout arrives as
	// Sink.OnNotifyResult.
	Notify(ctx context.Context, uri string, n *Notification) error

	// Disconnect tears down the session with uri.
	Disconnect(uri string) error
}

// Sink receives transport completions and inbound requests.
type Sink interface {
	OnConnectResult(uri string, err error)
	OnCoAPRequest(uri string, req *Request, reply func(*Response))
	OnCoAPResponse(token []byte, resp *Response, err error)
	OnNotifyResult(token []byte, err error)
}

// Identity is the static identity of the device reported by the modem.
type Identity struct {
	IMEI             string
	IMSI             string
	ICCID            string
	MSISDN           string
	Manufacturer     string
	Model            string
	SerialNumber     string
	HardwareVersion  string
	SoftwareVersion  string
	FirmwareVersion  string
	DeviceType       string
	SupportedBinding string
}

// Host is the modem and platform surface used by the client. Link
// activation is asynchronous; the host reports the outcome through the
// client's link-state input.
//
// Carrier networks have been seen to answer APN queries in the opposite
// case to the configured name; implementations of ActivateLink retry
// once with the APN case inverted before reporting failure.
type Host interface {
	Identity() Identity
	ActivateLink(ctx context.Context) error
	DeactivateLink(ctx context.Context) error
	Reboot(reason string)
}

// Session is the view of the transport used by the protocol engines.
// Completions run on the client loop, never inside the call.
type Session interface {
	// Connect establishes a session with ep and reports the outcome.
	Connect(ep Endpoint, done func(err error))

	// Request sends req to uri. done receives the response, or
	// errors.ErrTimeout when none arrives within the exchange lifetime.
	Request(uri string, req *Request, done func(resp *Response, err error))

	// Disconnect tears down the session with uri.
	Disconnect(uri string)
}

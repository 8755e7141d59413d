// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// FormatUnset marks an absent Content-Format or Accept option.
const FormatUnset message.MediaType = 0xFFFF

// ObserveUnset marks an absent Observe option.
const ObserveUnset = -1

// Request is a CoAP request in either direction: inbound requests from a
// server and outbound register/update/bootstrap requests from the client.
type Request struct {
	Code          codes.Code
	URIPath       []string
	Queries       []string
	Token         []byte
	Observe       int
	ContentFormat message.MediaType
	Accept        message.MediaType
	Payload       []byte
	Confirmable   bool
}

// NewRequest returns a request with unset optional options.
func NewRequest(code codes.Code, path ...string) *Request {
	return &Request{
		Code:          code,
		URIPath:       path,
		Observe:       ObserveUnset,
		ContentFormat: FormatUnset,
		Accept:        FormatUnset,
		Confirmable:   true,
	}
}

// PathString renders the Uri-Path options.
func (r *Request) PathString() string {
	return "/" + strings.Join(r.URIPath, "/")
}

// Query returns the value of the first Uri-Query option named key.
func (r *Request) Query(key string) (string, bool) {
	for _, q := range r.Queries {
		k, v, found := strings.Cut(q, "=")
		if k == key {
			if !found {
				return "", true
			}
			return v, true
		}
	}
	return "", false
}

// Response is the reply to a Request.
type Response struct {
	Code          codes.Code
	ContentFormat message.MediaType
	Payload       []byte
	Location      []string
	Observe       int
	MaxAge        uint32
}

// NewResponse returns a response with no payload.
func NewResponse(code codes.Code) *Response {
	return &Response{Code: code, ContentFormat: FormatUnset, Observe: ObserveUnset}
}

// Content returns a 2.05 response carrying payload.
func Content(format message.MediaType, payload []byte) *Response {
	return &Response{Code: codes.Content, ContentFormat: format, Payload: payload, Observe: ObserveUnset}
}

// Success reports whether the code is in the 2.xx class.
func (r *Response) Success() bool {
	return r != nil && r.Code>>5 == 2
}

// Notification is an observe notification emitted by the client.
type Notification struct {
	SSID          uint16
	Token         []byte
	Path          Path
	Observe       uint32
	ContentFormat message.MediaType
	Payload       []byte
	Confirmable   bool
}

// Operation is the LwM2M operation a request performs.
type Operation uint8

const (
	OpUnknown Operation = iota
	OpRead
	OpWrite
	OpWritePartial
	OpExecute
	OpCreate
	OpDelete
	OpDiscover
	OpWriteAttributes
	OpObserve
	OpCancelObserve
	OpBootstrapFinish
	OpBootstrapDiscover
)

// String returns a string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpWritePartial:
		return "write-partial"
	case OpExecute:
		return "execute"
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpDiscover:
		return "discover"
	case OpWriteAttributes:
		return "write-attributes"
	case OpObserve:
		return "observe"
	case OpCancelObserve:
		return "cancel-observe"
	case OpBootstrapFinish:
		return "bootstrap-finish"
	case OpBootstrapDiscover:
		return "bootstrap-discover"
	default:
		return "unknown"
	}
}

// Perm returns the permission an operation requires.
func (o Operation) Perm() Perm {
	switch o {
	case OpRead:
		return PermRead
	case OpWrite, OpWritePartial:
		return PermWrite
	case OpExecute:
		return PermExecute
	case OpCreate:
		return PermCreate
	case OpDelete:
		return PermDelete
	case OpDiscover, OpBootstrapDiscover:
		return PermDiscover
	case OpObserve, OpCancelObserve, OpWriteAttributes:
		return PermObserve
	default:
		return PermNone
	}
}

// Classify maps a CoAP request onto an LwM2M operation. bootstrap is set
// when the request comes from the bootstrap server.
func Classify(req *Request, p Path, bootstrap bool) Operation {
	if len(req.URIPath) == 1 && req.URIPath[0] == "bs" {
		if req.Code == codes.POST {
			return OpBootstrapFinish
		}
		return OpUnknown
	}
	switch req.Code {
	case codes.GET:
		if req.Accept == message.AppLinkFormat {
			if bootstrap {
				return OpBootstrapDiscover
			}
			return OpDiscover
		}
		switch req.Observe {
		case 0:
			return OpObserve
		case 1:
			return OpCancelObserve
		}
		return OpRead
	case codes.PUT:
		if len(req.Payload) == 0 && len(req.Queries) > 0 {
			return OpWriteAttributes
		}
		return OpWrite
	case codes.POST:
		switch p.Level {
		case LevelObject:
			return OpCreate
		case LevelInstance:
			return OpWritePartial
		case LevelResource:
			return OpExecute
		}
		return OpUnknown
	case codes.DELETE:
		return OpDelete
	default:
		return OpUnknown
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lwm2m defines the vocabulary shared by every component of the
// carrier client: object paths, permission bits, operations, typed
// resource values, CoAP request/response envelopes, and the contracts of
// the external collaborators (transport and host).
//
// # Paths
//
// An LwM2M URI addresses up to three levels below the root:
//
//	/<object>/<instance>/<resource>
//
// Path carries the three identifiers plus the depth that is actually
// addressed, so /3 and /3/0 are distinct values.
//
// # Values
//
// Resource values are carried in Value, a small tagged union over the
// data types used by carrier objects: integer, float, string, boolean,
// opaque, time, and object link. Multiple-instance resources hold a
// homogeneous list of those, optionally with explicit resource-instance
// identifiers.
//
// # Collaborators
//
// The DTLS/CoAP transport and the modem host are outside the client.
// Transport and Host describe what the client needs from them; Sink is
// what they call back into. All callbacks are asynchronous: the client
// never blocks its event loop on network I/O.
package lwm2m

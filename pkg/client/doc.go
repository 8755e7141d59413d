// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is the LwM2M carrier client. It owns the object tree
// and drives bootstrap, registration, observation and firmware updates
// from a single event loop.
//
// Every input, from transport completions and inbound requests to modem
// link changes and SMS triggers, is posted to a bounded queue and handled
// on the loop. Timers fire through the same queue, so no protocol state
// is touched from more than one goroutine. When the queue is full the
// oldest non-critical event is dropped; critical events are always
// admitted.
//
// Tests drive the loop directly with Boot and Drain together with a fake
// clock; Run does the same for a live client.
package client

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements the client transport over CoAP on UDP, secured
// with DTLS pre-shared keys for coaps:// servers. Every blocking exchange
// runs on its own goroutine and reports its outcome through the attached
// lwm2m.Sink, so the client loop never waits on the network.
//
// Downloader fetches firmware packages with explicit Block2 requests so
// that progress is reported per block and an interrupted transfer can
// resume from a byte offset.
package coap

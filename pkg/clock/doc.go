// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall-clock time and timers so the client's
// hold-off, retry, lifetime and observation timers can be driven
// deterministically in tests.
//
// Production code injects Real(); tests inject Fake() and move time with
// Advance, which fires due callbacks synchronously in deadline order.
package clock

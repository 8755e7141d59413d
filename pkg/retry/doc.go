// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry schedules connect and bootstrap retries with the delay
// sequences carriers mandate.
//
// Every Security/Server instance owns a counter. Next returns the delay
// for the current attempt and optionally advances the counter; Reset
// clears it after a success.
//
// # Verizon
//
// Delays are 2, 4, 6, 8 and 1440 minutes. The bootstrap counter stops
// before the last entry, so a fifth failed bootstrap yields
// ErrNoMoreRetries. Server counters wrap after the fifth attempt and the
// final delay is reported as Last so the caller can surface a
// registration failure.
//
// # AT&T
//
// The connect delay is a fixed 2 minutes. Link activation retries use the
// APN retry record of the Connectivity Extension object, see APN.
package retry

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package register keeps the client registered with every configured
// LwM2M server: Register, periodic Update before the lifetime expires,
// Deregister, and the per-server retry schedule.
//
// Update is sent as POST to the registration location, as LwM2M 1.0
// defines it.
package register

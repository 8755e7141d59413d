// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package remote binds short server ids to transport endpoints and keeps
// the registration Location-Path of every registered server.
//
// The table is bounded by MaxServers. A server counts as registered
// exactly while its entry holds a location.
package remote

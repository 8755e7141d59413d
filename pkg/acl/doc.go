// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package acl evaluates Access Control object entries.
//
// Each entry targets one object instance (or the object itself for
// Create) and holds an owner, a default mask and explicit per-server
// masks. Evaluation order is owner, explicit mask, default mask; the
// bootstrap server bypasses the table for the Security, Server and Access
// Control objects.
package acl

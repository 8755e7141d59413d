// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the in-memory LwM2M object tree and dispatches
// server operations onto it.
//
// An Object describes a kind once: its resource definitions, its
// instance factory and optional hooks. Instances implement the small
// Instance interface and are kept ordered by instance id. Dispatch
// performs the access check, validates the resource, applies the
// operation and encodes or decodes payloads through the codec package.
//
// # Listeners
//
// Observers and persistence subscribe through OnChange, OnCreate and
// OnDelete. Listeners run synchronously on the caller's goroutine, so a
// write is persisted before its response is produced.
package registry

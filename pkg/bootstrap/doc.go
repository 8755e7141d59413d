// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap runs the client-initiated bootstrap exchange: the
// hold-off wait, the Bootstrap-Request, the server-driven writes and
// deletes under the access control bypass, and Bootstrap-Finish.
package bootstrap

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package observe implements LwM2M observations and the notification
// attribute policy.
//
// An observation is identified by the pair (short server id, path); a
// second Observe on the same pair replaces the token. The engine holds no
// timers of its own: the client calls Tick and re-arms a single timer at
// NextDeadline after every event.
//
// # Notification policy
//
// A notification is never sent before pmin has elapsed since the previous
// one. Once pmin has elapsed it is sent if the value changed, or if pmax
// has elapsed. For numeric resources a change needs |v - last| >= st or a
// crossing of gt or lt when any of those are set; otherwise any
// difference counts. Attributes resolve resource, then instance, then
// object level, then the Server object defaults.
//
// A reset or timeout of a confirmable notification cancels the
// observation.
package observe

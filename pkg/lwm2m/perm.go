// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import "strings"

// BootstrapSSID identifies the bootstrap server. It never appears in the
// remote table as a regular server.
const BootstrapSSID uint16 = 65535

// DefaultSSID keys the default permission mask of an access control entry.
const DefaultSSID uint16 = 0

// Perm is a permission mask. The low five bits match the Access Control
// object encoding.
type Perm uint16

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
	PermDelete
	PermCreate
	PermObserve
	PermDiscover

	PermNone Perm = 0
	PermAll       = PermRead | PermWrite | PermExecute | PermDelete | PermCreate | PermObserve | PermDiscover
)

// Resolve returns the mask with implied bits added: OBSERVE and DISCOVER
// follow READ.
func (p Perm) Resolve() Perm {
	if p&PermRead != 0 {
		p |= PermObserve | PermDiscover
	}
	return p
}

// Allows reports whether the resolved mask grants every bit of op.
func (p Perm) Allows(op Perm) bool {
	return op != 0 && p.Resolve()&op == op
}

// String returns a compact representation such as "RWE".
func (p Perm) String() string {
	if p == 0 {
		return "-"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit Perm
		c   string
	}{
		{PermRead, "R"}, {PermWrite, "W"}, {PermExecute, "E"}, {PermDelete, "D"},
		{PermCreate, "C"}, {PermObserve, "O"}, {PermDiscover, "V"},
	} {
		if p&f.bit != 0 {
			b.WriteString(f.c)
		}
	}
	return b.String()
}

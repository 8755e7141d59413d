// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"slices"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// MaxServers bounds the Security, Server and remote arrays.
const MaxServers = 3

// Entry is one bound server.
type Entry struct {
	SSID     uint16
	URI      string
	Location []string
}

// Registered reports whether the entry holds a registration location.
func (e Entry) Registered() bool {
	return len(e.Location) > 0
}

// Table maps short server ids to endpoints.
type Table struct {
	entries []Entry

	// OnDeregister is called with the ssid of every deregistered server.
	OnDeregister func(ssid uint16)
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make([]Entry, 0, MaxServers)}
}

func (t *Table) index(ssid uint16) int {
	for n := range t.entries {
		if t.entries[n].SSID == ssid {
			return n
		}
	}
	return -1
}

// Bind associates ssid with uri. Rebinding an ssid replaces its URI and
// drops any stale location.
func (t *Table) Bind(ssid uint16, uri string) error {
	if ssid == lwm2m.BootstrapSSID || ssid == lwm2m.DefaultSSID {
		return fmt.Errorf("bind ssid %d: %w", ssid, errors.ErrInvalid)
	}
	if n := t.index(ssid); n >= 0 {
		if t.entries[n].URI != uri {
			t.entries[n] = Entry{SSID: ssid, URI: uri}
		}
		return nil
	}
	if len(t.entries) >= MaxServers {
		return fmt.Errorf("bind ssid %d: %w", ssid, errors.ErrLimit)
	}
	t.entries = append(t.entries, Entry{SSID: ssid, URI: uri})
	return nil
}

// URI returns the endpoint bound to ssid.
func (t *Table) URI(ssid uint16) (string, bool) {
	if n := t.index(ssid); n >= 0 {
		return t.entries[n].URI, true
	}
	return "", false
}

// SSID returns the server bound to uri.
func (t *Table) SSID(uri string) (uint16, bool) {
	for _, e := range t.entries {
		if e.URI == uri {
			return e.SSID, true
		}
	}
	return 0, false
}

// SetLocation stores the registration location of ssid.
func (t *Table) SetLocation(ssid uint16, location []string) error {
	n := t.index(ssid)
	if n < 0 {
		return fmt.Errorf("location ssid %d: %w", ssid, errors.ErrNotFound)
	}
	if len(location) == 0 {
		return fmt.Errorf("location ssid %d: empty: %w", ssid, errors.ErrInvalid)
	}
	t.entries[n].Location = slices.Clone(location)
	return nil
}

// ClearLocation drops the registration location of ssid and keeps the
// binding.
func (t *Table) ClearLocation(ssid uint16) {
	if n := t.index(ssid); n >= 0 {
		t.entries[n].Location = nil
	}
}

// Location returns the registration location of ssid.
func (t *Table) Location(ssid uint16) ([]string, bool) {
	n := t.index(ssid)
	if n < 0 || !t.entries[n].Registered() {
		return nil, false
	}
	return slices.Clone(t.entries[n].Location), true
}

// Registered reports whether ssid holds a location.
func (t *Table) Registered(ssid uint16) bool {
	_, ok := t.Location(ssid)
	return ok
}

// Deregister removes the entry of ssid and notifies OnDeregister.
func (t *Table) Deregister(ssid uint16) error {
	n := t.index(ssid)
	if n < 0 {
		return fmt.Errorf("deregister ssid %d: %w", ssid, errors.ErrNotFound)
	}
	t.entries = slices.Delete(t.entries, n, n+1)
	if t.OnDeregister != nil {
		t.OnDeregister(ssid)
	}
	return nil
}

// Entries returns a copy of the table.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for n, e := range t.entries {
		out[n] = Entry{SSID: e.SSID, URI: e.URI, Location: slices.Clone(e.Location)}
	}
	return out
}

// Clear deregisters every server.
func (t *Table) Clear() {
	for len(t.entries) > 0 {
		_ = t.Deregister(t.entries[0].SSID)
	}
}

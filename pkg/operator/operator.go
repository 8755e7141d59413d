// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package operator

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/retry"
	"gopkg.in/yaml.v3"
)

// ID identifies a carrier.
type ID int

const (
	Generic ID = iota
	Verizon
	ATT
)

// String returns the profile name of the carrier.
func (id ID) String() string {
	switch id {
	case Verizon:
		return "verizon"
	case ATT:
		return "att"
	default:
		return "generic"
	}
}

// Server is a factory Server object instance.
type Server struct {
	SSID uint16 `yaml:"ssid"`
	// URI is the preconfigured server URI. Servers without one are
	// provisioned by bootstrap.
	URI            string `yaml:"uri"`
	PSK            string `yaml:"psk"`
	Lifetime       int64  `yaml:"lifetime"`
	Pmin           int64  `yaml:"pmin"`
	Pmax           int64  `yaml:"pmax"`
	DisableTimeout int64  `yaml:"disable_timeout"`
	Storing        bool   `yaml:"storing"`
	HoldOff        int64  `yaml:"hold_off"`
}

// ACL is an access control template applied when instances are seeded.
// Instance lwm2m.NoInstance targets the object itself.
type ACL struct {
	Object   uint16                `yaml:"object"`
	Instance uint16                `yaml:"instance"`
	Owner    uint16                `yaml:"owner"`
	Default  lwm2m.Perm            `yaml:"default"`
	Grants   map[uint16]lwm2m.Perm `yaml:"grants"`
}

// Profile is the set of operator defaults.
type Profile struct {
	ID               ID            `yaml:"-"`
	BootstrapURI     string        `yaml:"bootstrap_uri"`
	BootstrapPSK     string        `yaml:"bootstrap_psk"`
	BootstrapHoldOff time.Duration `yaml:"bootstrap_hold_off"`
	// FinishTimeout bounds the wait for Bootstrap-Finish once the
	// bootstrap request is acknowledged.
	FinishTimeout time.Duration `yaml:"finish_timeout"`
	Binding       string        `yaml:"binding"`
	// ConInterval is the longest run of non-confirmable notifications.
	ConInterval time.Duration `yaml:"con_interval"`
	Retry       retry.Policy  `yaml:"retry"`
	APN         retry.APN     `yaml:"apn"`
	Servers     []Server      `yaml:"servers"`
	ACL         []ACL         `yaml:"acl"`
	// MotiveBridgeQuirk redirects the Registration Update Trigger of
	// /1/0 to /1/1.
	MotiveBridgeQuirk bool `yaml:"motive_bridge_quirk"`
}

// VerizonBootstrapURI is the Verizon factory bootstrap server.
const VerizonBootstrapURI = "coaps://boot.lwm2m.vzwdm.com:5684"

// ATTBootstrapURI is the AT&T factory bootstrap server.
const ATTBootstrapURI = "coaps://ddocdpboot.do.motive.com:5684"

const (
	minute = time.Minute
	day    = 24 * time.Hour
)

// Lookup returns the built-in profile of id.
func Lookup(id ID) Profile {
	switch id {
	case Verizon:
		return verizon()
	case ATT:
		return att()
	default:
		return generic()
	}
}

// ByName returns the built-in profile called name.
func ByName(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case "verizon", "vzw":
		return Lookup(Verizon), nil
	case "att", "at&t":
		return Lookup(ATT), nil
	case "generic", "":
		return Lookup(Generic), nil
	default:
		return Profile{}, fmt.Errorf("operator %q: %w", name, errors.ErrNotFound)
	}
}

func verizon() Profile {
	servers := []Server{
		{SSID: 101, Lifetime: 2592000, Pmin: 1, Pmax: 60, DisableTimeout: 86400},
		{SSID: 102, Lifetime: 2592000, Pmin: 1, Pmax: 60, DisableTimeout: 86400},
		{SSID: 1000, Lifetime: 2592000, Pmin: 1, Pmax: 60, DisableTimeout: 86400},
	}
	read := lwm2m.PermRead
	shared := map[uint16]lwm2m.Perm{102: read, 1000: read}
	return Profile{
		ID:            Verizon,
		BootstrapURI:  VerizonBootstrapURI,
		FinishTimeout: minute,
		Binding:       "UQS",
		ConInterval:   day,
		Retry: retry.Policy{
			Delays:            []time.Duration{2 * minute, 4 * minute, 6 * minute, 8 * minute, day},
			BootstrapAttempts: 4,
			FailOnLast:        true,
		},
		Servers: servers,
		ACL: []ACL{
			{Object: lwm2m.ObjectDevice, Instance: 0, Owner: 101, Grants: shared},
			{Object: lwm2m.ObjectConnectivityMonitoring, Instance: 0, Owner: 101, Grants: shared},
			{Object: lwm2m.ObjectFirmware, Instance: 0, Owner: 101, Grants: map[uint16]lwm2m.Perm{1000: lwm2m.PermAll}},
			{Object: lwm2m.ObjectConnectivityStatistics, Instance: 0, Owner: 102, Grants: map[uint16]lwm2m.Perm{101: read}},
			{Object: lwm2m.ObjectConnectivityExtension, Instance: 0, Owner: 101, Grants: shared},
			{Object: lwm2m.ObjectAPNConnectionProfile, Instance: lwm2m.NoInstance, Owner: 101},
			{Object: lwm2m.ObjectPortfolio, Instance: lwm2m.NoInstance, Owner: 101, Default: lwm2m.PermCreate},
		},
		MotiveBridgeQuirk: true,
	}
}

func att() Profile {
	return Profile{
		ID:            ATT,
		BootstrapURI:  ATTBootstrapURI,
		FinishTimeout: minute,
		Binding:       "U",
		ConInterval:   day,
		Retry: retry.Policy{
			Delays: []time.Duration{2 * minute},
		},
		APN: retry.APN{Retries: 2, Period: minute, Backoff: day},
		Servers: []Server{
			{SSID: 1, Lifetime: 86400, Pmin: 1, Pmax: 300, DisableTimeout: 86400},
		},
	}
}

func generic() Profile {
	return Profile{
		ID:            Generic,
		FinishTimeout: minute,
		Binding:       "U",
		ConInterval:   day,
		Retry: retry.Policy{
			Delays: []time.Duration{minute, 2 * minute, 4 * minute, 8 * minute, 16 * minute},
		},
		Servers: []Server{
			{SSID: 1, Lifetime: 86400, Pmin: 1, Pmax: 300, DisableTimeout: 86400},
		},
	}
}

// Override decodes YAML from r over a copy of p.
func (p Profile) Override(r io.Reader) (Profile, error) {
	out := p
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return p, fmt.Errorf("operator profile: %w: %w", errors.ErrInvalid, err)
	}
	out.ID = p.ID
	if err := out.Validate(); err != nil {
		return p, err
	}
	return out, nil
}

// LoadFile applies the YAML override at path to p.
func LoadFile(path string, p Profile) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return p, err
	}
	defer f.Close()
	return p.Override(f)
}

// Validate checks the profile for settings the client cannot run with.
func (p Profile) Validate() error {
	if _, err := p.PSK(); err != nil {
		return err
	}
	seen := make(map[uint16]bool)
	for _, s := range p.Servers {
		if s.SSID == 0 || s.SSID == lwm2m.BootstrapSSID {
			return fmt.Errorf("server ssid %d: %w", s.SSID, errors.ErrInvalid)
		}
		if seen[s.SSID] {
			return fmt.Errorf("duplicate server ssid %d: %w", s.SSID, errors.ErrInvalid)
		}
		seen[s.SSID] = true
	}
	if p.BootstrapURI == "" {
		for _, s := range p.Servers {
			if s.URI == "" {
				return fmt.Errorf("server %d has no uri and no bootstrap server is configured: %w", s.SSID, errors.ErrInvalid)
			}
		}
	}
	for _, d := range p.Retry.Delays {
		if d <= 0 {
			return fmt.Errorf("retry delay %s: %w", d, errors.ErrInvalid)
		}
	}
	return nil
}

// PSK decodes the hex bootstrap key.
func (p Profile) PSK() ([]byte, error) {
	if p.BootstrapPSK == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(p.BootstrapPSK)
	if err != nil {
		return nil, fmt.Errorf("bootstrap psk: %w", errors.ErrInvalid)
	}
	return b, nil
}

// Server returns the factory record of ssid.
func (p Profile) Server(ssid uint16) (Server, bool) {
	for _, s := range p.Servers {
		if s.SSID == ssid {
			return s, true
		}
	}
	return Server{}, false
}

// NeedsBootstrap reports whether servers are provisioned by a bootstrap
// server.
func (p Profile) NeedsBootstrap() bool {
	return p.BootstrapURI != ""
}

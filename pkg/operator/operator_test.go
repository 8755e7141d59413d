// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package operator

import (
	"strings"
	"testing"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
)

func TestByName(t *testing.T) {
	tests := []struct {
		name string
		want ID
		err  bool
	}{
		{name: "verizon", want: Verizon},
		{name: "VZW", want: Verizon},
		{name: "att", want: ATT},
		{name: "", want: Generic},
		{name: "tmobile", err: true},
	}
	for _, tc := range tests {
		p, err := ByName(tc.name)
		if tc.err {
			if !errors.Is(err, errors.ErrNotFound) {
				t.Errorf("ByName(%q) error = %v", tc.name, err)
			}
			continue
		}
		if err != nil || p.ID != tc.want {
			t.Errorf("ByName(%q) = %v, %v", tc.name, p.ID, err)
		}
	}
}

func TestVerizon(t *testing.T) {
	p := Lookup(Verizon)
	if p.BootstrapURI != "coaps://boot.lwm2m.vzwdm.com:5684" {
		t.Errorf("bootstrap uri = %s", p.BootstrapURI)
	}
	var ssids []uint16
	for _, s := range p.Servers {
		ssids = append(ssids, s.SSID)
	}
	if len(ssids) != 3 || ssids[0] != 101 || ssids[1] != 102 || ssids[2] != 1000 {
		t.Errorf("servers = %v", ssids)
	}
	if p.Retry.BootstrapAttempts != 4 || len(p.Retry.Delays) != 5 || p.Retry.Delays[4] != 24*time.Hour {
		t.Errorf("retry = %+v", p.Retry)
	}
	if err := p.Validate(); err != nil {
		t.Error(err)
	}
}

func TestOverride(t *testing.T) {
	doc := `
bootstrap_uri: coaps://bs.example.com:5684
bootstrap_psk: "0a0b0c"
retry:
  delays: [30s, 1m]
servers:
  - ssid: 7
    lifetime: 120
`
	p, err := Lookup(Verizon).Override(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != Verizon || p.BootstrapURI != "coaps://bs.example.com:5684" {
		t.Errorf("profile = %+v", p)
	}
	if len(p.Retry.Delays) != 2 || p.Retry.Delays[0] != 30*time.Second {
		t.Errorf("delays = %v", p.Retry.Delays)
	}
	if s, ok := p.Server(7); !ok || s.Lifetime != 120 {
		t.Errorf("server 7 = %+v, %v", s, ok)
	}
	if psk, _ := p.PSK(); len(psk) != 3 || psk[2] != 0x0c {
		t.Errorf("psk = %x", psk)
	}
	if !p.MotiveBridgeQuirk {
		t.Error("unset field was cleared")
	}
}

func TestOverrideInvalid(t *testing.T) {
	docs := []string{
		"bootstrap_psk: zz",
		"servers:\n  - ssid: 0",
		"unknown_key: 1",
		"bootstrap_uri: \"\"\nservers:\n  - ssid: 3",
	}
	base := Lookup(Verizon)
	for _, doc := range docs {
		p, err := base.Override(strings.NewReader(doc))
		if err == nil {
			t.Errorf("Override(%q) succeeded", doc)
		}
		if p.BootstrapURI != base.BootstrapURI {
			t.Errorf("Override(%q) modified the profile on error", doc)
		}
	}
}

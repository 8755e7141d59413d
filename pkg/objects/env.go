// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"log/slog"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Actions are the client operations triggered by Execute.
type Actions interface {
	// Disable deregisters ssid and keeps it offline for timeout.
	Disable(ssid uint16, timeout time.Duration)
	// TriggerUpdate sends a Registration Update to ssid.
	TriggerUpdate(ssid uint16)
	Reboot()
	FactoryReset()
}

// Env carries the collaborators shared by the objects.
type Env struct {
	Registry *registry.Registry
	Host     lwm2m.Host
	Clock    clock.Clock
	Actions  Actions
	Profile  operator.Profile
	// Endpoint is the client endpoint name, used as PSK identity.
	Endpoint string
	// After runs f on the client loop once d has elapsed.
	After  func(d time.Duration, f func())
	Logger *slog.Logger
}

func (e *Env) defaults() {
	if e.Clock == nil {
		e.Clock = clock.Real()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.After == nil {
		clk := e.Clock
		e.After = func(d time.Duration, f func()) { clk.AfterFunc(d, f) }
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

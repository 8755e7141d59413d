// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "fmt"

// State is the lifecycle state of the client.
type State int32

const (
	StateBooting State = iota
	StateIdle
	StateRequestLinkUp
	StateRequestLinkDown
	StateRequestConnect
	StateRequestDisconnect
	StateDisconnected
	StateModemFirmwareUpdate
	StateShutdown
	StateReset
	StateError
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateIdle:
		return "idle"
	case StateRequestLinkUp:
		return "request-link-up"
	case StateRequestLinkDown:
		return "request-link-down"
	case StateRequestConnect:
		return "request-connect"
	case StateRequestDisconnect:
		return "request-disconnect"
	case StateDisconnected:
		return "disconnected"
	case StateModemFirmwareUpdate:
		return "modem-firmware-update"
	case StateShutdown:
		return "shutdown"
	case StateReset:
		return "reset"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// terminal reports whether the loop has stopped driving the protocol.
func (s State) terminal() bool {
	switch s {
	case StateShutdown, StateReset, StateModemFirmwareUpdate:
		return true
	default:
		return false
	}
}

// Trigger is the command carried by a device-management SMS.
type Trigger uint8

const (
	TriggerUpdate Trigger = iota
	TriggerBootstrap
	TriggerReset
	TriggerFactoryReset
)

func (t Trigger) String() string {
	switch t {
	case TriggerUpdate:
		return "update"
	case TriggerBootstrap:
		return "bootstrap"
	case TriggerReset:
		return "reset"
	case TriggerFactoryReset:
		return "factory-reset"
	default:
		return fmt.Sprintf("Trigger(%d)", uint8(t))
	}
}

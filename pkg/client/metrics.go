// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "time"

// Metrics receives client instrumentation. *metrics.Metrics implements
// it.
type Metrics interface {
	ClientState(from, to string)
	BootstrapAttempt()
	Registration(ssid uint16, result string)
	Request(op, code string)
	RetryDelay(kind string, d time.Duration)
	FirmwareState(state int)
	QueueDrop(event string)

	Notification(ssid uint16, confirmable bool)
	ObservationCount(n int)
}

type nopMetrics struct{}

func (nopMetrics) ClientState(string, string)       {}
func (nopMetrics) BootstrapAttempt()                {}
func (nopMetrics) Registration(uint16, string)      {}
func (nopMetrics) Request(string, string)           {}
func (nopMetrics) RetryDelay(string, time.Duration) {}
func (nopMetrics) FirmwareState(int)                {}
func (nopMetrics) QueueDrop(string)                 {}
func (nopMetrics) Notification(uint16, bool)        {}
func (nopMetrics) ObservationCount(int)             {}

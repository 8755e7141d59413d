// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package firmware implements the Firmware Update object (/5) and the
// orchestration behind it: pull downloads with resume, push delivery
// through the Package resource, image staging and the apply-at-reboot
// handshake with the host.
package firmware

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package objects implements the LwM2M objects required by the carrier
// profiles: Security (0), Server (1), Access Control (2), Device (3),
// Connectivity Monitoring (4), Connectivity Statistics (7), APN
// Connection Profile (11), Portfolio (16) and the Verizon Connectivity
// Extension (10308). Firmware Update (5) lives in package firmware.
//
// Register installs the object definitions into a registry. Seed creates
// the factory instances of the active operator profile; the client calls
// it on first boot and after a factory reset.
//
// # Access Control
//
// The Access Control object is a view over an acl.Table. AccessControl
// implements registry.Access, so every binding made by the registry
// appears as an /2 instance and every /2 instance written by the
// bootstrap server lands in the table.
package objects

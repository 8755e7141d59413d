// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package operator holds the carrier profiles the client is configured
// with.
//
// A Profile collects every operator-specific default in one record:
// bootstrap server, retry schedule, APN retry record, factory Server
// instances, access control templates and protocol quirks. Components
// read the profile instead of branching on the operator.
//
// # Overrides
//
// A YAML file can replace any field of a built-in profile:
//
//	bootstrap_uri: coaps://bs.example.com:5684
//	retry:
//	  delays: [1m, 2m, 4m]
//	  bootstrap_attempts: 3
//	servers:
//	  - ssid: 101
//	    lifetime: 3600
package operator

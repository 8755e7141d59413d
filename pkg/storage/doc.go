// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage persists client state to a flat key-value store.
//
// Keys are 16 bit and grouped in contiguous ranges:
//
//	0x0000..0x00FF  singletons (bootstrapped flag, MSISDN, operator, firmware state)
//	0x0100..0x01FF  Security instances
//	0x0200..0x02FF  Server instances
//	0x0300..0x03FF  Access Control entries
//	0x0400..0x04FF  registration locations
//	0x0500..0x05FF  APN Connection Profile instances
//	0x0600..0x06FF  Portfolio instances
//	0x0700..0x07FF  observations
//	0x0800..0x08FF  notification attributes
//
// Every record is a one byte version followed by a CBOR body. Each Put
// is a single transaction: the store keeps either the old or the new
// record.
//
// MemoryKV backs tests; SQLiteKV uses zombiezen.com/go/sqlite.
package storage

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec converts between typed resource values and the LwM2M wire
// formats.
//
// # TLV
//
// application/vnd.oma.lwm2m+tlv frames every record with a type byte, an
// 8 or 16 bit identifier and a 0 to 3 byte length:
//
//	 7 6   5    4 3     2 1 0
//	+---+-----+------+--------+
//	|typ|idlen|lentyp| length |  id (1|2)  length (0..3)  value
//	+---+-----+------+--------+
//
// Encoders write into a caller-provided buffer and fail with
// ErrBufferTooSmall when it cannot hold the result. Decoders walk the
// records and hand each one to a hook together with the instance id it
// belongs to.
//
// # Plain text and octet stream
//
// A single resource value can be carried as text/plain (decimal numbers,
// UTF-8 strings, base64 opaque) or application/octet-stream (opaque only).
//
// # Link format
//
// Discover, Register and Update bodies are CoRE link-format lists such as
//
//	</3>,</3/0>,</3/0/9>;pmin=10;pmax=30
//
// # SenML
//
// Reads and notifications can also be served as SenML JSON or CBOR, using
// github.com/farshidtz/senml/v2.
package codec

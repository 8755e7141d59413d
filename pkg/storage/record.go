// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/fxamacker/cbor/v2"
)

// RecordVersion is the current record format.
const RecordVersion byte = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal frames v as a versioned record.
func Marshal(v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append([]byte{RecordVersion}, body...), nil
}

// Unmarshal decodes a versioned record into v.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty record: %w", errors.ErrInvalid)
	}
	if data[0] != RecordVersion {
		return fmt.Errorf("record version %d: %w", data[0], errors.ErrInvalid)
	}
	if err := decMode.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("unmarshal record: %w: %w", errors.ErrInvalid, err)
	}
	return nil
}

// InstanceRecord is a persisted object instance. Resources holds the TLV
// encoding of every stored resource.
type InstanceRecord struct {
	Object    uint16 `cbor:"1,keyasint"`
	Instance  uint16 `cbor:"2,keyasint"`
	Resources []byte `cbor:"3,keyasint"`
}

// LocationRecord is a persisted registration.
type LocationRecord struct {
	SSID     uint16   `cbor:"1,keyasint"`
	URI      string   `cbor:"2,keyasint"`
	Location []string `cbor:"3,keyasint"`
}

// FirmwareResume tracks an interrupted download.
type FirmwareResume struct {
	URI     string `cbor:"1,keyasint"`
	Offset  int64  `cbor:"2,keyasint"`
	Retries int    `cbor:"3,keyasint"`
}

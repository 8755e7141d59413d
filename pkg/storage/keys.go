// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// Key is a store key.
type Key uint16

// String renders the key in hex.
func (k Key) String() string {
	return fmt.Sprintf("0x%04X", uint16(k))
}

// Singleton keys.
const (
	KeyBootstrapped        Key = 0x0000
	KeyLastMSISDN          Key = 0x0001
	KeyOperatorID          Key = 0x0002
	KeyDebugSettings       Key = 0x0003
	KeyFirmwareURI         Key = 0x0004
	KeyImageState          Key = 0x0005
	KeyUpdateState         Key = 0x0006
	KeyLastFirmwareVersion Key = 0x0007
	KeyClass3APN           Key = 0x0008
	KeyFirmwareResume      Key = 0x0009
	KeyConnExtension       Key = 0x0010
)

// Range starts.
const (
	RangeMisc       Key = 0x0000
	RangeSecurity   Key = 0x0100
	RangeServer     Key = 0x0200
	RangeACL        Key = 0x0300
	RangeLocation   Key = 0x0400
	RangeAPN        Key = 0x0500
	RangePortfolio  Key = 0x0600
	RangeObserver   Key = 0x0700
	RangeAttributes Key = 0x0800

	rangeSize = 0x0100
)

// Last returns the last key of the range starting at r.
func (r Key) Last() Key {
	return r + rangeSize - 1
}

// Slot returns key n of the range starting at r.
func (r Key) Slot(n uint16) (Key, error) {
	if n >= rangeSize {
		return 0, fmt.Errorf("slot %d outside range %s", n, r)
	}
	return r + Key(n), nil
}

// immutable keys survive a factory reset.
var immutable = map[Key]bool{
	KeyLastFirmwareVersion: true,
	KeyImageState:          true,
	KeyUpdateState:         true,
}

// objectRanges maps persisted multi-instance objects to their range.
var objectRanges = map[uint16]Key{
	lwm2m.ObjectSecurity:             RangeSecurity,
	lwm2m.ObjectServer:               RangeServer,
	lwm2m.ObjectAPNConnectionProfile: RangeAPN,
	lwm2m.ObjectPortfolio:            RangePortfolio,
}

// InstanceKey returns the key of a persisted object instance.
func InstanceKey(object, instance uint16) (Key, error) {
	if object == lwm2m.ObjectConnectivityExtension {
		return KeyConnExtension, nil
	}
	r, ok := objectRanges[object]
	if !ok {
		return 0, fmt.Errorf("object %d is not persisted", object)
	}
	return r.Slot(instance)
}

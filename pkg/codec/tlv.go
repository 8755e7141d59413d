// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
)

// Type is the TLV record type.
type Type uint8

const (
	TypeObjectInstance   Type = 0
	TypeResourceInstance Type = 1
	TypeMultipleResource Type = 2
	TypeResourceValue    Type = 3
)

// String returns a string representation of the record type.
func (t Type) String() string {
	switch t {
	case TypeObjectInstance:
		return "object-instance"
	case TypeResourceInstance:
		return "resource-instance"
	case TypeMultipleResource:
		return "multiple-resource"
	case TypeResourceValue:
		return "resource-value"
	default:
		return "unknown"
	}
}

const maxTLVLength = 0xFFFFFF

// TLV is a single decoded record. Value aliases the decoded buffer.
type TLV struct {
	Type  Type
	ID    uint16
	Value []byte
}

// HeaderLen returns the number of header bytes the record needs.
func (t TLV) HeaderLen() int {
	n := 2
	if t.ID > 0xFF {
		n++
	}
	switch l := len(t.Value); {
	case l > 0xFFFF:
		n += 3
	case l > 0xFF:
		n += 2
	case l > 7:
		n++
	}
	return n
}

// Len returns the encoded size of the record.
func (t TLV) Len() int {
	return t.HeaderLen() + len(t.Value)
}

// Encode writes the record into buf and returns the number of bytes
// written.
func (t TLV) Encode(buf []byte) (int, error) {
	if len(t.Value) > maxTLVLength {
		return 0, fmt.Errorf("tlv %d: value of %d bytes: %w", t.ID, len(t.Value), errors.ErrInvalid)
	}
	n := t.Len()
	if len(buf) < n {
		return 0, errors.ErrBufferTooSmall
	}

	header := byte(t.Type&0x3) << 6
	idx := 1
	if t.ID > 0xFF {
		header |= 1 << 5
		binary.BigEndian.PutUint16(buf[idx:], t.ID)
		idx += 2
	} else {
		buf[idx] = byte(t.ID)
		idx++
	}

	switch l := len(t.Value); {
	case l > 0xFFFF:
		header |= 3 << 3
		buf[idx] = byte(l >> 16)
		buf[idx+1] = byte(l >> 8)
		buf[idx+2] = byte(l)
		idx += 3
	case l > 0xFF:
		header |= 2 << 3
		binary.BigEndian.PutUint16(buf[idx:], uint16(l))
		idx += 2
	case l > 7:
		header |= 1 << 3
		buf[idx] = byte(l)
		idx++
	default:
		header |= byte(l)
	}
	buf[0] = header
	copy(buf[idx:], t.Value)
	return n, nil
}

// Append appends the encoded record to dst.
func (t TLV) Append(dst []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, t.Len())...)
	if _, err := t.Encode(dst[start:]); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// Decode parses one record from buf and returns it with the number of
// bytes consumed.
func Decode(buf []byte) (TLV, int, error) {
	if len(buf) < 2 {
		return TLV{}, 0, fmt.Errorf("tlv header: %w", errors.ErrInvalid)
	}
	header := buf[0]
	t := TLV{Type: Type(header >> 6)}
	idx := 1

	if header&(1<<5) != 0 {
		if len(buf) < idx+2 {
			return TLV{}, 0, fmt.Errorf("tlv id: %w", errors.ErrInvalid)
		}
		t.ID = binary.BigEndian.Uint16(buf[idx:])
		idx += 2
	} else {
		t.ID = uint16(buf[idx])
		idx++
	}

	length := int(header & 0x7)
	width := int(header>>3) & 0x3
	if len(buf) < idx+width {
		return TLV{}, 0, fmt.Errorf("tlv length: %w", errors.ErrInvalid)
	}
	if width > 0 {
		length = 0
		for i := 0; i < width; i++ {
			length = length<<8 | int(buf[idx+i])
		}
		idx += width
	}
	if len(buf) < idx+length {
		return TLV{}, 0, fmt.Errorf("tlv %d: value truncated (%d > %d): %w", t.ID, length, len(buf)-idx, errors.ErrInvalid)
	}
	t.Value = buf[idx : idx+length]
	return t, idx + length, nil
}

// DecodeAll walks every top-level record of buf.
func DecodeAll(buf []byte, fn func(TLV) error) error {
	for len(buf) > 0 {
		t, n, err := Decode(buf)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Hooks receive decoded resource records.
type Hooks struct {
	// Resource receives resource-value and multiple-resource records.
	Resource func(instanceID uint16, t TLV) error

	// Carrier receives records whose id is in the carrier vendor range.
	// When nil such records fail with ErrNotFound.
	Carrier func(instanceID uint16, t TLV) error

	// Instance, when set, is called once for every object-instance record
	// before its resources are delivered.
	Instance func(instanceID uint16) error
}

// DecodeInstances walks a Write or Create payload. Top-level resource
// records belong to instanceID; object-instance records carry their own.
func DecodeInstances(buf []byte, instanceID uint16, carrierBase uint16, h Hooks) error {
	return DecodeAll(buf, func(t TLV) error {
		switch t.Type {
		case TypeObjectInstance:
			if h.Instance != nil {
				if err := h.Instance(t.ID); err != nil {
					return err
				}
			}
			iid := t.ID
			return DecodeAll(t.Value, func(r TLV) error {
				if r.Type != TypeResourceValue && r.Type != TypeMultipleResource {
					return fmt.Errorf("tlv %s inside instance %d: %w", r.Type, iid, errors.ErrInvalid)
				}
				return deliver(iid, r, carrierBase, h)
			})
		case TypeResourceValue, TypeMultipleResource:
			return deliver(instanceID, t, carrierBase, h)
		default:
			return fmt.Errorf("tlv %s at top level: %w", t.Type, errors.ErrInvalid)
		}
	})
}

func deliver(iid uint16, t TLV, carrierBase uint16, h Hooks) error {
	if carrierBase != 0 && t.ID >= carrierBase {
		if h.Carrier == nil {
			return fmt.Errorf("carrier resource %d: %w", t.ID, errors.ErrNotFound)
		}
		return h.Carrier(iid, t)
	}
	if h.Resource == nil {
		return errors.ErrNotSupported
	}
	return h.Resource(iid, t)
}

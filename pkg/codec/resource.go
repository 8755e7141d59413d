// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// Resource is a resource id paired with its value, the unit of instance
// encoding.
type Resource struct {
	ID    uint16
	Value lwm2m.Value
}

// AppendValue appends the TLV payload of a scalar value.
func AppendValue(dst []byte, v lwm2m.Value) ([]byte, error) {
	switch v.Kind {
	case lwm2m.KindInt, lwm2m.KindTime:
		return appendInt(dst, v.Int), nil
	case lwm2m.KindFloat:
		if f := float32(v.Float); float64(f) == v.Float {
			return binary.BigEndian.AppendUint32(dst, math.Float32bits(f)), nil
		}
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float)), nil
	case lwm2m.KindBool:
		if v.Bool {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case lwm2m.KindString:
		return append(dst, v.Str...), nil
	case lwm2m.KindOpaque:
		return append(dst, v.Bytes...), nil
	case lwm2m.KindObjLink:
		o, i := v.ObjLinkIDs()
		dst = binary.BigEndian.AppendUint16(dst, o)
		return binary.BigEndian.AppendUint16(dst, i), nil
	default:
		return dst, fmt.Errorf("encode %s: %w", v.Kind, errors.ErrNotSupported)
	}
}

func appendInt(dst []byte, n int64) []byte {
	switch {
	case n >= math.MinInt8 && n <= math.MaxInt8:
		return append(dst, byte(int8(n)))
	case n >= math.MinInt16 && n <= math.MaxInt16:
		return binary.BigEndian.AppendUint16(dst, uint16(int16(n)))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		return binary.BigEndian.AppendUint32(dst, uint32(int32(n)))
	default:
		return binary.BigEndian.AppendUint64(dst, uint64(n))
	}
}

// DecodeValue parses the TLV payload of a scalar value of the given kind.
func DecodeValue(b []byte, kind lwm2m.Kind) (lwm2m.Value, error) {
	switch kind {
	case lwm2m.KindInt, lwm2m.KindTime:
		n, err := decodeInt(b)
		if err != nil {
			return lwm2m.Value{}, err
		}
		return lwm2m.Value{Kind: kind, Int: n}, nil
	case lwm2m.KindFloat:
		switch len(b) {
		case 4:
			return lwm2m.Float(float64(math.Float32frombits(binary.BigEndian.Uint32(b)))), nil
		case 8:
			return lwm2m.Float(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
		}
		return lwm2m.Value{}, fmt.Errorf("float of %d bytes: %w", len(b), errors.ErrInvalid)
	case lwm2m.KindBool:
		if len(b) != 1 || b[0] > 1 {
			return lwm2m.Value{}, fmt.Errorf("boolean: %w", errors.ErrInvalid)
		}
		return lwm2m.Bool(b[0] == 1), nil
	case lwm2m.KindString:
		return lwm2m.String(string(b)), nil
	case lwm2m.KindOpaque:
		return lwm2m.Opaque(append([]byte(nil), b...)), nil
	case lwm2m.KindObjLink:
		if len(b) != 4 {
			return lwm2m.Value{}, fmt.Errorf("objlnk of %d bytes: %w", len(b), errors.ErrInvalid)
		}
		return lwm2m.ObjLink(binary.BigEndian.Uint16(b), binary.BigEndian.Uint16(b[2:])), nil
	default:
		return lwm2m.Value{}, fmt.Errorf("decode %s: %w", kind, errors.ErrNotSupported)
	}
}

func decodeInt(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	}
	return 0, fmt.Errorf("integer of %d bytes: %w", len(b), errors.ErrInvalid)
}

// AppendResource appends the TLV encoding of one resource. Lists become a
// multiple-resource record of resource-instance records.
func AppendResource(dst []byte, id uint16, v lwm2m.Value) ([]byte, error) {
	if !v.Multiple {
		payload, err := AppendValue(nil, v)
		if err != nil {
			return dst, err
		}
		return TLV{Type: TypeResourceValue, ID: id, Value: payload}.Append(dst)
	}
	var inner []byte
	for n, item := range v.Items {
		payload, err := AppendValue(nil, item)
		if err != nil {
			return dst, err
		}
		if inner, err = (TLV{Type: TypeResourceInstance, ID: v.ItemID(n), Value: payload}).Append(inner); err != nil {
			return dst, err
		}
	}
	return TLV{Type: TypeMultipleResource, ID: id, Value: inner}.Append(dst)
}

// EncodeResource writes one resource into buf.
func EncodeResource(buf []byte, id uint16, v lwm2m.Value) (int, error) {
	out, err := AppendResource(nil, id, v)
	if err != nil {
		return 0, err
	}
	return copyOut(buf, out)
}

// AppendResources appends resources in ascending id order. An empty list
// appends nothing.
func AppendResources(dst []byte, res []Resource) ([]byte, error) {
	sorted := append([]Resource(nil), res...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	var err error
	for _, r := range sorted {
		if dst, err = AppendResource(dst, r.ID, r.Value); err != nil {
			return dst, fmt.Errorf("resource %d: %w", r.ID, err)
		}
	}
	return dst, nil
}

// EncodeResources writes resources into buf in ascending id order.
func EncodeResources(buf []byte, res []Resource) (int, error) {
	out, err := AppendResources(nil, res)
	if err != nil {
		return 0, err
	}
	return copyOut(buf, out)
}

// AppendInstance appends an object-instance record wrapping res.
func AppendInstance(dst []byte, instanceID uint16, res []Resource) ([]byte, error) {
	inner, err := AppendResources(nil, res)
	if err != nil {
		return dst, err
	}
	return TLV{Type: TypeObjectInstance, ID: instanceID, Value: inner}.Append(dst)
}

// DecodeResource converts a resource record into a value of kind. A
// multiple-resource record yields a list whose IDs are the decoded
// resource-instance ids.
func DecodeResource(t TLV, kind lwm2m.Kind) (lwm2m.Value, error) {
	switch t.Type {
	case TypeResourceValue, TypeResourceInstance:
		return DecodeValue(t.Value, kind)
	case TypeMultipleResource:
		list := lwm2m.Value{Kind: kind, Multiple: true}
		dense := true
		err := DecodeAll(t.Value, func(r TLV) error {
			if r.Type != TypeResourceInstance {
				return fmt.Errorf("tlv %s inside resource %d: %w", r.Type, t.ID, errors.ErrInvalid)
			}
			item, err := DecodeValue(r.Value, kind)
			if err != nil {
				return err
			}
			if int(r.ID) != len(list.Items) {
				dense = false
			}
			list.Items = append(list.Items, item)
			list.IDs = append(list.IDs, r.ID)
			return nil
		})
		if err != nil {
			return lwm2m.Value{}, err
		}
		if dense {
			list.IDs = nil
		}
		return list, nil
	default:
		return lwm2m.Value{}, fmt.Errorf("tlv %s as resource: %w", t.Type, errors.ErrInvalid)
	}
}

func copyOut(buf, out []byte) (int, error) {
	if len(buf) < len(out) {
		return 0, errors.ErrBufferTooSmall
	}
	return copy(buf, out), nil
}

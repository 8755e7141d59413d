// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"bytes"
	"fmt"
	"math"
	"time"
)

// Kind is the data type of a resource.
type Kind uint8

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindOpaque
	KindTime
	KindObjLink
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindOpaque:
		return "opaque"
	case KindTime:
		return "time"
	case KindObjLink:
		return "objlnk"
	default:
		return "none"
	}
}

// Numeric reports whether values of this kind take part in gt/lt/st
// threshold evaluation.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindFloat || k == KindTime
}

// Value is a typed resource value. Exactly one of the scalar fields is
// meaningful, selected by Kind. When Multiple is set the value is a list
// and Items holds its elements.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
	Bool  bool
	Bytes []byte

	Multiple bool
	Items    []Value
	// IDs holds explicit resource-instance ids for Items. When nil the
	// index of an item is its id.
	IDs []uint16
}

// Int returns an integer value.
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Float returns a float value.
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// String returns a string value.
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// Opaque returns an opaque value. The slice is not copied.
func Opaque(v []byte) Value { return Value{Kind: KindOpaque, Bytes: v} }

// Time returns a time value with second precision.
func Time(t time.Time) Value { return Value{Kind: KindTime, Int: t.Unix()} }

// ObjLink returns an object link value.
func ObjLink(object, instance uint16) Value {
	return Value{Kind: KindObjLink, Int: int64(object)<<16 | int64(instance)}
}

// List returns a multiple-instance value of the given kind.
func List(kind Kind, items ...Value) Value {
	return Value{Kind: kind, Multiple: true, Items: items}
}

// IntList is a convenience for integer lists.
func IntList(vs ...int64) Value {
	items := make([]Value, len(vs))
	for i, v := range vs {
		items[i] = Int(v)
	}
	return List(KindInt, items...)
}

// StringList is a convenience for string lists.
func StringList(vs ...string) Value {
	items := make([]Value, len(vs))
	for i, v := range vs {
		items[i] = String(v)
	}
	return List(KindString, items...)
}

// ItemID returns the resource-instance id of item n.
func (v Value) ItemID(n int) uint16 {
	if v.IDs != nil && n < len(v.IDs) {
		return v.IDs[n]
	}
	return uint16(n)
}

// Item returns the element with resource-instance id id.
func (v Value) Item(id uint16) (Value, bool) {
	for n := range v.Items {
		if v.ItemID(n) == id {
			return v.Items[n], true
		}
	}
	return Value{}, false
}

// Number returns the value as float64 for numeric kinds.
func (v Value) Number() (float64, bool) {
	if v.Multiple {
		return 0, false
	}
	switch v.Kind {
	case KindInt, KindTime:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

// ObjLinkIDs splits an object link value.
func (v Value) ObjLinkIDs() (uint16, uint16) {
	return uint16(v.Int >> 16), uint16(v.Int)
}

// Equal reports whether two values carry the same data.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Multiple != o.Multiple {
		return false
	}
	if v.Multiple {
		if len(v.Items) != len(o.Items) {
			return false
		}
		for n := range v.Items {
			if v.ItemID(n) != o.ItemID(n) || !v.Items[n].Equal(o.Items[n]) {
				return false
			}
		}
		return true
	}
	switch v.Kind {
	case KindInt, KindTime, KindObjLink:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	case KindOpaque:
		return bytes.Equal(v.Bytes, o.Bytes)
	default:
		return true
	}
}

// String renders the value for logs.
func (v Value) String() string {
	if v.Multiple {
		var b bytes.Buffer
		b.WriteByte('[')
		for n, it := range v.Items {
			if n > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%d=%s", v.ItemID(n), it.String())
		}
		b.WriteByte(']')
		return b.String()
	}
	switch v.Kind {
	case KindInt, KindTime:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return v.Str
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindOpaque:
		return fmt.Sprintf("opaque(%d)", len(v.Bytes))
	case KindObjLink:
		o, i := v.ObjLinkIDs()
		return fmt.Sprintf("%d:%d", o, i)
	default:
		return "<none>"
	}
}

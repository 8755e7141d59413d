// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// Range bounds integer resources. The zero Range is unbounded.
type Range struct {
	Min, Max int64
}

// Bounded reports whether the range restricts values.
func (r Range) Bounded() bool {
	return r.Min != 0 || r.Max != 0
}

// Check fails with ErrInvalid when n falls outside the range.
func (r Range) Check(n int64) error {
	if r.Bounded() && (n < r.Min || n > r.Max) {
		return fmt.Errorf("%d outside [%d, %d]: %w", n, r.Min, r.Max, errors.ErrInvalid)
	}
	return nil
}

// EncodeText renders a single value as text/plain.
func EncodeText(v lwm2m.Value) ([]byte, error) {
	if v.Multiple {
		return nil, fmt.Errorf("text/plain list: %w", errors.ErrNotSupported)
	}
	switch v.Kind {
	case lwm2m.KindInt, lwm2m.KindTime:
		return strconv.AppendInt(nil, v.Int, 10), nil
	case lwm2m.KindFloat:
		return strconv.AppendFloat(nil, v.Float, 'g', -1, 64), nil
	case lwm2m.KindBool:
		if v.Bool {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case lwm2m.KindString:
		return []byte(v.Str), nil
	case lwm2m.KindOpaque:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(v.Bytes)))
		base64.StdEncoding.Encode(out, v.Bytes)
		return out, nil
	case lwm2m.KindObjLink:
		o, i := v.ObjLinkIDs()
		return []byte(fmt.Sprintf("%d:%d", o, i)), nil
	default:
		return nil, fmt.Errorf("text/plain %s: %w", v.Kind, errors.ErrNotSupported)
	}
}

// DecodeText parses a text/plain payload into a value of kind. Integers
// are checked against r.
func DecodeText(b []byte, kind lwm2m.Kind, r Range) (lwm2m.Value, error) {
	switch kind {
	case lwm2m.KindInt, lwm2m.KindTime:
		n, err := parseInt(b)
		if err != nil {
			return lwm2m.Value{}, err
		}
		if err := r.Check(n); err != nil {
			return lwm2m.Value{}, err
		}
		return lwm2m.Value{Kind: kind, Int: n}, nil
	case lwm2m.KindFloat:
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return lwm2m.Value{}, fmt.Errorf("float %q: %w", b, errors.ErrInvalid)
		}
		return lwm2m.Float(f), nil
	case lwm2m.KindBool:
		switch string(b) {
		case "1", "true":
			return lwm2m.Bool(true), nil
		case "0", "false":
			return lwm2m.Bool(false), nil
		}
		return lwm2m.Value{}, fmt.Errorf("boolean %q: %w", b, errors.ErrInvalid)
	case lwm2m.KindString:
		if !utf8.Valid(b) {
			return lwm2m.Value{}, fmt.Errorf("string: %w", errors.ErrInvalid)
		}
		return lwm2m.String(string(b)), nil
	case lwm2m.KindOpaque:
		out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
		n, err := base64.StdEncoding.Decode(out, b)
		if err != nil {
			return lwm2m.Value{}, fmt.Errorf("base64: %w", errors.ErrInvalid)
		}
		return lwm2m.Opaque(out[:n]), nil
	case lwm2m.KindObjLink:
		o, i, ok := strings.Cut(string(b), ":")
		if !ok {
			return lwm2m.Value{}, fmt.Errorf("objlnk %q: %w", b, errors.ErrInvalid)
		}
		on, err1 := strconv.ParseUint(o, 10, 16)
		in, err2 := strconv.ParseUint(i, 10, 16)
		if err1 != nil || err2 != nil {
			return lwm2m.Value{}, fmt.Errorf("objlnk %q: %w", b, errors.ErrInvalid)
		}
		return lwm2m.ObjLink(uint16(on), uint16(in)), nil
	default:
		return lwm2m.Value{}, fmt.Errorf("text/plain %s: %w", kind, errors.ErrNotSupported)
	}
}

// parseInt reads an optional sign and decimal digits up to the first
// non-digit; any remaining tail is an error.
func parseInt(b []byte) (int64, error) {
	i := 0
	neg := false
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		neg = b[i] == '-'
		i++
	}
	start := i
	var n uint64
	for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
		d := uint64(b[i] - '0')
		if n > (1<<63-d)/10 {
			return 0, fmt.Errorf("integer %q overflows: %w", b, errors.ErrInvalid)
		}
		n = n*10 + d
	}
	if i == start || i != len(b) {
		return 0, fmt.Errorf("integer %q: %w", b, errors.ErrInvalid)
	}
	if neg {
		return -int64(n), nil
	}
	if n > 1<<63-1 {
		return 0, fmt.Errorf("integer %q overflows: %w", b, errors.ErrInvalid)
	}
	return int64(n), nil
}

// EncodeOpaque renders an opaque value as application/octet-stream.
func EncodeOpaque(v lwm2m.Value) ([]byte, error) {
	if v.Multiple || v.Kind != lwm2m.KindOpaque {
		return nil, fmt.Errorf("octet-stream %s: %w", v.Kind, errors.ErrNotSupported)
	}
	return v.Bytes, nil
}

// DecodeOpaque accepts an application/octet-stream payload for an opaque
// resource.
func DecodeOpaque(b []byte, kind lwm2m.Kind) (lwm2m.Value, error) {
	if kind != lwm2m.KindOpaque {
		return lwm2m.Value{}, fmt.Errorf("octet-stream into %s: %w", kind, errors.ErrNotSupported)
	}
	return lwm2m.Opaque(append([]byte(nil), b...)), nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	senml "github.com/farshidtz/senml/v2"
	senmlcodec "github.com/farshidtz/senml/v2/codec"
)

// Entry is one resource of a SenML pack.
type Entry struct {
	Path  lwm2m.Path
	Value lwm2m.Value
}

// Pack builds a SenML pack for entries read under base. The base name is
// base itself, or its instance when base addresses a resource.
func Pack(base lwm2m.Path, entries []Entry) (senml.Pack, error) {
	if base.Level == lwm2m.LevelResource {
		base = base.Parent()
	}
	bn := base.String()
	if !strings.HasSuffix(bn, "/") {
		bn += "/"
	}

	var pack senml.Pack
	for _, e := range entries {
		name := strings.TrimPrefix(e.Path.String(), bn)
		if !e.Value.Multiple {
			r, err := record(name, e.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Path, err)
			}
			pack = append(pack, r)
			continue
		}
		for n, item := range e.Value.Items {
			r, err := record(name+"/"+strconv.Itoa(int(e.Value.ItemID(n))), item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Path, err)
			}
			pack = append(pack, r)
		}
	}
	if len(pack) > 0 {
		pack[0].BaseName = bn
	}
	return pack, nil
}

func record(name string, v lwm2m.Value) (senml.Record, error) {
	r := senml.Record{Name: name}
	switch v.Kind {
	case lwm2m.KindInt, lwm2m.KindTime, lwm2m.KindFloat:
		f, _ := v.Number()
		r.Value = &f
	case lwm2m.KindBool:
		b := v.Bool
		r.BoolValue = &b
	case lwm2m.KindString:
		r.StringValue = v.Str
	case lwm2m.KindOpaque:
		r.DataValue = base64.RawURLEncoding.EncodeToString(v.Bytes)
	case lwm2m.KindObjLink:
		r.StringValue = v.String()
	default:
		return r, fmt.Errorf("senml %s: %w", v.Kind, errors.ErrNotSupported)
	}
	return r, nil
}

// EncodeSenMLJSON renders entries as application/senml+json.
func EncodeSenMLJSON(base lwm2m.Path, entries []Entry) ([]byte, error) {
	p, err := Pack(base, entries)
	if err != nil {
		return nil, err
	}
	return senmlcodec.EncodeJSON(p)
}

// EncodeSenMLCBOR renders entries as application/senml+cbor.
func EncodeSenMLCBOR(base lwm2m.Path, entries []Entry) ([]byte, error) {
	p, err := Pack(base, entries)
	if err != nil {
		return nil, err
	}
	return senmlcodec.EncodeCBOR(p)
}

// DecodeSenMLJSON parses a SenML JSON write payload into resource
// records. Kinds are resolved by the caller; values are returned as the
// closest native kind.
func DecodeSenMLJSON(b []byte) ([]Entry, error) {
	p, err := senmlcodec.DecodeJSON(b)
	if err != nil {
		return nil, fmt.Errorf("senml json: %w", errors.ErrInvalid)
	}
	return entries(p)
}

// DecodeSenMLCBOR parses a SenML CBOR write payload.
func DecodeSenMLCBOR(b []byte) ([]Entry, error) {
	p, err := senmlcodec.DecodeCBOR(b)
	if err != nil {
		return nil, fmt.Errorf("senml cbor: %w", errors.ErrInvalid)
	}
	return entries(p)
}

func entries(p senml.Pack) ([]Entry, error) {
	p.Normalize()
	out := make([]Entry, 0, len(p))
	for _, r := range p {
		path, err := lwm2m.ParsePath(r.Name)
		if err != nil || path.Level != lwm2m.LevelResource {
			return nil, fmt.Errorf("senml name %q: %w", r.Name, errors.ErrInvalid)
		}
		var v lwm2m.Value
		switch {
		case r.Value != nil:
			v = lwm2m.Float(*r.Value)
		case r.BoolValue != nil:
			v = lwm2m.Bool(*r.BoolValue)
		case r.DataValue != "":
			data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(r.DataValue, "="))
			if err != nil {
				return nil, fmt.Errorf("senml data %q: %w", r.Name, errors.ErrInvalid)
			}
			v = lwm2m.Opaque(data)
		default:
			v = lwm2m.String(r.StringValue)
		}
		out = append(out, Entry{Path: path, Value: v})
	}
	return out, nil
}

// Coerce converts a decoded SenML value to the declared resource kind.
func Coerce(v lwm2m.Value, kind lwm2m.Kind) (lwm2m.Value, error) {
	if v.Kind == kind {
		return v, nil
	}
	switch kind {
	case lwm2m.KindInt, lwm2m.KindTime:
		f, ok := v.Number()
		if !ok || f != float64(int64(f)) {
			return lwm2m.Value{}, fmt.Errorf("%s as %s: %w", v.Kind, kind, errors.ErrInvalid)
		}
		return lwm2m.Value{Kind: kind, Int: int64(f)}, nil
	case lwm2m.KindFloat:
		if f, ok := v.Number(); ok {
			return lwm2m.Float(f), nil
		}
	case lwm2m.KindObjLink:
		if v.Kind == lwm2m.KindString {
			return DecodeText([]byte(v.Str), kind, Range{})
		}
	}
	return lwm2m.Value{}, fmt.Errorf("%s as %s: %w", v.Kind, kind, errors.ErrInvalid)
}

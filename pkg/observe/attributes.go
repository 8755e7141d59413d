// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// Mask records which attributes are assigned.
type Mask uint8

const (
	AttrPmin Mask = 1 << iota
	AttrPmax
	AttrGT
	AttrLT
	AttrST
)

// MaxAttrTypes is the number of notification attribute types.
const MaxAttrTypes = 5

// Attributes is a set of notification attributes. Periods are seconds.
type Attributes struct {
	Pmin int64   `cbor:"1,keyasint,omitempty"`
	Pmax int64   `cbor:"2,keyasint,omitempty"`
	GT   float64 `cbor:"3,keyasint,omitempty"`
	LT   float64 `cbor:"4,keyasint,omitempty"`
	ST   float64 `cbor:"5,keyasint,omitempty"`
	Set  Mask    `cbor:"6,keyasint"`
}

// Has reports whether attribute m is assigned.
func (a Attributes) Has(m Mask) bool {
	return a.Set&m != 0
}

// Merge returns a with every attribute assigned in o overriding it.
func (a Attributes) Merge(o Attributes) Attributes {
	if o.Has(AttrPmin) {
		a.Pmin = o.Pmin
	}
	if o.Has(AttrPmax) {
		a.Pmax = o.Pmax
	}
	if o.Has(AttrGT) {
		a.GT = o.GT
	}
	if o.Has(AttrLT) {
		a.LT = o.LT
	}
	if o.Has(AttrST) {
		a.ST = o.ST
	}
	a.Set |= o.Set
	return a
}

// Validate rejects inconsistent attribute sets.
func (a Attributes) Validate() error {
	if a.Pmin < 0 || a.Pmax < 0 {
		return fmt.Errorf("negative period: %w", errors.ErrBadRequest)
	}
	if a.Has(AttrPmin) && a.Has(AttrPmax) && a.Pmax < a.Pmin {
		return fmt.Errorf("pmax %d < pmin %d: %w", a.Pmax, a.Pmin, errors.ErrBadRequest)
	}
	if a.Has(AttrGT) && a.Has(AttrLT) && a.LT >= a.GT {
		return fmt.Errorf("lt %g >= gt %g: %w", a.LT, a.GT, errors.ErrBadRequest)
	}
	if a.Has(AttrST) && a.ST < 0 {
		return fmt.Errorf("negative st: %w", errors.ErrBadRequest)
	}
	return nil
}

// Links renders the assigned attributes for a Discover response.
func (a Attributes) Links() []codec.Attr {
	var out []codec.Attr
	if a.Has(AttrPmin) {
		out = append(out, codec.IntAttr("pmin", a.Pmin))
	}
	if a.Has(AttrPmax) {
		out = append(out, codec.IntAttr("pmax", a.Pmax))
	}
	if a.Has(AttrGT) {
		out = append(out, codec.FloatAttr("gt", a.GT))
	}
	if a.Has(AttrLT) {
		out = append(out, codec.FloatAttr("lt", a.LT))
	}
	if a.Has(AttrST) {
		out = append(out, codec.FloatAttr("st", a.ST))
	}
	return out
}

// ParseQueries applies Write-Attributes Uri-Query options to a. A key
// without a value unassigns the attribute. gt, lt and st are only valid
// on resources.
func ParseQueries(a Attributes, queries []string, level lwm2m.Level) (Attributes, error) {
	for _, q := range queries {
		k, v, hasValue := strings.Cut(q, "=")
		var m Mask
		switch k {
		case "pmin":
			m = AttrPmin
		case "pmax":
			m = AttrPmax
		case "gt":
			m = AttrGT
		case "lt":
			m = AttrLT
		case "st":
			m = AttrST
		default:
			return a, fmt.Errorf("attribute %q: %w", k, errors.ErrBadRequest)
		}
		if m >= AttrGT && level != lwm2m.LevelResource {
			return a, fmt.Errorf("attribute %q above resource level: %w", k, errors.ErrBadRequest)
		}
		if !hasValue {
			a.Set &^= m
			continue
		}
		switch m {
		case AttrPmin, AttrPmax:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return a, fmt.Errorf("attribute %s=%q: %w", k, v, errors.ErrBadRequest)
			}
			if m == AttrPmin {
				a.Pmin = n
			} else {
				a.Pmax = n
			}
		default:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return a, fmt.Errorf("attribute %s=%q: %w", k, v, errors.ErrBadRequest)
			}
			switch m {
			case AttrGT:
				a.GT = f
			case AttrLT:
				a.LT = f
			case AttrST:
				a.ST = f
			}
		}
		a.Set |= m
	}
	return a, nil
}

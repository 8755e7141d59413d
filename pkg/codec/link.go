// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"strconv"
	"strings"

	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
)

// Attr is a link-format attribute. Quoted values are rendered in double
// quotes; an empty Value renders the bare key.
type Attr struct {
	Key    string
	Value  string
	Quoted bool
}

// IntAttr returns an unquoted numeric attribute.
func IntAttr(key string, v int64) Attr {
	return Attr{Key: key, Value: strconv.FormatInt(v, 10)}
}

// FloatAttr returns an unquoted float attribute.
func FloatAttr(key string, v float64) Attr {
	return Attr{Key: key, Value: strconv.FormatFloat(v, 'g', -1, 64)}
}

// Link is one entry of a link-format list.
type Link struct {
	// Target overrides Path when set, e.g. "/" or "/rd".
	Target string
	Path   lwm2m.Path
	Attrs  []Attr
}

func (l Link) target() string {
	if l.Target != "" {
		return l.Target
	}
	return l.Path.String()
}

// AppendLink appends a single link in CoRE link format.
func AppendLink(dst []byte, l Link) []byte {
	dst = append(dst, '<')
	dst = append(dst, l.target()...)
	dst = append(dst, '>')
	for _, a := range l.Attrs {
		dst = append(dst, ';')
		dst = append(dst, a.Key...)
		if a.Value == "" && !a.Quoted {
			continue
		}
		dst = append(dst, '=')
		if a.Quoted {
			dst = strconv.AppendQuote(dst, a.Value)
			continue
		}
		dst = append(dst, a.Value...)
	}
	return dst
}

// EncodeLinks joins links with commas.
func EncodeLinks(links []Link) []byte {
	var out []byte
	for n, l := range links {
		if n > 0 {
			out = append(out, ',')
		}
		out = AppendLink(out, l)
	}
	return out
}

// ParseLinks splits a link-format body. It is used by tests and by the
// transport to log register bodies.
func ParseLinks(body string) []Link {
	var links []Link
	for _, part := range splitTopLevel(body) {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "<") {
			continue
		}
		end := strings.IndexByte(part, '>')
		if end < 0 {
			continue
		}
		l := Link{Target: part[1:end]}
		if p, err := lwm2m.ParsePath(l.Target); err == nil {
			l.Path = p
		}
		for _, attr := range strings.Split(part[end+1:], ";") {
			if attr == "" {
				continue
			}
			k, v, _ := strings.Cut(attr, "=")
			a := Attr{Key: k, Value: v}
			if uq, err := strconv.Unquote(v); err == nil {
				a.Value, a.Quoted = uq, true
			}
			l.Attrs = append(l.Attrs, a)
		}
		links = append(links, l)
	}
	return links
}

func splitTopLevel(s string) []string {
	var parts []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

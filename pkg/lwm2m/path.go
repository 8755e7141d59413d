// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"fmt"
	"strconv"
	"strings"
)

// Object identifiers used by the carrier profiles.
const (
	ObjectSecurity               uint16 = 0
	ObjectServer                 uint16 = 1
	ObjectAccessControl          uint16 = 2
	ObjectDevice                 uint16 = 3
	ObjectConnectivityMonitoring uint16 = 4
	ObjectFirmware               uint16 = 5
	ObjectConnectivityStatistics uint16 = 7
	ObjectAPNConnectionProfile   uint16 = 11
	ObjectPortfolio              uint16 = 16
	ObjectConnectivityExtension  uint16 = 10308
)

// CarrierResourceID is the vendor-specific resource id range start used by
// carrier extensions on standard objects.
const CarrierResourceID uint16 = 30000

// NoInstance is the reserved instance id used by access control entries
// that govern object-level operations such as Create.
const NoInstance uint16 = 65535

// Level is the depth addressed by a Path.
type Level uint8

const (
	LevelRoot Level = iota
	LevelObject
	LevelInstance
	LevelResource
)

// String returns a string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelRoot:
		return "root"
	case LevelObject:
		return "object"
	case LevelInstance:
		return "instance"
	case LevelResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Path addresses an object, an instance or a resource.
type Path struct {
	Object   uint16
	Instance uint16
	Resource uint16
	Level    Level
}

// RootPath returns the path "/".
func RootPath() Path { return Path{} }

// ObjectPath returns /o.
func ObjectPath(o uint16) Path { return Path{Object: o, Level: LevelObject} }

// InstancePath returns /o/i.
func InstancePath(o, i uint16) Path { return Path{Object: o, Instance: i, Level: LevelInstance} }

// ResourcePath returns /o/i/r.
func ResourcePath(o, i, r uint16) Path {
	return Path{Object: o, Instance: i, Resource: r, Level: LevelResource}
}

// ParsePath parses a slash separated LwM2M URI. The empty string and "/"
// both denote the root.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return RootPath(), nil
	}
	return ParseSegments(strings.Split(s, "/"))
}

// ParseSegments parses Uri-Path option values.
func ParseSegments(segs []string) (Path, error) {
	var p Path
	if len(segs) > 3 {
		return p, fmt.Errorf("path %q: too many segments", strings.Join(segs, "/"))
	}
	for n, seg := range segs {
		v, err := strconv.ParseUint(seg, 10, 16)
		if err != nil {
			return Path{}, fmt.Errorf("path segment %q: %w", seg, err)
		}
		switch n {
		case 0:
			p.Object = uint16(v)
		case 1:
			p.Instance = uint16(v)
		case 2:
			p.Resource = uint16(v)
		}
		p.Level = Level(n + 1)
	}
	return p, nil
}

// String renders the path in URI form.
func (p Path) String() string {
	switch p.Level {
	case LevelObject:
		return fmt.Sprintf("/%d", p.Object)
	case LevelInstance:
		return fmt.Sprintf("/%d/%d", p.Object, p.Instance)
	case LevelResource:
		return fmt.Sprintf("/%d/%d/%d", p.Object, p.Instance, p.Resource)
	default:
		return "/"
	}
}

// Segments returns the Uri-Path option values of the path.
func (p Path) Segments() []string {
	if p.Level == LevelRoot {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p.String(), "/"), "/")
}

// Parent returns the path one level up. The parent of the root is the root.
func (p Path) Parent() Path {
	switch p.Level {
	case LevelResource:
		return InstancePath(p.Object, p.Instance)
	case LevelInstance:
		return ObjectPath(p.Object)
	default:
		return RootPath()
	}
}

// Contains reports whether q equals p or lies below it.
func (p Path) Contains(q Path) bool {
	if q.Level < p.Level {
		return false
	}
	if p.Level >= LevelObject && p.Object != q.Object {
		return false
	}
	if p.Level >= LevelInstance && p.Instance != q.Instance {
		return false
	}
	if p.Level >= LevelResource && p.Resource != q.Resource {
		return false
	}
	return true
}

// Overlaps reports whether either path contains the other.
func (p Path) Overlaps(q Path) bool {
	return p.Contains(q) || q.Contains(p)
}

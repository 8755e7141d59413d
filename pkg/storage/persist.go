// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/lwm2m-carrier/pkg/acl"
	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/observe"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/absmach/lwm2m-carrier/pkg/remote"
)

// ACLStore is the access control state a Persister saves. *acl.Table
// implements it.
type ACLStore interface {
	Entries() []acl.Entry
	Put(e acl.Entry) error
}

// Config wires a Persister to the state it saves.
type Config struct {
	KV       KV
	Registry *registry.Registry
	ACL      ACLStore
	Remote   *remote.Table
	Observe  *observe.Engine
	Logger   *slog.Logger
}

// Persister mirrors client state into a KV store.
type Persister struct {
	ctx     context.Context
	cfg     Config
	logger  *slog.Logger
	loading bool
}

// NewPersister returns a Persister. Call Attach to start mirroring.
func NewPersister(ctx context.Context, cfg Config) *Persister {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Persister{ctx: ctx, cfg: cfg, logger: cfg.Logger}
}

// Attach subscribes to registry events so that changes of persisted
// objects and the access control table are written through.
func (p *Persister) Attach() {
	p.cfg.Registry.OnChange(func(path lwm2m.Path) {
		if path.Object == lwm2m.ObjectAccessControl {
			p.saveACL()
			return
		}
		p.saveInstance(path)
	})
	p.cfg.Registry.OnCreate(func(path lwm2m.Path) {
		p.saveInstance(path)
		p.saveACL()
	})
	p.cfg.Registry.OnDelete(func(path lwm2m.Path) {
		if key, err := InstanceKey(path.Object, path.Instance); err == nil && !p.loading {
			if err := p.cfg.KV.Delete(p.ctx, key); err != nil {
				p.logger.Error("failed to delete instance record", slog.String("path", path.String()), slog.Any("error", err))
			}
		}
		p.saveACL()
	})
}

func (p *Persister) saveInstance(path lwm2m.Path) {
	if p.loading {
		return
	}
	if def, ok := p.cfg.Registry.Object(path.Object); !ok || !def.Persist {
		return
	}
	if err := p.SaveInstance(path.Object, path.Instance); err != nil {
		p.logger.Error("failed to save instance", slog.String("path", path.String()), slog.Any("error", err))
	}
}

func (p *Persister) saveACL() {
	if p.loading || p.cfg.ACL == nil {
		return
	}
	if err := p.SaveACL(); err != nil {
		p.logger.Error("failed to save access control", slog.Any("error", err))
	}
}

// SaveInstance writes the record of instance (o, i).
func (p *Persister) SaveInstance(o, i uint16) error {
	key, err := InstanceKey(o, i)
	if err != nil {
		return err
	}
	res, err := p.cfg.Registry.Snapshot(o, i)
	if err != nil {
		return err
	}
	body, err := codec.AppendResources(nil, res)
	if err != nil {
		return err
	}
	data, err := Marshal(InstanceRecord{Object: o, Instance: i, Resources: body})
	if err != nil {
		return err
	}
	return p.cfg.KV.Put(p.ctx, key, data)
}

// SaveACL writes every access control entry and removes stale ones.
func (p *Persister) SaveACL() error {
	entries := p.cfg.ACL.Entries()
	records := make(map[Key][]byte, len(entries))
	for _, e := range entries {
		key, err := RangeACL.Slot(e.ID)
		if err != nil {
			return err
		}
		data, err := Marshal(e)
		if err != nil {
			return err
		}
		records[key] = data
	}
	return p.replaceRange(RangeACL, records)
}

// SaveLocations writes the registration of every bound server.
func (p *Persister) SaveLocations() error {
	records := make(map[Key][]byte)
	for n, e := range p.cfg.Remote.Entries() {
		data, err := Marshal(LocationRecord{SSID: e.SSID, URI: e.URI, Location: e.Location})
		if err != nil {
			return err
		}
		records[RangeLocation+Key(n)] = data
	}
	return p.replaceRange(RangeLocation, records)
}

// SaveObservers writes every observation and attribute set.
func (p *Persister) SaveObservers() error {
	obs := make(map[Key][]byte)
	for n, o := range p.cfg.Observe.Observations() {
		key, err := RangeObserver.Slot(uint16(n))
		if err != nil {
			return err
		}
		data, err := Marshal(o)
		if err != nil {
			return err
		}
		obs[key] = data
	}
	if err := p.replaceRange(RangeObserver, obs); err != nil {
		return err
	}
	attrs := make(map[Key][]byte)
	for n, a := range p.cfg.Observe.Attributes() {
		key, err := RangeAttributes.Slot(uint16(n))
		if err != nil {
			return err
		}
		data, err := Marshal(a)
		if err != nil {
			return err
		}
		attrs[key] = data
	}
	return p.replaceRange(RangeAttributes, attrs)
}

func (p *Persister) replaceRange(r Key, records map[Key][]byte) error {
	keys, err := p.cfg.KV.Keys(p.ctx, r, r.Last())
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := records[k]; ok {
			continue
		}
		if err := p.cfg.KV.Delete(p.ctx, k); err != nil {
			return err
		}
	}
	for k, v := range records {
		if err := p.cfg.KV.Put(p.ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Load restores persisted objects: Security, Server, access control,
// registrations, the connectivity extension, APN profiles and Portfolio,
// in that order. Observations are restored separately by LoadObservers
// once firmware state has been checked. Corrupt records are skipped.
func (p *Persister) Load() error {
	p.loading = true
	defer func() { p.loading = false }()

	if err := p.loadRange(RangeSecurity); err != nil {
		return err
	}
	if err := p.loadRange(RangeServer); err != nil {
		return err
	}
	if err := p.loadACL(); err != nil {
		return err
	}
	if err := p.loadLocations(); err != nil {
		return err
	}
	if err := p.loadKey(KeyConnExtension); err != nil {
		return err
	}
	if err := p.loadRange(RangeAPN); err != nil {
		return err
	}
	return p.loadRange(RangePortfolio)
}

func (p *Persister) loadRange(r Key) error {
	keys, err := p.cfg.KV.Keys(p.ctx, r, r.Last())
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.loadKey(k); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) loadKey(k Key) error {
	data, err := p.cfg.KV.Get(p.ctx, k)
	switch {
	case errors.Is(err, errors.ErrStorageNotFound):
		return nil
	case err != nil:
		return err
	}
	var rec InstanceRecord
	if err := Unmarshal(data, &rec); err != nil {
		p.logger.Warn("skipping corrupt instance record", slog.String("key", k.String()), slog.Any("error", err))
		return nil
	}
	res, err := p.decodeResources(rec)
	if err != nil {
		p.logger.Warn("skipping corrupt instance record", slog.String("key", k.String()), slog.Any("error", err))
		return nil
	}
	if err := p.cfg.Registry.Restore(rec.Object, rec.Instance, res); err != nil {
		p.logger.Warn("failed to restore instance", slog.String("path", lwm2m.InstancePath(rec.Object, rec.Instance).String()), slog.Any("error", err))
	}
	return nil
}

func (p *Persister) decodeResources(rec InstanceRecord) ([]codec.Resource, error) {
	def, ok := p.cfg.Registry.Object(rec.Object)
	if !ok {
		return nil, fmt.Errorf("object %d: %w", rec.Object, errors.ErrNotFound)
	}
	var res []codec.Resource
	err := codec.DecodeAll(rec.Resources, func(t codec.TLV) error {
		rd, ok := def.Resource(t.ID)
		if !ok {
			return nil
		}
		v, err := codec.DecodeResource(t, rd.Kind)
		if err != nil {
			return err
		}
		res = append(res, codec.Resource{ID: t.ID, Value: v})
		return nil
	})
	return res, err
}

func (p *Persister) loadACL() error {
	if p.cfg.ACL == nil {
		return nil
	}
	keys, err := p.cfg.KV.Keys(p.ctx, RangeACL, RangeACL.Last())
	if err != nil {
		return err
	}
	for _, k := range keys {
		data, err := p.cfg.KV.Get(p.ctx, k)
		if err != nil {
			return err
		}
		var e acl.Entry
		if err := Unmarshal(data, &e); err != nil {
			p.logger.Warn("skipping corrupt access control record", slog.String("key", k.String()), slog.Any("error", err))
			continue
		}
		if err := p.cfg.ACL.Put(e); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) loadLocations() error {
	if p.cfg.Remote == nil {
		return nil
	}
	keys, err := p.cfg.KV.Keys(p.ctx, RangeLocation, RangeLocation.Last())
	if err != nil {
		return err
	}
	for _, k := range keys {
		data, err := p.cfg.KV.Get(p.ctx, k)
		if err != nil {
			return err
		}
		var rec LocationRecord
		if err := Unmarshal(data, &rec); err != nil {
			p.logger.Warn("skipping corrupt location record", slog.String("key", k.String()), slog.Any("error", err))
			continue
		}
		if err := p.cfg.Remote.Bind(rec.SSID, rec.URI); err != nil {
			continue
		}
		if len(rec.Location) > 0 {
			_ = p.cfg.Remote.SetLocation(rec.SSID, rec.Location)
		}
	}
	return nil
}

// LoadObservers restores persisted observations and attributes.
func (p *Persister) LoadObservers() error {
	var (
		obs   []observe.Observation
		attrs []observe.AttrRecord
	)
	if err := p.each(RangeObserver, func(k Key, data []byte) {
		var o observe.Observation
		if err := Unmarshal(data, &o); err != nil {
			p.logger.Warn("skipping corrupt observation record", slog.String("key", k.String()), slog.Any("error", err))
			return
		}
		obs = append(obs, o)
	}); err != nil {
		return err
	}
	if err := p.each(RangeAttributes, func(k Key, data []byte) {
		var a observe.AttrRecord
		if err := Unmarshal(data, &a); err != nil {
			p.logger.Warn("skipping corrupt attribute record", slog.String("key", k.String()), slog.Any("error", err))
			return
		}
		attrs = append(attrs, a)
	}); err != nil {
		return err
	}
	p.cfg.Observe.Restore(obs, attrs)
	return nil
}

func (p *Persister) each(r Key, fn func(Key, []byte)) error {
	keys, err := p.cfg.KV.Keys(p.ctx, r, r.Last())
	if err != nil {
		return err
	}
	for _, k := range keys {
		data, err := p.cfg.KV.Get(p.ctx, k)
		if err != nil {
			return err
		}
		fn(k, data)
	}
	return nil
}

// Wipe removes every record except the firmware history.
func (p *Persister) Wipe() error {
	keys, err := p.cfg.KV.Keys(p.ctx, 0, 0xFFFF)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if immutable[k] {
			continue
		}
		if err := p.cfg.KV.Delete(p.ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Bool returns the flag stored under key, false when absent.
func (p *Persister) Bool(key Key) (bool, error) {
	var b bool
	err := p.get(key, &b)
	return b, err
}

// SetBool stores a flag.
func (p *Persister) SetBool(key Key, v bool) error {
	return p.put(key, v)
}

// String returns the string stored under key, empty when absent.
func (p *Persister) String(key Key) (string, error) {
	var s string
	err := p.get(key, &s)
	return s, err
}

// SetString stores a string.
func (p *Persister) SetString(key Key, v string) error {
	return p.put(key, v)
}

// Int returns the integer stored under key, zero when absent.
func (p *Persister) Int(key Key) (int64, error) {
	var n int64
	err := p.get(key, &n)
	return n, err
}

// SetInt stores an integer.
func (p *Persister) SetInt(key Key, v int64) error {
	return p.put(key, v)
}

// Value decodes the record under key into v. A missing key leaves v
// unchanged and returns nil.
func (p *Persister) Value(key Key, v any) error {
	return p.get(key, v)
}

// SetValue stores v under key.
func (p *Persister) SetValue(key Key, v any) error {
	return p.put(key, v)
}

// Delete removes key.
func (p *Persister) Delete(key Key) error {
	return p.cfg.KV.Delete(p.ctx, key)
}

func (p *Persister) get(key Key, v any) error {
	data, err := p.cfg.KV.Get(p.ctx, key)
	switch {
	case errors.Is(err, errors.ErrStorageNotFound):
		return nil
	case err != nil:
		return err
	}
	return Unmarshal(data, v)
}

func (p *Persister) put(key Key, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	return p.cfg.KV.Put(p.ctx, key, data)
}

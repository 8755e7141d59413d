// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	// DefaultMaxObservers bounds observation records.
	DefaultMaxObservers = 64

	// DefaultMaxAttributed bounds paths carrying notification attributes.
	DefaultMaxAttributed = 30

	// sendRetry is the wait after a notification could not be queued.
	sendRetry = time.Second

	observeMask = 0xFFFFFF
)

// Sender queues notifications towards a server.
type Sender interface {
	Notify(ssid uint16, n *lwm2m.Notification) error
}

// Metrics receives notification counters. A nil Metrics is ignored.
type Metrics interface {
	Notification(ssid uint16, confirmable bool)
	ObservationCount(n int)
}

// Observation is an active observe relation.
type Observation struct {
	SSID   uint16            `cbor:"1,keyasint"`
	Token  []byte            `cbor:"2,keyasint"`
	Path   lwm2m.Path        `cbor:"3,keyasint"`
	Format message.MediaType `cbor:"4,keyasint"`
	Seq    uint32            `cbor:"5,keyasint"`

	LastNotify time.Time `cbor:"-"`
	LastCON    time.Time `cbor:"-"`

	payload   []byte
	number    float64
	numeric   bool
	pending   bool
	holdUntil time.Time
}

// AttrRecord is the attribute set assigned at one path for one server.
type AttrRecord struct {
	SSID  uint16     `cbor:"1,keyasint"`
	Path  lwm2m.Path `cbor:"2,keyasint"`
	Attrs Attributes `cbor:"3,keyasint"`
}

type attrKey struct {
	ssid uint16
	path lwm2m.Path
}

// Config configures an Engine.
type Config struct {
	Registry *registry.Registry
	Sender   Sender
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  Metrics

	// ConInterval is the minimum gap between confirmable notifications
	// to one observer; zero sends every notification non-confirmable.
	ConInterval time.Duration

	MaxObservers  int
	MaxAttributed int

	// Defaults returns the Server object default pmin and pmax of ssid.
	Defaults func(ssid uint16) (pmin, pmax int64)

	// Ready reports whether ssid can currently receive notifications.
	Ready func(ssid uint16) bool

	// OnChange is called after observations or attributes change so they
	// can be persisted.
	OnChange func()
}

// Engine tracks observations.
type Engine struct {
	cfg   Config
	obs   []*Observation
	attrs map[attrKey]Attributes
}

// New returns an Engine and subscribes it to registry changes and
// deletions.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxObservers <= 0 {
		cfg.MaxObservers = DefaultMaxObservers
	}
	if cfg.MaxAttributed <= 0 {
		cfg.MaxAttributed = DefaultMaxAttributed
	}
	e := &Engine{cfg: cfg, attrs: make(map[attrKey]Attributes)}
	if cfg.Registry != nil {
		cfg.Registry.OnChange(e.Changed)
		cfg.Registry.OnDelete(e.Deleted)
		cfg.Registry.SetAttrSource(e)
	}
	return e
}

// SetConInterval changes the confirmable notification interval.
func (e *Engine) SetConInterval(d time.Duration) {
	e.cfg.ConInterval = d
}

// Observe registers an observation for c on p and returns the initial
// notification as the response.
func (e *Engine) Observe(c registry.Caller, p lwm2m.Path, req *lwm2m.Request) *lwm2m.Response {
	resp, err := e.observe(c, p, req)
	if err != nil {
		e.cfg.Logger.Debug("observe rejected",
			slog.String("path", p.String()),
			slog.Int("ssid", int(c.SSID)),
			slog.Any("error", err))
		return lwm2m.NewResponse(errors.Code(err))
	}
	return resp
}

func (e *Engine) observe(c registry.Caller, p lwm2m.Path, req *lwm2m.Request) (*lwm2m.Response, error) {
	if p.Level == lwm2m.LevelRoot {
		return nil, fmt.Errorf("observe /: %w", errors.ErrMethodNotAllowed)
	}
	if err := e.cfg.Registry.Authorize(c, p, lwm2m.PermObserve); err != nil {
		return nil, err
	}
	format, payload, err := e.cfg.Registry.Encode(c, p, req.Accept)
	if err != nil {
		return nil, err
	}

	now := e.cfg.Clock.Now()
	o := e.find(c.SSID, p)
	if o == nil {
		if len(e.obs) >= e.cfg.MaxObservers {
			return nil, fmt.Errorf("observe %s: %w", p, errors.ErrLimit)
		}
		o = &Observation{SSID: c.SSID, Path: p}
		e.obs = append(e.obs, o)
	}
	o.Token = slices.Clone(req.Token)
	o.Format = format
	o.Seq = 0
	o.LastNotify = now
	o.LastCON = now
	o.pending = false
	o.holdUntil = time.Time{}
	e.snapshot(o, payload)

	e.cfg.Logger.Info("observation registered",
		slog.String("path", p.String()),
		slog.Int("ssid", int(c.SSID)))
	e.changed()

	resp := lwm2m.Content(format, payload)
	resp.Observe = int(o.Seq)
	return resp, nil
}

// Cancel removes the observation of ssid on p.
func (e *Engine) Cancel(ssid uint16, p lwm2m.Path) error {
	for n, o := range e.obs {
		if o.SSID == ssid && o.Path == p {
			e.remove(n, "cancelled")
			return nil
		}
	}
	return fmt.Errorf("observation %s [ssid %d]: %w", p, ssid, errors.ErrNotFound)
}

// CancelRequest handles a GET with Observe=1: it cancels the observation
// and answers with the current value.
func (e *Engine) CancelRequest(c registry.Caller, p lwm2m.Path, req *lwm2m.Request) *lwm2m.Response {
	if err := e.cfg.Registry.Authorize(c, p, lwm2m.PermObserve); err != nil {
		return lwm2m.NewResponse(errors.Code(err))
	}
	if err := e.Cancel(c.SSID, p); err != nil {
		e.cfg.Logger.Debug("cancel without observation",
			slog.String("path", p.String()),
			slog.Int("ssid", int(c.SSID)),
			slog.Any("error", err))
	}
	format, payload, err := e.cfg.Registry.Encode(c, p, req.Accept)
	if err != nil {
		return lwm2m.NewResponse(errors.Code(err))
	}
	return lwm2m.Content(format, payload)
}

// NotifyResult handles the outcome of a confirmable notification. A reset
// or timeout cancels the matching observation.
func (e *Engine) NotifyResult(token []byte, err error) {
	if err == nil {
		return
	}
	if !errors.Is(err, errors.ErrReset) && !errors.Is(err, errors.ErrTimeout) {
		return
	}
	for n, o := range e.obs {
		if bytes.Equal(o.Token, token) {
			e.remove(n, "reset")
			return
		}
	}
}

// Deregistered drops every observation and attribute of ssid.
func (e *Engine) Deregistered(ssid uint16) {
	removed := false
	e.obs = slices.DeleteFunc(e.obs, func(o *Observation) bool {
		if o.SSID == ssid {
			removed = true
			return true
		}
		return false
	})
	for k := range e.attrs {
		if k.ssid == ssid {
			delete(e.attrs, k)
			removed = true
		}
	}
	if removed {
		e.changed()
	}
}

// Deleted drops observations and attributes on or below p. It is a
// registry delete listener.
func (e *Engine) Deleted(p lwm2m.Path) {
	removed := false
	e.obs = slices.DeleteFunc(e.obs, func(o *Observation) bool {
		if p.Contains(o.Path) {
			removed = true
			return true
		}
		return false
	})
	for k := range e.attrs {
		if p.Contains(k.path) {
			delete(e.attrs, k)
			removed = true
		}
	}
	if removed {
		e.changed()
	}
}

// Changed marks observations overlapping p whose value now satisfies the
// change policy. It is a registry change listener.
func (e *Engine) Changed(p lwm2m.Path) {
	for _, o := range e.obs {
		if !o.Path.Overlaps(p) {
			continue
		}
		if e.differs(o) {
			o.pending = true
		}
	}
}

// Tick emits every notification that is due.
func (e *Engine) Tick() {
	now := e.cfg.Clock.Now()
	for _, o := range slices.Clone(e.obs) {
		if !slices.Contains(e.obs, o) {
			continue
		}
		if e.cfg.Ready != nil && !e.cfg.Ready(o.SSID) {
			continue
		}
		if now.Before(o.holdUntil) {
			continue
		}
		a := e.Effective(o.SSID, o.Path)
		since := now.Sub(o.LastNotify)
		if since < seconds(a.Pmin) {
			continue
		}
		due := a.Pmax > 0 && since >= seconds(a.Pmax)
		if !due && !o.pending {
			continue
		}
		if !due && !e.differs(o) {
			o.pending = false
			continue
		}
		e.emit(o, now)
	}
}

// NextDeadline returns the earliest time Tick has work to do.
func (e *Engine) NextDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(best) {
			best, found = t, true
		}
	}
	for _, o := range e.obs {
		if e.cfg.Ready != nil && !e.cfg.Ready(o.SSID) {
			continue
		}
		a := e.Effective(o.SSID, o.Path)
		var next time.Time
		switch {
		case o.pending:
			next = o.LastNotify.Add(seconds(a.Pmin))
		case a.Pmax > 0:
			next = o.LastNotify.Add(seconds(a.Pmax))
		default:
			continue
		}
		if next.Before(o.holdUntil) {
			next = o.holdUntil
		}
		consider(next)
	}
	return best, found
}

func (e *Engine) emit(o *Observation, now time.Time) {
	_, payload, err := e.cfg.Registry.Encode(registry.Caller{SSID: o.SSID}, o.Path, o.Format)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrUnauthorized) {
			e.drop(o, "target gone")
			return
		}
		e.cfg.Logger.Warn("failed to encode notification",
			slog.String("path", o.Path.String()),
			slog.Int("ssid", int(o.SSID)),
			slog.Any("error", err))
		o.holdUntil = now.Add(sendRetry)
		return
	}

	confirmable := e.cfg.ConInterval > 0 && now.Sub(o.LastCON) >= e.cfg.ConInterval
	seq := (o.Seq + 1) & observeMask
	n := &lwm2m.Notification{
		SSID:          o.SSID,
		Token:         o.Token,
		Path:          o.Path,
		Observe:       seq,
		ContentFormat: o.Format,
		Payload:       payload,
		Confirmable:   confirmable,
	}
	if err := e.cfg.Sender.Notify(o.SSID, n); err != nil {
		e.cfg.Logger.Warn("failed to send notification",
			slog.String("path", o.Path.String()),
			slog.Int("ssid", int(o.SSID)),
			slog.Any("error", err))
		o.holdUntil = now.Add(sendRetry)
		return
	}
	o.Seq = seq
	o.LastNotify = now
	if confirmable {
		o.LastCON = now
	}
	o.pending = false
	o.holdUntil = time.Time{}
	e.snapshot(o, payload)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Notification(o.SSID, confirmable)
	}
}

// differs reports whether the current value satisfies the change policy
// against the last reported one.
func (e *Engine) differs(o *Observation) bool {
	if o.numeric {
		v, err := e.cfg.Registry.Read(o.Path)
		if err != nil {
			return false
		}
		cur, ok := v.Number()
		if !ok {
			return false
		}
		return numericChange(e.Effective(o.SSID, o.Path), o.number, cur)
	}
	_, payload, err := e.cfg.Registry.Encode(registry.Caller{SSID: o.SSID}, o.Path, o.Format)
	if err != nil {
		return false
	}
	return !bytes.Equal(payload, o.payload)
}

func numericChange(a Attributes, last, cur float64) bool {
	if !a.Has(AttrGT) && !a.Has(AttrLT) && !a.Has(AttrST) {
		return cur != last
	}
	if a.Has(AttrST) && math.Abs(cur-last) >= a.ST {
		return true
	}
	if a.Has(AttrGT) && (last > a.GT) != (cur > a.GT) {
		return true
	}
	if a.Has(AttrLT) && (last < a.LT) != (cur < a.LT) {
		return true
	}
	return false
}

func (e *Engine) snapshot(o *Observation, payload []byte) {
	o.payload = slices.Clone(payload)
	o.numeric = false
	if o.Path.Level != lwm2m.LevelResource {
		return
	}
	v, err := e.cfg.Registry.Read(o.Path)
	if err != nil {
		return
	}
	if n, ok := v.Number(); ok {
		o.number, o.numeric = n, true
	}
}

// WriteAttributes assigns the attributes in queries at p for c.
func (e *Engine) WriteAttributes(c registry.Caller, p lwm2m.Path, queries []string) *lwm2m.Response {
	if err := e.writeAttributes(c, p, queries); err != nil {
		e.cfg.Logger.Debug("write attributes rejected",
			slog.String("path", p.String()),
			slog.Int("ssid", int(c.SSID)),
			slog.Any("error", err))
		return lwm2m.NewResponse(errors.Code(err))
	}
	return lwm2m.NewResponse(codes.Changed)
}

func (e *Engine) writeAttributes(c registry.Caller, p lwm2m.Path, queries []string) error {
	if p.Level == lwm2m.LevelRoot {
		return fmt.Errorf("attributes on /: %w", errors.ErrMethodNotAllowed)
	}
	if err := e.cfg.Registry.Authorize(c, p, lwm2m.PermObserve); err != nil {
		return err
	}
	if !e.cfg.Registry.Exists(p) {
		return fmt.Errorf("attributes on %s: %w", p, errors.ErrNotFound)
	}
	if p.Level == lwm2m.LevelResource && hasThreshold(queries) {
		v, err := e.cfg.Registry.Read(p)
		if err != nil {
			return err
		}
		if _, ok := v.Number(); !ok {
			return fmt.Errorf("threshold on non-numeric %s: %w", p, errors.ErrBadRequest)
		}
	}

	key := attrKey{ssid: c.SSID, path: p}
	cur, exists := e.attrs[key]
	next, err := ParseQueries(cur, queries, p.Level)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := e.Effective(c.SSID, p).Merge(next).Validate(); err != nil {
		return err
	}
	if next.Set == 0 {
		delete(e.attrs, key)
		e.changed()
		return nil
	}
	if !exists && len(e.attrs) >= e.cfg.MaxAttributed {
		return fmt.Errorf("attributes on %s: %w", p, errors.ErrLimit)
	}
	e.attrs[key] = next
	e.changed()
	return nil
}

func hasThreshold(queries []string) bool {
	for _, q := range queries {
		k, _, _ := strings.Cut(q, "=")
		if k == "gt" || k == "lt" || k == "st" {
			return true
		}
	}
	return false
}

// Effective resolves the attributes of ssid on p: resource over instance
// over object over Server defaults.
func (e *Engine) Effective(ssid uint16, p lwm2m.Path) Attributes {
	var a Attributes
	if e.cfg.Defaults != nil {
		pmin, pmax := e.cfg.Defaults(ssid)
		// An unset Server default maximum period does not bound pmin.
		a = Attributes{Pmin: pmin, Pmax: pmax, Set: AttrPmin}
		if pmax > 0 {
			a.Set |= AttrPmax
		}
	}
	levels := []lwm2m.Path{lwm2m.ObjectPath(p.Object)}
	if p.Level >= lwm2m.LevelInstance {
		levels = append(levels, lwm2m.InstancePath(p.Object, p.Instance))
	}
	if p.Level == lwm2m.LevelResource {
		levels = append(levels, p)
	}
	for _, lp := range levels {
		if la, ok := e.attrs[attrKey{ssid: ssid, path: lp}]; ok {
			a = a.Merge(la)
		}
	}
	return a
}

// LinkAttrs returns the attributes assigned exactly at p for ssid.
func (e *Engine) LinkAttrs(ssid uint16, p lwm2m.Path) []codec.Attr {
	a, ok := e.attrs[attrKey{ssid: ssid, path: p}]
	if !ok {
		return nil
	}
	return a.Links()
}

// Observations returns copies of the active observations.
func (e *Engine) Observations() []Observation {
	out := make([]Observation, len(e.obs))
	for n, o := range e.obs {
		out[n] = *o
		out[n].Token = slices.Clone(o.Token)
	}
	return out
}

// Attributes returns every assigned attribute set ordered by server and
// path.
func (e *Engine) Attributes() []AttrRecord {
	out := make([]AttrRecord, 0, len(e.attrs))
	for k, a := range e.attrs {
		out = append(out, AttrRecord{SSID: k.ssid, Path: k.path, Attrs: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SSID != out[j].SSID {
			return out[i].SSID < out[j].SSID
		}
		return out[i].Path.String() < out[j].Path.String()
	})
	return out
}

// Restore reinstates persisted observations and attributes. Observations
// whose target no longer exists are dropped.
func (e *Engine) Restore(obs []Observation, attrs []AttrRecord) {
	now := e.cfg.Clock.Now()
	for _, r := range attrs {
		if len(e.attrs) >= e.cfg.MaxAttributed {
			break
		}
		e.attrs[attrKey{ssid: r.SSID, path: r.Path}] = r.Attrs
	}
	for _, r := range obs {
		if len(e.obs) >= e.cfg.MaxObservers || !e.cfg.Registry.Exists(r.Path) {
			continue
		}
		o := r
		o.Token = slices.Clone(r.Token)
		o.LastNotify, o.LastCON = now, now
		_, payload, err := e.cfg.Registry.Encode(registry.Caller{SSID: o.SSID}, o.Path, o.Format)
		if err != nil {
			continue
		}
		e.snapshot(&o, payload)
		e.obs = append(e.obs, &o)
	}
	e.report()
}

// Clear drops every observation and attribute.
func (e *Engine) Clear() {
	e.obs = nil
	clear(e.attrs)
	e.report()
}

// Len returns the number of active observations.
func (e *Engine) Len() int {
	return len(e.obs)
}

func (e *Engine) find(ssid uint16, p lwm2m.Path) *Observation {
	for _, o := range e.obs {
		if o.SSID == ssid && o.Path == p {
			return o
		}
	}
	return nil
}

func (e *Engine) drop(o *Observation, reason string) {
	for n := range e.obs {
		if e.obs[n] == o {
			e.remove(n, reason)
			return
		}
	}
}

func (e *Engine) remove(n int, reason string) {
	o := e.obs[n]
	e.obs = slices.Delete(e.obs, n, n+1)
	e.cfg.Logger.Info("observation removed",
		slog.String("path", o.Path.String()),
		slog.Int("ssid", int(o.SSID)),
		slog.String("reason", reason))
	e.changed()
}

func (e *Engine) changed() {
	e.report()
	if e.cfg.OnChange != nil {
		e.cfg.OnChange()
	}
}

func (e *Engine) report() {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ObservationCount(len(e.obs))
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

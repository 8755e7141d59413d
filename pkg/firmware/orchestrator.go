// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/clock"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
	"github.com/absmach/lwm2m-carrier/pkg/storage"
	"github.com/google/uuid"
)

// DefaultMaxRetries bounds the resumes of one pull download.
const DefaultMaxRetries = 5

// Config wires an Orchestrator.
type Config struct {
	Registry   *registry.Registry
	Store      *storage.Persister
	Image      Image
	Downloader Downloader
	Host       lwm2m.Host

	// Reboot restarts the device so the host applies the staged image.
	Reboot func()

	// Post runs f on the client loop. Download completions go through
	// it. When nil f runs inline.
	Post func(f func())

	// After runs f once d has elapsed. When nil Clock.AfterFunc is used.
	After func(d time.Duration, f func())
	Clock clock.Clock

	// OnState observes state changes.
	OnState func(State)

	MaxRetries int
	Protocols  []int64
	Logger     *slog.Logger
}

// Orchestrator drives firmware updates and is instance 0 of object 5.
type Orchestrator struct {
	ctx    context.Context
	cfg    Config
	logger *slog.Logger

	state       State
	result      Result
	uri         string
	imageState  ImageState
	updateState UpdateState
	name        string
	version     string

	job       uuid.UUID
	resume    storage.FirmwareResume
	suspended bool
}

// New returns an Orchestrator. Register adds it to the tree and Boot
// restores its persisted state.
func New(ctx context.Context, cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.After == nil {
		clk := cfg.Clock
		cfg.After = func(d time.Duration, f func()) { clk.AfterFunc(d, f) }
	}
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []int64{ProtocolCoAP, ProtocolCoAPS}
	}
	return &Orchestrator{ctx: ctx, cfg: cfg, logger: cfg.Logger}
}

// Register adds the Firmware Update object and its instance.
func (o *Orchestrator) Register() error {
	if err := o.cfg.Registry.Register(object()); err != nil {
		return err
	}
	return o.Reinstate()
}

// Reinstate adds the instance back after the tree was cleared.
func (o *Orchestrator) Reinstate() error {
	return o.cfg.Registry.AddInstance(lwm2m.ObjectFirmware, o)
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Result returns the current update result.
func (o *Orchestrator) Result() Result { return o.result }

// UpdateState returns the persisted update state.
func (o *Orchestrator) UpdateState() UpdateState { return o.updateState }

// Boot restores persisted state. An update scheduled before the reboot
// is resolved by comparing the running firmware version with the one
// recorded when Update was executed.
func (o *Orchestrator) Boot() error {
	st := o.cfg.Store
	image, err := st.Int(storage.KeyImageState)
	if err != nil {
		return err
	}
	update, err := st.Int(storage.KeyUpdateState)
	if err != nil {
		return err
	}
	if o.uri, err = st.String(storage.KeyFirmwareURI); err != nil {
		return err
	}
	if err := st.Value(storage.KeyFirmwareResume, &o.resume); err != nil {
		o.logger.Warn("discarding firmware resume record", slog.Any("error", err))
		o.resume = storage.FirmwareResume{}
	}
	o.imageState = ImageState(image)
	o.updateState = UpdateState(update)

	running := o.runningVersion()
	last, err := st.String(storage.KeyLastFirmwareVersion)
	if err != nil {
		return err
	}

	switch {
	case o.updateState == UpdateScheduled:
		o.updateState = UpdateExecuted
		result := ResultUpdateFailed
		if running != "" && running != last {
			result = ResultSuccess
		}
		o.logger.Info("firmware update executed",
			slog.String("previous", last),
			slog.String("running", running),
			slog.Int64("result", int64(result)))
		return o.reset(result)
	case o.imageState == ImageReady:
		o.setState(StateDownloaded)
	case o.imageState == ImageDownloadingPull && o.resume.URI != "":
		o.uri = o.resume.URI
		o.suspended = true
		o.setState(StateDownloading)
	case o.imageState != ImageNone:
		// A push cannot be resumed.
		return o.reset(ResultConnectionLost)
	}
	if last == "" && running != "" {
		return st.SetString(storage.KeyLastFirmwareVersion, running)
	}
	return nil
}

// Resume restarts a pull download interrupted by a connectivity loss.
// It is a no-op unless a download is suspended.
func (o *Orchestrator) Resume() {
	if o.state != StateDownloading || !o.suspended || o.imageState != ImageDownloadingPull {
		return
	}
	o.suspended = false
	o.start(o.uri, o.cfg.Image.Size())
}

// Suspend pauses the running pull download until Resume.
func (o *Orchestrator) Suspend() {
	if o.state != StateDownloading || o.imageState != ImageDownloadingPull || o.job == uuid.Nil {
		return
	}
	o.cfg.Downloader.Cancel(o.job)
	o.job = uuid.Nil
	o.suspended = true
}

func (o *Orchestrator) InstanceID() uint16 { return 0 }

func (o *Orchestrator) Read(rid uint16) (lwm2m.Value, error) {
	switch rid {
	case ResPackageURI:
		return lwm2m.String(o.uri), nil
	case ResState:
		return lwm2m.Int(int64(o.state)), nil
	case ResResult:
		return lwm2m.Int(int64(o.result)), nil
	case ResName:
		return lwm2m.String(o.name), nil
	case ResVersion:
		return lwm2m.String(o.version), nil
	case ResProtocols:
		return lwm2m.IntList(o.cfg.Protocols...), nil
	case ResDelivery:
		return lwm2m.Int(DeliveryBoth), nil
	default:
		return lwm2m.Value{}, errors.ErrNotFound
	}
}

func (o *Orchestrator) Write(rid uint16, v lwm2m.Value) error {
	switch rid {
	case ResPackageURI:
		return o.writeURI(v.Str)
	case ResPackage:
		return o.push(v.Bytes)
	default:
		return errors.ErrMethodNotAllowed
	}
}

func (o *Orchestrator) Execute(rid uint16, _ []byte) error {
	if rid != ResUpdate {
		return errors.ErrMethodNotAllowed
	}
	if o.state != StateDownloaded {
		return fmt.Errorf("update in state %s: %w", o.state, errors.ErrMethodNotAllowed)
	}
	if running := o.runningVersion(); running != "" {
		if err := o.cfg.Store.SetString(storage.KeyLastFirmwareVersion, running); err != nil {
			return err
		}
	}
	o.updateState = UpdateScheduled
	if err := o.persistStates(); err != nil {
		o.updateState = UpdateNone
		return err
	}
	o.setState(StateUpdating)
	o.logger.Info("firmware update scheduled, rebooting")
	if o.cfg.Reboot != nil {
		o.cfg.After(0, o.cfg.Reboot)
	}
	return nil
}

// cancel resets an idle, downloading or downloaded update. An update
// that is already being applied cannot be cancelled.
func (o *Orchestrator) cancel() error {
	if o.state == StateUpdating {
		return fmt.Errorf("cancel in state %s: %w", o.state, errors.ErrMethodNotAllowed)
	}
	o.logger.Info("firmware update cancelled")
	return o.reset(ResultInitial)
}

func (o *Orchestrator) writeURI(uri string) error {
	if uri == "" {
		return o.cancel()
	}
	if o.state != StateIdle {
		return fmt.Errorf("package uri in state %s: %w", o.state, errors.ErrBadRequest)
	}
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		o.setResult(ResultInvalidURI)
		return nil
	}
	if !slices.Contains(o.cfg.Protocols, protocol(u.Scheme)) {
		o.setResult(ResultUnsupportedProtocol)
		return nil
	}
	if err := o.cfg.Image.Clear(); err != nil {
		return err
	}
	o.uri = uri
	o.resume = storage.FirmwareResume{URI: uri}
	o.imageState = ImageDownloadingPull
	o.setResult(ResultInitial)
	o.setState(StateDownloading)
	if err := o.persistStates(); err != nil {
		return err
	}
	o.start(uri, 0)
	return nil
}

func (o *Orchestrator) push(data []byte) error {
	if len(data) == 0 {
		return o.cancel()
	}
	if o.state != StateIdle {
		return fmt.Errorf("package in state %s: %w", o.state, errors.ErrBadRequest)
	}
	if err := o.cfg.Image.Clear(); err != nil {
		return err
	}
	o.imageState = ImageDownloadingPush
	o.setResult(ResultInitial)
	o.setState(StateDownloading)
	if err := o.cfg.Image.Append(data); err != nil {
		return o.reset(resultFor(err))
	}
	return o.complete()
}

func (o *Orchestrator) start(uri string, offset int64) {
	id := uuid.New()
	o.job = id
	o.resume.URI = uri
	o.resume.Offset = offset
	o.logger.Info("starting firmware download",
		slog.String("job", id.String()),
		slog.String("uri", uri),
		slog.Int64("offset", offset))
	if err := o.cfg.Downloader.Download(o.ctx, Job{ID: id, URI: uri, Offset: offset}, sink{o}); err != nil {
		o.done(id, err)
	}
}

type sink struct{ o *Orchestrator }

func (s sink) OnBlock(id uuid.UUID, offset int64, data []byte) {
	s.o.cfg.Post(func() { s.o.block(id, offset, data) })
}

func (s sink) OnDone(id uuid.UUID, err error) {
	s.o.cfg.Post(func() { s.o.done(id, err) })
}

func (o *Orchestrator) block(id uuid.UUID, offset int64, data []byte) {
	if id != o.job {
		return
	}
	if size := o.cfg.Image.Size(); offset != size {
		o.logger.Debug("dropping out of order firmware block",
			slog.Int64("offset", offset), slog.Int64("staged", size))
		return
	}
	if err := o.cfg.Image.Append(data); err != nil {
		o.cfg.Downloader.Cancel(id)
		o.job = uuid.Nil
		if err := o.reset(resultFor(err)); err != nil {
			o.logger.Error("failed to reset firmware state", slog.Any("error", err))
		}
		return
	}
	o.resume.Offset = o.cfg.Image.Size()
	if err := o.cfg.Store.SetValue(storage.KeyFirmwareResume, o.resume); err != nil {
		o.logger.Warn("failed to store firmware resume offset", slog.Any("error", err))
	}
}

func (o *Orchestrator) done(id uuid.UUID, err error) {
	if id != o.job {
		return
	}
	o.job = uuid.Nil
	if err == nil {
		if err := o.complete(); err != nil {
			o.logger.Error("failed to complete firmware download", slog.Any("error", err))
		}
		return
	}
	if transient(err) {
		o.resume.Retries++
		if o.resume.Retries <= o.cfg.MaxRetries {
			o.suspended = true
			o.logger.Warn("firmware download interrupted",
				slog.Int("retries", o.resume.Retries),
				slog.Int64("offset", o.cfg.Image.Size()),
				slog.Any("error", err))
			if err := o.cfg.Store.SetValue(storage.KeyFirmwareResume, o.resume); err != nil {
				o.logger.Warn("failed to store firmware resume offset", slog.Any("error", err))
			}
			return
		}
	}
	o.logger.Warn("firmware download failed", slog.Any("error", err))
	if err := o.reset(resultFor(err)); err != nil {
		o.logger.Error("failed to reset firmware state", slog.Any("error", err))
	}
}

// complete verifies the staged image and moves to DOWNLOADED.
func (o *Orchestrator) complete() error {
	if err := o.cfg.Image.Verify(); err != nil {
		o.logger.Warn("firmware image rejected", slog.Any("error", err))
		return o.reset(ResultIntegrity)
	}
	o.imageState = ImageReady
	o.resume = storage.FirmwareResume{}
	if err := o.cfg.Store.Delete(storage.KeyFirmwareResume); err != nil {
		return err
	}
	if err := o.persistStates(); err != nil {
		return err
	}
	o.setResult(ResultInitial)
	o.setState(StateDownloaded)
	o.logger.Info("firmware image downloaded", slog.Int64("size", o.cfg.Image.Size()))
	return nil
}

// reset discards any staged image and returns to IDLE with result r.
func (o *Orchestrator) reset(r Result) error {
	if o.job != uuid.Nil {
		o.cfg.Downloader.Cancel(o.job)
		o.job = uuid.Nil
	}
	o.suspended = false
	if err := o.cfg.Image.Clear(); err != nil {
		return err
	}
	o.uri = ""
	o.imageState = ImageNone
	o.resume = storage.FirmwareResume{}
	if err := o.cfg.Store.Delete(storage.KeyFirmwareResume); err != nil {
		return err
	}
	if err := o.persistStates(); err != nil {
		return err
	}
	o.setResult(r)
	o.setState(StateIdle)
	return nil
}

func (o *Orchestrator) persistStates() error {
	st := o.cfg.Store
	if err := st.SetInt(storage.KeyImageState, int64(o.imageState)); err != nil {
		return err
	}
	if err := st.SetInt(storage.KeyUpdateState, int64(o.updateState)); err != nil {
		return err
	}
	return st.SetString(storage.KeyFirmwareURI, o.uri)
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.logger.Debug("firmware state", slog.String("from", o.state.String()), slog.String("to", s.String()))
	o.state = s
	o.cfg.Registry.Changed(lwm2m.ResourcePath(lwm2m.ObjectFirmware, 0, ResState))
	if o.cfg.OnState != nil {
		o.cfg.OnState(s)
	}
}

func (o *Orchestrator) setResult(r Result) {
	if o.result == r {
		return
	}
	o.result = r
	o.cfg.Registry.Changed(lwm2m.ResourcePath(lwm2m.ObjectFirmware, 0, ResResult))
}

func (o *Orchestrator) runningVersion() string {
	if o.cfg.Host == nil {
		return ""
	}
	return o.cfg.Host.Identity().FirmwareVersion
}

func protocol(scheme string) int64 {
	switch scheme {
	case "coap":
		return ProtocolCoAP
	case "coaps":
		return ProtocolCoAPS
	case "http":
		return ProtocolHTTP
	case "https":
		return ProtocolHTTPS
	default:
		return -1
	}
}

func transient(err error) bool {
	return errors.Is(err, errors.ErrTimeout) ||
		errors.Is(err, errors.ErrReset) ||
		errors.Is(err, errors.ErrUnreachable)
}

func resultFor(err error) Result {
	switch {
	case errors.Is(err, errors.ErrOutOfSpace):
		return ResultNoStorage
	case errors.Is(err, errors.ErrNotFound):
		return ResultInvalidURI
	case errors.Is(err, errors.ErrUnsupportedFormat):
		return ResultUnsupportedType
	case errors.Is(err, errors.ErrInvalid):
		return ResultIntegrity
	default:
		return ResultConnectionLost
	}
}

func object() *registry.Object {
	return &registry.Object{
		ID:   lwm2m.ObjectFirmware,
		Name: "Firmware Update",
		Resources: []registry.ResourceDef{
			{ID: ResPackage, Name: "Package", Kind: lwm2m.KindOpaque, Ops: registry.OpW},
			{ID: ResPackageURI, Name: "Package URI", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: ResUpdate, Name: "Update", Kind: lwm2m.KindNone, Ops: registry.OpE},
			{ID: ResState, Name: "State", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ResResult, Name: "Update Result", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: ResName, Name: "PkgName", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: ResVersion, Name: "PkgVersion", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: ResProtocols, Name: "Firmware Update Protocol Support", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: ResDelivery, Name: "Firmware Update Delivery Method", Kind: lwm2m.KindInt, Ops: registry.OpR},
		},
	}
}

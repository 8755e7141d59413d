// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/firmware"
	"github.com/google/uuid"
	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
)

// DefaultBlockTimeout bounds the exchange of one block.
const DefaultBlockTimeout = time.Minute

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	// BlockSize is the requested Block2 size.
	BlockSize blockwise.SZX

	// BlockTimeout bounds the exchange of one block.
	BlockTimeout time.Duration

	// DTLS secures coaps:// package URIs. When nil the server certificate
	// is not verified.
	DTLS *piondtls.Config

	Logger *slog.Logger
}

// Downloader is a firmware.Downloader fetching packages block by block.
type Downloader struct {
	cfg    DownloaderConfig
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[uuid.UUID]context.CancelFunc
}

var _ firmware.Downloader = (*Downloader)(nil)

// NewDownloader returns a Downloader.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = blockwise.SZX1024
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	return &Downloader{
		cfg:    cfg,
		logger: cfg.Logger,
		jobs:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// Download starts fetching job.URI from job.Offset.
func (d *Downloader) Download(ctx context.Context, job firmware.Job, sink firmware.Sink) error {
	u, err := url.Parse(job.URI)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("package uri %q: %w", job.URI, errors.ErrNotFound)
	}
	if u.Scheme != "coap" && u.Scheme != "coaps" {
		return fmt.Errorf("package uri scheme %q: %w", u.Scheme, errors.ErrNotSupported)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.jobs[job.ID] = cancel
	d.mu.Unlock()

	go d.run(ctx, job, u, sink)
	return nil
}

// Cancel stops the download id. Nothing more is reported for it.
func (d *Downloader) Cancel(id uuid.UUID) {
	d.mu.Lock()
	cancel, ok := d.jobs[id]
	delete(d.jobs, id)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Downloader) forget(id uuid.UUID) {
	d.mu.Lock()
	if cancel, ok := d.jobs[id]; ok {
		cancel()
		delete(d.jobs, id)
	}
	d.mu.Unlock()
}

func (d *Downloader) run(ctx context.Context, job firmware.Job, u *url.URL, sink firmware.Sink) {
	defer d.forget(job.ID)

	conn, err := d.dial(ctx, u)
	if err != nil {
		if ctx.Err() == nil {
			sink.OnDone(job.ID, transportError(err))
		}
		return
	}
	defer conn.Close()

	size := d.cfg.BlockSize.Size()
	num := job.Offset / size
	skip := job.Offset % size
	offset := job.Offset
	d.logger.Info("downloading firmware",
		slog.String("job", job.ID.String()),
		slog.String("uri", job.URI),
		slog.Int64("offset", offset))

	for {
		data, more, err := d.block(ctx, conn, u.Path, num)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sink.OnDone(job.ID, err)
			return
		}
		if skip > 0 {
			data = data[min(skip, int64(len(data))):]
			skip = 0
		}
		if len(data) > 0 {
			sink.OnBlock(job.ID, offset, data)
			offset += int64(len(data))
		}
		if !more {
			d.logger.Info("firmware download complete", slog.String("job", job.ID.String()), slog.Int64("size", offset))
			sink.OnDone(job.ID, nil)
			return
		}
		num++
	}
}

func (d *Downloader) dial(ctx context.Context, u *url.URL) (*client.Conn, error) {
	opts := []udp.Option{
		options.WithContext(ctx),
		options.WithBlockwise(false, d.cfg.BlockSize, d.cfg.BlockTimeout),
	}
	if u.Scheme == "coaps" {
		cfg := d.cfg.DTLS
		if cfg == nil {
			cfg = &piondtls.Config{
				InsecureSkipVerify:    true,
				ConnectionIDGenerator: piondtls.OnlySendCIDGenerator(),
			}
		}
		return dtls.Dial(address(u, defaultSecurePort), cfg, opts...)
	}
	return udp.Dial(address(u, defaultPort), opts...)
}

// block fetches block num of path.
func (d *Downloader) block(ctx context.Context, conn *client.Conn, path string, num int64) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BlockTimeout)
	defer cancel()

	opt, err := blockwise.EncodeBlockOption(d.cfg.BlockSize, num, false)
	if err != nil {
		return nil, false, fmt.Errorf("block %d: %w", num, errors.ErrInvalid)
	}
	token, err := message.GetToken()
	if err != nil {
		return nil, false, err
	}

	req := conn.AcquireMessage(ctx)
	defer conn.ReleaseMessage(req)
	req.SetCode(codes.GET)
	req.SetToken(token)
	if err := req.SetPath(path); err != nil {
		return nil, false, fmt.Errorf("package path %q: %w", path, errors.ErrNotFound)
	}
	req.SetOptionUint32(message.Block2, opt)
	req.SetType(message.Confirmable)
	req.SetMessageID(conn.GetMessageID())

	resp, err := conn.Do(req)
	if err != nil {
		return nil, false, transportError(err)
	}
	switch resp.Code() {
	case codes.Content:
	case codes.NotFound:
		return nil, false, fmt.Errorf("package %s: %w", path, errors.ErrNotFound)
	case codes.UnsupportedMediaType:
		return nil, false, fmt.Errorf("package %s: %w", path, errors.ErrUnsupportedFormat)
	default:
		return nil, false, fmt.Errorf("package %s answered %v: %w", path, resp.Code(), errors.ErrUnreachable)
	}

	var data []byte
	if resp.Body() != nil {
		if data, err = resp.ReadBody(); err != nil {
			return nil, false, fmt.Errorf("block %d body: %w", num, errors.ErrUnreachable)
		}
	}
	v, err := resp.Options().GetUint32(message.Block2)
	if err != nil {
		// The server ignored Block2 and sent the whole package.
		start := min(num*d.cfg.BlockSize.Size(), int64(len(data)))
		return data[start:], false, nil
	}
	_, got, more, err := blockwise.DecodeBlockOption(v)
	if err != nil || got != num {
		return nil, false, fmt.Errorf("block %d answered with block %d: %w", num, got, errors.ErrInvalid)
	}
	return data, more, nil
}

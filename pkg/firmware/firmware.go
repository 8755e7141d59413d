// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Firmware Update resources.
const (
	ResPackage    uint16 = 0
	ResPackageURI uint16 = 1
	ResUpdate     uint16 = 2
	ResState      uint16 = 3
	ResResult     uint16 = 5
	ResName       uint16 = 6
	ResVersion    uint16 = 7
	ResProtocols  uint16 = 8
	ResDelivery   uint16 = 9
)

// State is the Firmware Update state resource.
type State int64

const (
	StateIdle State = iota
	StateDownloading
	StateDownloaded
	StateUpdating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDownloading:
		return "DOWNLOADING"
	case StateDownloaded:
		return "DOWNLOADED"
	case StateUpdating:
		return "UPDATING"
	default:
		return fmt.Sprintf("State(%d)", int64(s))
	}
}

// Result is the Update Result resource.
type Result int64

const (
	ResultInitial Result = iota
	ResultSuccess
	ResultNoStorage
	ResultOutOfMemory
	ResultConnectionLost
	ResultIntegrity
	ResultUnsupportedType
	ResultInvalidURI
	ResultUpdateFailed
	ResultUnsupportedProtocol
)

// ImageState tracks the staged image across reboots.
type ImageState int64

const (
	ImageNone ImageState = iota
	ImageDownloadingPull
	ImageDownloadingPush
	ImageReady
)

// UpdateState tracks a scheduled update across reboots.
type UpdateState int64

const (
	UpdateNone UpdateState = iota
	UpdateScheduled
	UpdateExecuted
)

// Supported protocol values of resource 8.
const (
	ProtocolCoAP  int64 = 0
	ProtocolCoAPS int64 = 1
	ProtocolHTTP  int64 = 2
	ProtocolHTTPS int64 = 3
)

// Delivery method values of resource 9.
const (
	DeliveryPull int64 = 0
	DeliveryPush int64 = 1
	DeliveryBoth int64 = 2
)

// Image is the host's image staging area.
type Image interface {
	// Size returns the number of bytes staged.
	Size() int64

	// Append stages the next chunk of the image.
	Append(p []byte) error

	// Verify checks the integrity of the staged image.
	Verify() error

	// Clear discards the staged image.
	Clear() error
}

// Job is a pull download starting at Offset.
type Job struct {
	ID     uuid.UUID
	URI    string
	Offset int64
}

// Sink receives download progress. Calls may come from any goroutine.
type Sink interface {
	OnBlock(id uuid.UUID, offset int64, data []byte)
	OnDone(id uuid.UUID, err error)
}

// Downloader fetches firmware packages. Download returns once the fetch
// is started; blocks and the outcome are delivered to sink.
type Downloader interface {
	Download(ctx context.Context, job Job, sink Sink) error
	Cancel(id uuid.UUID)
}

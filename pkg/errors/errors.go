// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the carrier client and its
// mapping onto CoAP response codes.
package errors

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Codec errors.
var (
	// ErrInvalid indicates malformed framing or an out-of-range value.
	ErrInvalid = errors.New("invalid")

	// ErrNotFound indicates an unknown object, instance or resource.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported indicates an operation the target does not support.
	ErrNotSupported = errors.New("not supported")

	// ErrBufferTooSmall indicates the caller's buffer cannot hold the encoding.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Request errors.
var (
	// ErrUnauthorized indicates an access control denial.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMethodNotAllowed indicates the operation is not valid on the target.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrUnsupportedFormat indicates an unsupported Content-Format or Accept.
	ErrUnsupportedFormat = errors.New("unsupported content format")

	// ErrAlreadyExists indicates a duplicate (object, instance) pair.
	ErrAlreadyExists = errors.New("already exists")

	// ErrBadRequest indicates a semantically invalid request.
	ErrBadRequest = errors.New("bad request")

	// ErrLimit indicates a bounded table is full.
	ErrLimit = errors.New("limit reached")
)

// Storage errors.
var (
	// ErrStorageNotFound indicates a missing key.
	ErrStorageNotFound = errors.New("storage: key not found")

	// ErrOutOfSpace indicates the backing store is full.
	ErrOutOfSpace = errors.New("storage: out of space")

	// ErrIO indicates a backing store failure.
	ErrIO = errors.New("storage: i/o error")
)

// Transport errors.
var (
	// ErrTimeout indicates no response was received in time.
	ErrTimeout = errors.New("transport: timeout")

	// ErrReset indicates the peer answered with RST.
	ErrReset = errors.New("transport: reset")

	// ErrUnreachable indicates the peer could not be reached.
	ErrUnreachable = errors.New("transport: unreachable")
)

// Protocol errors.
var (
	// ErrNoMoreRetries indicates the retry schedule is exhausted.
	ErrNoMoreRetries = errors.New("no more retries")

	// ErrBootstrapFailed indicates bootstrap failed after all retries.
	ErrBootstrapFailed = errors.New("bootstrap failed")

	// ErrRegistrationFailed indicates registration failed after all retries.
	ErrRegistrationFailed = errors.New("registration failed")
)

// ClientError wraps an error with additional context.
type ClientError struct {
	Op   string // Operation that failed
	Path string // Target LwM2M path, if any
	SSID uint16 // Short server id of the requester, if any
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s [ssid %d]: %v", e.Op, e.Path, e.SSID, e.Err)
	}
	return fmt.Sprintf("%s [ssid %d]: %v", e.Op, e.SSID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// New creates a new ClientError.
func New(op, path string, ssid uint16, err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{
		Op:   op,
		Path: path,
		SSID: ssid,
		Err:  err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Join returns an error wrapping errs, or nil when every error is nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Code maps an error to the CoAP response code a server sees.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.Changed
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrBadRequest):
		return codes.BadRequest
	case errors.Is(err, ErrUnauthorized):
		return codes.Unauthorized
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrNotSupported), errors.Is(err, ErrMethodNotAllowed):
		return codes.MethodNotAllowed
	case errors.Is(err, ErrUnsupportedFormat):
		return codes.UnsupportedMediaType
	case errors.Is(err, ErrAlreadyExists):
		return codes.BadRequest
	case errors.Is(err, ErrBufferTooSmall):
		return codes.InternalServerError
	default:
		return codes.InternalServerError
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
)

// MemoryImage stages an image in memory. When Digest is set Verify
// compares it with the SHA-256 of the staged bytes.
type MemoryImage struct {
	mu     sync.Mutex
	data   []byte
	Limit  int
	Digest []byte
}

// Size implements Image.
func (m *MemoryImage) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}

// Append implements Image.
func (m *MemoryImage) Append(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Limit > 0 && len(m.data)+len(p) > m.Limit {
		return fmt.Errorf("image of %d bytes: %w", len(m.data)+len(p), errors.ErrOutOfSpace)
	}
	m.data = append(m.data, p...)
	return nil
}

// Verify implements Image.
func (m *MemoryImage) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return fmt.Errorf("empty image: %w", errors.ErrInvalid)
	}
	if m.Digest != nil {
		sum := sha256.Sum256(m.data)
		if !bytes.Equal(sum[:], m.Digest) {
			return fmt.Errorf("image digest: %w", errors.ErrInvalid)
		}
	}
	return nil
}

// Clear implements Image.
func (m *MemoryImage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Bytes returns a copy of the staged image.
func (m *MemoryImage) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data)
}

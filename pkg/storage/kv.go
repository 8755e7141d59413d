// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
)

// KV is the non-volatile key-value store.
type KV interface {
	// Get returns the value of key or ErrStorageNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Put stores value under key atomically.
	Put(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// Keys returns the stored keys in [lo, hi] in ascending order.
	Keys(ctx context.Context, lo, hi Key) ([]Key, error)

	Close() error
}

// MemoryKV is an in-memory KV. A positive Limit bounds the total stored
// bytes and makes Put fail with ErrOutOfSpace.
type MemoryKV struct {
	mu     sync.Mutex
	data   map[Key][]byte
	Limit  int
	closed bool
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[Key][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrIO
	}
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, errors.ErrStorageNotFound)
	}
	return slices.Clone(v), nil
}

func (m *MemoryKV) Put(_ context.Context, key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrIO
	}
	if m.Limit > 0 {
		used := len(value)
		for k, v := range m.data {
			if k != key {
				used += len(v)
			}
		}
		if used > m.Limit {
			return fmt.Errorf("key %s: %w", key, errors.ErrOutOfSpace)
		}
	}
	m.data[key] = slices.Clone(value)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrIO
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, lo, hi Key) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrIO
	}
	var out []Key
	for _, k := range slices.Sorted(maps.Keys(m.data)) {
		if k >= lo && k <= hi {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

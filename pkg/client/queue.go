// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"slices"
	"sync"
)

// DefaultQueueSize bounds the events waiting for the loop.
const DefaultQueueSize = 32

type event struct {
	name     string
	critical bool
	run      func()
}

// queue is the bounded hand-off between producers and the loop.
type queue struct {
	mu    sync.Mutex
	items []event
	limit int
	wake  chan struct{}
}

func newQueue(limit int) *queue {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &queue{limit: limit, wake: make(chan struct{}, 1)}
}

// push appends ev. A full queue evicts its oldest non-critical event, or
// refuses ev when ev is non-critical and nothing can be evicted. The
// evicted or refused event is returned with dropped set.
func (q *queue) push(ev event) (lost event, dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		n := slices.IndexFunc(q.items, func(e event) bool { return !e.critical })
		switch {
		case n >= 0:
			lost, dropped = q.items[n], true
			q.items = slices.Delete(q.items, n, n+1)
		case !ev.critical:
			q.mu.Unlock()
			return ev, true
		}
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return lost, dropped
}

func (q *queue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items[0] = event{}
	q.items = q.items[1:]
	return ev, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

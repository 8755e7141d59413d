// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "testing"

func names(q *queue) []string {
	var out []string
	for {
		ev, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, ev.name)
	}
}

func TestQueuePush(t *testing.T) {
	cases := []struct {
		desc    string
		queued  []event
		push    event
		lost    string
		dropped bool
		want    []string
	}{
		{
			desc:   "room left",
			queued: []event{{name: "a"}},
			push:   event{name: "b"},
			want:   []string{"a", "b"},
		},
		{
			desc:    "full evicts oldest non-critical",
			queued:  []event{{name: "a", critical: true}, {name: "b"}, {name: "c"}},
			push:    event{name: "d"},
			lost:    "b",
			dropped: true,
			want:    []string{"a", "c", "d"},
		},
		{
			desc:    "critical evicts non-critical",
			queued:  []event{{name: "a"}, {name: "b"}, {name: "c"}},
			push:    event{name: "d", critical: true},
			lost:    "a",
			dropped: true,
			want:    []string{"b", "c", "d"},
		},
		{
			desc:    "non-critical refused when all are critical",
			queued:  []event{{name: "a", critical: true}, {name: "b", critical: true}, {name: "c", critical: true}},
			push:    event{name: "d"},
			lost:    "d",
			dropped: true,
			want:    []string{"a", "b", "c"},
		},
		{
			desc:   "critical admitted over critical",
			queued: []event{{name: "a", critical: true}, {name: "b", critical: true}, {name: "c", critical: true}},
			push:   event{name: "d", critical: true},
			want:   []string{"a", "b", "c", "d"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			q := newQueue(3)
			for _, ev := range tc.queued {
				q.push(ev)
			}
			lost, dropped := q.push(tc.push)
			if dropped != tc.dropped || (dropped && lost.name != tc.lost) {
				t.Errorf("push() = (%q, %v), want (%q, %v)", lost.name, dropped, tc.lost, tc.dropped)
			}
			got := names(q)
			if len(got) != len(tc.want) {
				t.Fatalf("queued %v, want %v", got, tc.want)
			}
			for n := range got {
				if got[n] != tc.want[n] {
					t.Errorf("queued %v, want %v", got, tc.want)
					break
				}
			}
		})
	}
}

func TestQueueWake(t *testing.T) {
	q := newQueue(0)
	q.push(event{name: "a"})
	q.push(event{name: "b"})
	select {
	case <-q.wake:
	default:
		t.Fatal("push did not signal")
	}
	select {
	case <-q.wake:
		t.Error("wake holds more than one signal")
	default:
	}
	if q.len() != 2 {
		t.Errorf("len() = %d, want 2", q.len())
	}
}

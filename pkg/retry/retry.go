// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"fmt"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
)

// Policy is a carrier retry schedule.
type Policy struct {
	// Delays is the connect delay sequence.
	Delays []time.Duration `yaml:"delays"`

	// BootstrapAttempts caps the number of bootstrap delays handed out;
	// zero means unbounded.
	BootstrapAttempts int `yaml:"bootstrap_attempts"`

	// FailOnLast marks the final delay of the sequence as a registration
	// failure.
	FailOnLast bool `yaml:"fail_on_last"`
}

// Delay is the result of Next.
type Delay struct {
	Duration time.Duration
	Attempt  int
	Last     bool
}

// Scheduler keeps a retry counter per instance.
type Scheduler struct {
	policy   Policy
	counters map[uint16]int
}

// New returns a scheduler for p. An empty delay list falls back to a
// single one minute delay.
func New(p Policy) *Scheduler {
	if len(p.Delays) == 0 {
		p.Delays = []time.Duration{time.Minute}
	}
	return &Scheduler{policy: p, counters: make(map[uint16]int)}
}

// Configure replaces the schedule and clears every counter.
func (s *Scheduler) Configure(p Policy) {
	if len(p.Delays) == 0 {
		p.Delays = []time.Duration{time.Minute}
	}
	s.policy = p
	clear(s.counters)
}

// Policy returns the active schedule.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Next returns the delay before the next attempt of instance. When
// advance is set the counter moves forward: bootstrap counters stop at
// the last delay, server counters wrap.
func (s *Scheduler) Next(instance uint16, bootstrap, advance bool) (Delay, error) {
	n := s.counters[instance]
	if bootstrap && s.policy.BootstrapAttempts > 0 && n >= s.policy.BootstrapAttempts {
		return Delay{Attempt: n}, fmt.Errorf("bootstrap instance %d after %d attempts: %w", instance, n, errors.ErrNoMoreRetries)
	}

	last := len(s.policy.Delays) - 1
	idx := n
	if idx > last {
		idx = last
	}
	d := Delay{
		Duration: s.policy.Delays[idx],
		Attempt:  n + 1,
		Last:     s.policy.FailOnLast && idx == last && last > 0,
	}

	if advance {
		n++
		if !bootstrap && n > last {
			n = 0
		}
		s.counters[instance] = n
	}
	return d, nil
}

// Reset clears the counter of instance.
func (s *Scheduler) Reset(instance uint16) {
	delete(s.counters, instance)
}

// ResetAll clears every counter.
func (s *Scheduler) ResetAll() {
	clear(s.counters)
}

// Attempts returns the current counter of instance.
func (s *Scheduler) Attempts(instance uint16) int {
	return s.counters[instance]
}

// APN is the Connectivity Extension APN retry record.
type APN struct {
	Retries int           `yaml:"retries"`
	Period  time.Duration `yaml:"period"`
	Backoff time.Duration `yaml:"backoff"`
}

// APNBackoff tracks link activation attempts against an APN record.
type APNBackoff struct {
	cfg     APN
	attempt int
}

// NewAPNBackoff returns a tracker for cfg.
func NewAPNBackoff(cfg APN) *APNBackoff {
	return &APNBackoff{cfg: cfg}
}

// Configure replaces the APN record and restarts the count.
func (b *APNBackoff) Configure(cfg APN) {
	b.cfg = cfg
	b.attempt = 0
}

// Next records a failed activation and returns the wait before the next
// one. Up to Retries-1 failures wait Period; the Retries-th failure waits
// Backoff and restarts the count.
func (b *APNBackoff) Next() time.Duration {
	b.attempt++
	if b.cfg.Retries <= 0 || b.attempt < b.cfg.Retries {
		return b.cfg.Period
	}
	b.attempt = 0
	return b.cfg.Backoff
}

// Reset restarts the count after a successful activation.
func (b *APNBackoff) Reset() {
	b.attempt = 0
}

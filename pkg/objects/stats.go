// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Connectivity Statistics resources.
const (
	StatsSMSTx            uint16 = 0
	StatsSMSRx            uint16 = 1
	StatsTxData           uint16 = 2
	StatsRxData           uint16 = 3
	StatsMaxMessageSize   uint16 = 4
	StatsAvgMessageSize   uint16 = 5
	StatsStart            uint16 = 6
	StatsStop             uint16 = 7
	StatsCollectionPeriod uint16 = 8
)

// Stats is the Connectivity Statistics instance. Counters move only
// between Start and Stop.
type Stats struct {
	*registry.Base
	env        *Env
	collecting bool
	generation int
	txBytes    int64
	rxBytes    int64
	messages   int64
	maxSize    int64
}

func newStats(env *Env) *Stats {
	s := &Stats{Base: registry.NewBase(0), env: env}
	s.Set(StatsCollectionPeriod, lwm2m.Int(0))
	return s
}

// Collecting reports whether collection is running.
func (s *Stats) Collecting() bool { return s.collecting }

// Record accounts one message of n bytes.
func (s *Stats) Record(tx bool, n int) {
	if !s.collecting {
		return
	}
	if tx {
		s.txBytes += int64(n)
	} else {
		s.rxBytes += int64(n)
	}
	s.messages++
	s.maxSize = max(s.maxSize, int64(n))
}

// RecordSMS accounts one SMS.
func (s *Stats) RecordSMS(tx bool) {
	if !s.collecting {
		return
	}
	rid := StatsSMSRx
	if tx {
		rid = StatsSMSTx
	}
	s.Set(rid, lwm2m.Int(s.Int(rid)+1))
}

func (s *Stats) Read(rid uint16) (lwm2m.Value, error) {
	switch rid {
	case StatsTxData:
		return lwm2m.Int(s.txBytes / 1024), nil
	case StatsRxData:
		return lwm2m.Int(s.rxBytes / 1024), nil
	case StatsMaxMessageSize:
		return lwm2m.Int(s.maxSize), nil
	case StatsAvgMessageSize:
		if s.messages == 0 {
			return lwm2m.Int(0), nil
		}
		return lwm2m.Int((s.txBytes + s.rxBytes) / s.messages), nil
	case StatsSMSTx, StatsSMSRx:
		return lwm2m.Int(s.Int(rid)), nil
	}
	return s.Base.Read(rid)
}

func (s *Stats) Execute(rid uint16, _ []byte) error {
	switch rid {
	case StatsStart:
		s.start()
		return nil
	case StatsStop:
		s.stop()
		return nil
	}
	return s.Base.Execute(rid, nil)
}

func (s *Stats) start() {
	s.txBytes, s.rxBytes, s.messages, s.maxSize = 0, 0, 0, 0
	s.Set(StatsSMSTx, lwm2m.Int(0))
	s.Set(StatsSMSRx, lwm2m.Int(0))
	s.collecting = true
	s.generation++
	if period := s.Int(StatsCollectionPeriod); period > 0 {
		gen := s.generation
		s.env.After(seconds(period), func() {
			if s.generation == gen {
				s.stop()
			}
		})
	}
}

func (s *Stats) stop() {
	s.collecting = false
	s.generation++
}

func statsObject() *registry.Object {
	return &registry.Object{
		ID:   lwm2m.ObjectConnectivityStatistics,
		Name: "Connectivity Statistics",
		Resources: []registry.ResourceDef{
			{ID: StatsSMSTx, Name: "SMS Tx Counter", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: StatsSMSRx, Name: "SMS Rx Counter", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: StatsTxData, Name: "Tx Data", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: StatsRxData, Name: "Rx Data", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: StatsMaxMessageSize, Name: "Max Message Size", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: StatsAvgMessageSize, Name: "Average Message Size", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: StatsStart, Name: "Start", Ops: registry.OpE},
			{ID: StatsStop, Name: "Stop", Ops: registry.OpE},
			{ID: StatsCollectionPeriod, Name: "Collection Period", Kind: lwm2m.KindInt, Ops: registry.OpRW},
		},
	}
}

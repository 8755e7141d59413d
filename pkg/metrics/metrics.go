// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the LwM2M client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ client.Metrics = (*Metrics)(nil)

// Metrics holds the Prometheus collectors of one client.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Lifecycle metrics
	States            *prometheus.GaugeVec
	StateTransitions  *prometheus.CounterVec
	BootstrapAttempts prometheus.Counter
	Registrations     *prometheus.CounterVec
	RetryDelays       *prometheus.HistogramVec

	// Request metrics
	RequestsTotal *prometheus.CounterVec
	QueueDrops    *prometheus.CounterVec

	// Observation metrics
	Notifications *prometheus.CounterVec
	Observations  prometheus.Gauge

	// Firmware metrics
	FirmwareUpdateState prometheus.Gauge
}

// New registers the client collectors with reg. A nil reg uses a fresh
// registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "lwm2m"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		States: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "client_state",
				Help:      "Current client state (1 for the active state)",
			},
			[]string{"state"},
		),
		StateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_state_transitions_total",
				Help:      "Total number of client state transitions",
			},
			[]string{"from", "to"},
		),
		BootstrapAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bootstrap_attempts_total",
				Help:      "Total number of bootstrap requests sent",
			},
		),
		Registrations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_results_total",
				Help:      "Total number of registration outcomes per server",
			},
			[]string{"ssid", "result"},
		),
		RetryDelays: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Back-off delays applied before retries",
				Buckets:   []float64{1, 10, 60, 120, 240, 360, 480, 3600, 86400},
			},
			[]string{"kind"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of server requests served",
			},
			[]string{"operation", "code"},
		),
		QueueDrops: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_drops_total",
				Help:      "Total number of events dropped by the full event queue",
			},
			[]string{"event"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observe notifications sent",
			},
			[]string{"ssid", "type"},
		),
		Observations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observations_active",
				Help:      "Number of active observations",
			},
		),
		FirmwareUpdateState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "firmware_state",
				Help:      "Firmware Update state (0=idle, 1=downloading, 2=downloaded, 3=updating)",
			},
		),
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ClientState moves the active state gauge from one state to another.
func (m *Metrics) ClientState(from, to string) {
	m.States.WithLabelValues(from).Set(0)
	m.States.WithLabelValues(to).Set(1)
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) BootstrapAttempt() {
	m.BootstrapAttempts.Inc()
}

func (m *Metrics) Registration(ssid uint16, result string) {
	m.Registrations.WithLabelValues(strconv.Itoa(int(ssid)), result).Inc()
}

func (m *Metrics) Request(op, code string) {
	m.RequestsTotal.WithLabelValues(op, code).Inc()
}

func (m *Metrics) RetryDelay(kind string, d time.Duration) {
	m.RetryDelays.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) FirmwareState(state int) {
	m.FirmwareUpdateState.Set(float64(state))
}

func (m *Metrics) QueueDrop(event string) {
	m.QueueDrops.WithLabelValues(event).Inc()
}

// Notification counts a notification as confirmable ("con") or not ("non").
func (m *Metrics) Notification(ssid uint16, confirmable bool) {
	kind := "non"
	if confirmable {
		kind = "con"
	}
	m.Notifications.WithLabelValues(strconv.Itoa(int(ssid)), kind).Inc()
}

func (m *Metrics) ObservationCount(n int) {
	m.Observations.Set(float64(n))
}

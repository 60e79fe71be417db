// Package metrics turns bus events into Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bumpcast/internal/campaign"
	"bumpcast/internal/eventbus"
)

type Metrics struct {
	reg *prometheus.Registry

	deliveries *prometheus.CounterVec
	floodWait  prometheus.Histogram
	selfHeal   *prometheus.CounterVec
	workers    prometheus.Gauge
	running    prometheus.Gauge

	mu     sync.Mutex
	active map[int64]int
}

// New registers the collectors on a fresh registry. bus may be nil; when set
// its drop counter is exported too.
func New(bus eventbus.Bus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bumpcast_deliveries_total",
			Help: "Delivery outcomes by status.",
		}, []string{"status"}),
		floodWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bumpcast_flood_wait_seconds",
			Help:    "Provider-mandated flood waits.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}),
		selfHeal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bumpcast_self_heal_total",
			Help: "Leave and rejoin attempts by result.",
		}, []string{"result"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bumpcast_active_workers",
			Help: "Account workers that have not exited.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bumpcast_running_campaigns",
			Help: "Campaign runs in progress.",
		}),
		active: map[int64]int{},
	}
	m.reg.MustRegister(
		m.deliveries, m.floodWait, m.selfHeal, m.workers, m.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if bus != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bumpcast_eventbus_dropped_total",
			Help: "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	eventbus.Consume(ctx, bus, 1024, m.Observe)
}

// Observe folds one event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case campaign.EventDeliveryOutcome:
		ev, ok := e.Data.(campaign.DeliveryEvent)
		if !ok {
			return
		}
		o := ev.Outcome
		m.deliveries.WithLabelValues(string(o.Status)).Inc()
		if o.Wait > 0 && (o.Status == campaign.OutcomeFloodWait || o.Status == campaign.OutcomeDeferred) {
			m.floodWait.Observe(o.Wait.Seconds())
		}
		if o.SelfHeal != campaign.HealNone {
			m.selfHeal.WithLabelValues(string(o.SelfHeal)).Inc()
		}
	case campaign.EventCampaignStarted:
		m.running.Inc()
	case campaign.EventCampaignStopped:
		m.running.Dec()
		if ev, ok := e.Data.(campaign.RunEvent); ok {
			m.setActive(ev.CampaignID, 0, true)
		}
	case campaign.EventProgressUpdated:
		p, ok := e.Data.(campaign.Progress)
		if !ok {
			return
		}
		n := 0
		for _, w := range p.Accounts {
			if !w.Status.Terminal() {
				n++
			}
		}
		m.setActive(p.CampaignID, n, p.Status == campaign.RunStopped)
	}
}

func (m *Metrics) setActive(campaignID int64, n int, gone bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gone {
		delete(m.active, campaignID)
	} else {
		m.active[campaignID] = n
	}
	total := 0
	for _, v := range m.active {
		total += v
	}
	m.workers.Set(float64(total))
}

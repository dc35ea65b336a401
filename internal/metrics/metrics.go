// Package metrics exposes operational counters as a prometheus.Collector
// that queries its providers at scrape time. Providers are narrow
// interfaces so no package needs to know about prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shkvoice/shkvoice/internal/call"
	"github.com/shkvoice/shkvoice/internal/sip"
	"github.com/shkvoice/shkvoice/internal/store"
)

// CallProvider exposes the live-call view of the orchestrator.
type CallProvider interface {
	Status() call.Status
	RTPStats() sip.RTPStats
	AIDrops() uint64
}

// RegistrationProvider exposes the SIP registration state.
type RegistrationProvider interface {
	Registration() sip.RegistrationState
}

// CallCounter returns the total number of recorded calls.
type CallCounter interface {
	CallCount(ctx context.Context) (int, error)
}

// ExpertStatsProvider returns aggregate expert-query statistics.
type ExpertStatsProvider interface {
	ExpertStats(ctx context.Context) (store.ExpertStats, error)
}

// ToolCounter returns per-tool dispatch counts.
type ToolCounter interface {
	Counts() map[string]uint64
}

// ObserverCounter returns the number of connected event-hub observers.
type ObserverCounter interface {
	Observers() int
}

// Collector gathers all metrics at scrape time. Any provider may be nil.
type Collector struct {
	calls     CallProvider
	reg       RegistrationProvider
	counter   CallCounter
	expert    ExpertStatsProvider
	tools     ToolCounter
	observers ObserverCounter
	startTime time.Time

	callActiveDesc     *prometheus.Desc
	callMutedDesc      *prometheus.Desc
	registeredDesc     *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	rtpPacketsInDesc   *prometheus.Desc
	rtpPacketsOutDesc  *prometheus.Desc
	rtpDroppedDesc     *prometheus.Desc
	frameDropsDesc     *prometheus.Desc
	aiDropsDesc        *prometheus.Desc
	expertQueriesDesc  *prometheus.Desc
	expertSuccessDesc  *prometheus.Desc
	expertLatencyDesc  *prometheus.Desc
	toolCallsDesc      *prometheus.Desc
	observersDesc      *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates the collector.
func NewCollector(calls CallProvider, reg RegistrationProvider, counter CallCounter, expert ExpertStatsProvider, tools ToolCounter, observers ObserverCounter, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		reg:       reg,
		counter:   counter,
		expert:    expert,
		tools:     tools,
		observers: observers,
		startTime: startTime,

		callActiveDesc: prometheus.NewDesc(
			"shkvoice_call_active",
			"Whether a call is currently active (0 or 1)",
			nil, nil,
		),
		callMutedDesc: prometheus.NewDesc(
			"shkvoice_ai_muted",
			"Whether the caller-to-AI audio path is muted (0 or 1)",
			nil, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"shkvoice_sip_registered",
			"Whether the provider registration is up (0 or 1)",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"shkvoice_calls_total",
			"Total number of recorded calls",
			nil, nil,
		),
		rtpPacketsInDesc: prometheus.NewDesc(
			"shkvoice_rtp_packets_in_total",
			"RTP packets received on the active call",
			nil, nil,
		),
		rtpPacketsOutDesc: prometheus.NewDesc(
			"shkvoice_rtp_packets_out_total",
			"RTP packets sent on the active call",
			nil, nil,
		),
		rtpDroppedDesc: prometheus.NewDesc(
			"shkvoice_rtp_packets_dropped_total",
			"RTP packets dropped on the active call",
			nil, nil,
		),
		frameDropsDesc: prometheus.NewDesc(
			"shkvoice_outbound_frames_dropped_total",
			"Assistant audio frames dropped from the outbound queue",
			nil, nil,
		),
		aiDropsDesc: prometheus.NewDesc(
			"shkvoice_ai_uplink_dropped_total",
			"Caller audio chunks dropped toward the AI session",
			nil, nil,
		),
		expertQueriesDesc: prometheus.NewDesc(
			"shkvoice_expert_queries_total",
			"Expert consultations, by model",
			[]string{"model"}, nil,
		),
		expertSuccessDesc: prometheus.NewDesc(
			"shkvoice_expert_queries_successful_total",
			"Expert consultations that passed the confidence gate",
			nil, nil,
		),
		expertLatencyDesc: prometheus.NewDesc(
			"shkvoice_expert_latency_ms_avg",
			"Average expert consultation latency in milliseconds",
			nil, nil,
		),
		toolCallsDesc: prometheus.NewDesc(
			"shkvoice_tool_calls_total",
			"Assistant tool dispatches, by tool",
			[]string{"tool"}, nil,
		),
		observersDesc: prometheus.NewDesc(
			"shkvoice_observers",
			"Connected WebSocket observers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"shkvoice_uptime_seconds",
			"Seconds since process start",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callActiveDesc
	ch <- c.callMutedDesc
	ch <- c.registeredDesc
	ch <- c.callsTotalDesc
	ch <- c.rtpPacketsInDesc
	ch <- c.rtpPacketsOutDesc
	ch <- c.rtpDroppedDesc
	ch <- c.frameDropsDesc
	ch <- c.aiDropsDesc
	ch <- c.expertQueriesDesc
	ch <- c.expertSuccessDesc
	ch <- c.expertLatencyDesc
	ch <- c.toolCallsDesc
	ch <- c.observersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. Providers are queried at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		st := c.calls.Status()
		ch <- prometheus.MustNewConstMetric(c.callActiveDesc, prometheus.GaugeValue, boolGauge(st.Active))
		ch <- prometheus.MustNewConstMetric(c.callMutedDesc, prometheus.GaugeValue, boolGauge(st.Muted))
		ch <- prometheus.MustNewConstMetric(c.frameDropsDesc, prometheus.CounterValue, float64(st.FrameDrops))
		ch <- prometheus.MustNewConstMetric(c.aiDropsDesc, prometheus.CounterValue, float64(c.calls.AIDrops()))

		rtp := c.calls.RTPStats()
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsInDesc, prometheus.CounterValue, float64(rtp.PacketsIn))
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsOutDesc, prometheus.CounterValue, float64(rtp.PacketsOut))
		ch <- prometheus.MustNewConstMetric(c.rtpDroppedDesc, prometheus.CounterValue, float64(rtp.Dropped))
	}

	if c.reg != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registeredDesc, prometheus.GaugeValue,
			boolGauge(c.reg.Registration().Status == sip.StatusRegistered),
		)
	}

	if c.counter != nil {
		n, err := c.counter.CallCount(ctx)
		if err != nil {
			slog.Error("metrics: counting calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(n))
		}
	}

	if c.expert != nil {
		stats, err := c.expert.ExpertStats(ctx)
		if err != nil {
			slog.Error("metrics: reading expert stats", "error", err)
		} else {
			for model, n := range stats.QueriesByModel {
				ch <- prometheus.MustNewConstMetric(c.expertQueriesDesc, prometheus.CounterValue, float64(n), model)
			}
			ch <- prometheus.MustNewConstMetric(c.expertSuccessDesc, prometheus.CounterValue, float64(stats.SuccessCount))
			ch <- prometheus.MustNewConstMetric(c.expertLatencyDesc, prometheus.GaugeValue, float64(stats.AvgLatencyMS))
		}
	}

	if c.tools != nil {
		for tool, n := range c.tools.Counts() {
			ch <- prometheus.MustNewConstMetric(c.toolCallsDesc, prometheus.CounterValue, float64(n), tool)
		}
	}

	if c.observers != nil {
		ch <- prometheus.MustNewConstMetric(c.observersDesc, prometheus.GaugeValue, float64(c.observers.Observers()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// PlatformMetrics exposes counters/histograms for the messaging and
// scheduling flows. A nil receiver disables all recording.
type PlatformMetrics struct {
	inboundTotal    *prometheus.CounterVec
	outboundTotal   *prometheus.CounterVec
	outboundLatency *prometheus.HistogramVec
	remindersTotal  *prometheus.CounterVec
	bookingsTotal   *prometheus.CounterVec
	agentTurnsTotal *prometheus.CounterVec
}

func NewPlatformMetrics(reg prometheus.Registerer) *PlatformMetrics {
	m := &PlatformMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citamed",
			Subsystem: "whatsapp",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound WhatsApp webhook events",
		}, []string{"event_type", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citamed",
			Subsystem: "whatsapp",
			Name:      "outbound_total",
			Help:      "Total outbound WhatsApp sends",
		}, []string{"kind", "provider", "status"}),
		outboundLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "citamed",
			Subsystem: "whatsapp",
			Name:      "outbound_latency_seconds",
			Help:      "Latency of outbound WhatsApp provider calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citamed",
			Subsystem: "reminders",
			Name:      "sent_total",
			Help:      "Total appointment reminders processed",
		}, []string{"status"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citamed",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Total appointment bookings by origin",
		}, []string{"origin", "status"}),
		agentTurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citamed",
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Total conversational agent turns",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.outboundLatency, m.remindersTotal, m.bookingsTotal, m.agentTurnsTotal)
	return m
}

func (m *PlatformMetrics) ObserveInbound(eventType, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, status).Inc()
}

func (m *PlatformMetrics) ObserveOutbound(kind, provider, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, provider, status).Inc()
}

func (m *PlatformMetrics) ObserveOutboundLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.outboundLatency.WithLabelValues(provider).Observe(seconds)
}

func (m *PlatformMetrics) ObserveReminder(status string) {
	if m == nil {
		return
	}
	m.remindersTotal.WithLabelValues(status).Inc()
}

func (m *PlatformMetrics) ObserveBooking(origin, status string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(origin, status).Inc()
}

func (m *PlatformMetrics) ObserveAgentTurn(outcome string) {
	if m == nil {
		return
	}
	m.agentTurnsTotal.WithLabelValues(outcome).Inc()
}

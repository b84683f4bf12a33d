package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// queueDepthPollInterval governs how often txqDepth/rxqDepth are
// resampled across all live tunnels.
const queueDepthPollInterval = 2 * time.Second

// Metrics is the manager's Prometheus observability surface: handshake
// outcome counters, live-tunnel and queue-depth gauges, and a histogram
// for round-trip time to DATA_ACK. Grounded in the one example repo in
// the retrieved pack that is itself a socket-statistics exporter.
type Metrics struct {
	handshakesStarted   prometheus.Counter
	handshakesSucceeded prometheus.Counter
	handshakesTimedOut  prometheus.Counter

	tunnelsLive prometheus.Gauge

	txqDepth prometheus.Gauge
	rxqDepth prometheus.Gauge

	ackRTT prometheus.Histogram
}

// NewMetrics builds and registers a Metrics set against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the global
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		handshakesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Subsystem: "handshake",
			Name:      "started_total",
			Help:      "Handshakes initiated, active or passive.",
		}),
		handshakesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Subsystem: "handshake",
			Name:      "succeeded_total",
			Help:      "Handshakes that reached READY.",
		}),
		handshakesTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Subsystem: "handshake",
			Name:      "timed_out_total",
			Help:      "Handshakes that exhausted their retry limit.",
		}),
		tunnelsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Name:      "tunnels_live",
			Help:      "Tunnels currently in any non-CLOSED state.",
		}),
		txqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Subsystem: "txq",
			Name:      "depth_sum",
			Help:      "Sum of unacked packets across all live tunnels' transmit queues.",
		}),
		rxqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Subsystem: "rxq",
			Name:      "depth_sum",
			Help:      "Sum of pending (not yet contiguous) packets across all live tunnels' receive queues.",
		}),
		ackRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdt",
			Subsystem: "data",
			Name:      "ack_rtt_seconds",
			Help:      "Time from a DATA send to its cumulative ACK.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.handshakesStarted, m.handshakesSucceeded, m.handshakesTimedOut,
		m.tunnelsLive, m.txqDepth, m.rxqDepth, m.ackRTT,
	)
	return m
}

// SetMetrics attaches a Metrics set to this manager; counters are updated
// at the call sites in manager.go and tunnel.go via the small observer
// hooks below, and a background goroutine starts polling queue depth
// across all live tunnels. A nil Metrics (the default) makes every hook a
// no-op and no goroutine is started.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()
	if metrics != nil {
		go m.pollQueueDepths()
	}
}

// pollQueueDepths periodically sums TxQueueLen/RxQueueLen across every
// live tunnel and reports the totals as gauges, until DestroyAll closes
// stopMetrics.
func (m *Manager) pollQueueDepths() {
	ticker := time.NewTicker(queueDepthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			var txSum, rxSum int
			for _, t := range m.tunnels {
				txSum += t.TxQueueLen()
				rxSum += t.RxQueueLen()
			}
			metrics := m.metrics
			m.mu.Unlock()
			if metrics != nil {
				metrics.txqDepth.Set(float64(txSum))
				metrics.rxqDepth.Set(float64(rxSum))
			}
		case <-m.stopMetrics:
			return
		}
	}
}

// observeAckRTT records one DATA_ACK round-trip sample; installed on each
// tunnel as its ack-RTT observer via SetAckRTTObserver.
func (m *Manager) observeAckRTT(d time.Duration) {
	if m.metrics != nil {
		m.metrics.ackRTT.Observe(d.Seconds())
	}
}

func (m *Manager) observeHandshakeStarted() {
	if m.metrics != nil {
		m.metrics.handshakesStarted.Inc()
	}
}

func (m *Manager) observeHandshakeSucceeded() {
	if m.metrics != nil {
		m.metrics.handshakesSucceeded.Inc()
	}
}

func (m *Manager) observeHandshakeTimedOut() {
	if m.metrics != nil {
		m.metrics.handshakesTimedOut.Inc()
	}
}

func (m *Manager) observeTunnelCount(delta int) {
	if m.metrics == nil {
		return
	}
	if delta > 0 {
		m.metrics.tunnelsLive.Add(float64(delta))
	} else {
		m.metrics.tunnelsLive.Sub(float64(-delta))
	}
}

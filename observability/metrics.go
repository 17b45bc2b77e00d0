package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording API activity
// per module and route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bazaar",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// MarketMetrics wraps collectors tracking settlement health.
type MarketMetrics struct {
	settlements      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	transferFailures *prometheus.CounterVec
	bids             *prometheus.CounterVec
	listings         prometheus.Gauge
	dispatchFailures *prometheus.CounterVec
}

// Market exposes the metrics registry for the market engine and marketd.
func Market() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "settlements_total",
				Help:      "Settlement state transitions segmented by currency and state.",
			}, []string{"currency", "state"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "payout_rejections_total",
				Help:      "Custody responses rejected during resolution, by reason.",
			}, []string{"reason"}),
			transferFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "transfer_failures_total",
				Help:      "Outbound transfers that could not be handed to a currency service.",
			}, []string{"currency", "purpose"}),
			bids: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "bids_total",
				Help:      "Bids recorded segmented by currency.",
			}, []string{"currency"}),
			listings: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "listings",
				Help:      "Net listings created since the process started.",
			}),
			dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "custody_dispatch_failures_total",
				Help:      "Custody requests whose outcome is unknown, by custodian.",
			}, []string{"custodian"}),
		}
		prometheus.MustRegister(
			marketRegistry.settlements,
			marketRegistry.rejections,
			marketRegistry.transferFailures,
			marketRegistry.bids,
			marketRegistry.listings,
			marketRegistry.dispatchFailures,
		)
	})
	return marketRegistry
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordSettlement counts a settlement entering state.
func (m *MarketMetrics) RecordSettlement(currency, state string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(currency), label(state)).Inc()
}

// RecordPayoutRejection counts a rejected custody response.
func (m *MarketMetrics) RecordPayoutRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(label(reason)).Inc()
}

// RecordTransferFailure counts a transfer the currency service refused.
func (m *MarketMetrics) RecordTransferFailure(currency, purpose string) {
	if m == nil {
		return
	}
	m.transferFailures.WithLabelValues(label(currency), label(purpose)).Inc()
}

// RecordBid counts a recorded bid.
func (m *MarketMetrics) RecordBid(currency string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(label(currency)).Inc()
}

// RecordListings moves the listings gauge by delta.
func (m *MarketMetrics) RecordListings(delta int) {
	if m == nil {
		return
	}
	m.listings.Add(float64(delta))
}

// RecordDispatchFailure counts a custody request lost in transit.
func (m *MarketMetrics) RecordDispatchFailure(custodian string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(label(custodian)).Inc()
}

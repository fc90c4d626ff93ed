// Package metrics provides Prometheus metrics for the credential wallet service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Issuance ===

	// IssuanceTotal counts credential issuance attempts by outcome
	IssuanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credwallet_issuance_total",
			Help: "Credential issuance attempts by outcome",
		},
		[]string{"outcome"}, // confirmed, invalid_input, upload_failed, chain_failed, busy, replayed
	)

	// UploadsReused counts retries that reused an earlier content reference
	UploadsReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credwallet_uploads_reused_total",
			Help: "Issuance retries that skipped the upload",
		},
	)

	// UploadLatency tracks pinning upload latency
	UploadLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credwallet_upload_latency_seconds",
			Help:    "Pinning upload latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	// ChainLatency tracks submission to confirmation latency
	ChainLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credwallet_chain_latency_seconds",
			Help:    "Contract write confirmation latency in seconds",
			Buckets: []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
	)

	// === Sessions ===

	// WalletConnects counts wallet connection attempts by result
	WalletConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credwallet_wallet_connects_total",
			Help: "Wallet connection attempts by result",
		},
		[]string{"result"}, // connected, provider_missing, rejected, failed
	)

	// LoginAttempts counts identity logins by flow and result
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credwallet_login_attempts_total",
			Help: "Login attempts by flow and result",
		},
		[]string{"flow", "result"},
	)

	// === HTTP ===

	// RequestDuration tracks request processing duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credwallet_request_duration_seconds",
			Help:    "Request processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"endpoint"},
	)

	// RateLimitHits counts requests rejected by the rate limiter
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credwallet_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// === Dependencies ===

	// DependencyUp tracks dependency health (1=up, 0=down)
	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credwallet_dependency_up",
			Help: "Dependency health (1=up, 0=down)",
		},
		[]string{"dependency"}, // node, pinning, database, redis
	)

	// UptimeSeconds tracks service uptime
	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credwallet_uptime_seconds",
			Help: "Service uptime in seconds",
		},
	)

	// Info provides static configuration information
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credwallet_info",
			Help: "Build and configuration information",
		},
		[]string{"version", "chain_id", "contract", "wallet_provider"},
	)
)

// StartTime tracks when the service started
var StartTime time.Time

// Initialize sets up initial metric values
func Initialize(version, chainID, contract, walletProvider string) {
	StartTime = time.Now()
	if walletProvider == "" {
		walletProvider = "none"
	}
	Info.WithLabelValues(version, chainID, contract, walletProvider).Set(1)
}

// RecordIssuance records an issuance attempt with the given outcome
func RecordIssuance(outcome string) {
	IssuanceTotal.WithLabelValues(outcome).Inc()
}

// RecordUploadReused records a retry that reused the content reference
func RecordUploadReused() {
	UploadsReused.Inc()
}

// RecordWalletConnect records a wallet connection result
func RecordWalletConnect(result string) {
	WalletConnects.WithLabelValues(result).Inc()
}

// RecordLogin records a login attempt
func RecordLogin(flow, result string) {
	LoginAttempts.WithLabelValues(flow, result).Inc()
}

// RecordRateLimit records a rate limited request
func RecordRateLimit() {
	RateLimitHits.Inc()
}

// UpdateDependency updates a dependency health gauge
func UpdateDependency(name string, up bool) {
	if up {
		DependencyUp.WithLabelValues(name).Set(1)
	} else {
		DependencyUp.WithLabelValues(name).Set(0)
	}
}

// UpdateUptime updates the uptime gauge
func UpdateUptime() {
	UptimeSeconds.Set(time.Since(StartTime).Seconds())
}

// ObserveRequestDuration records request duration for an endpoint
func ObserveRequestDuration(endpoint string, duration time.Duration) {
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration observes the duration since the timer was created
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the duration since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

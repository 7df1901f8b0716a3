// Package metrics はGatewayのPrometheusメトリクスを定義する。
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "gateway"
)

// Outcome はリクエストの処理結果の分類。requests_totalのラベル値になる。
type Outcome string

const (
	// OutcomeForwarded はバックエンドへの転送に成功したことを表す。
	OutcomeForwarded Outcome = "forwarded"
	// OutcomeRateLimited はレート制限で拒否したことを表す。
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeUnauthorized は認証に失敗したことを表す。
	OutcomeUnauthorized Outcome = "unauthorized"
	// OutcomeBadRequest はパスや転送先URIが不正だったことを表す。
	OutcomeBadRequest Outcome = "bad_request"
	// OutcomeNotFound はサービスが登録されていなかったことを表す。
	OutcomeNotFound Outcome = "not_found"
	// OutcomeBadGateway はバックエンドとの通信またはレスポンスの解析に失敗したことを表す。
	OutcomeBadGateway Outcome = "bad_gateway"
	// OutcomeTimeout はバックエンドが時間内に応答しなかったことを表す。
	OutcomeTimeout Outcome = "timeout"
)

// Metrics はGatewayが公開するコレクタの集合。
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	services         prometheus.Gauge
	registryChanges  *prometheus.CounterVec
	auditFailures    prometheus.Counter
}

// New はコレクタを生成し、regに登録する。
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total number of proxied requests by outcome.",
			},
			[]string{"outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Time spent waiting for the backend service.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		services: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "services",
				Help:      "Number of registered services.",
			},
		),
		registryChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "changes_total",
				Help:      "Total number of registry changes by operation.",
			},
			[]string{"operation"},
		),
		auditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "append_failures_total",
				Help:      "Total number of audit events that could not be recorded.",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.requestsTotal,
		m.upstreamDuration,
		m.services,
		m.registryChanges,
		m.auditFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("メトリクスの登録に失敗: %w", err)
		}
	}
	return m, nil
}

// RegisterLimiterClients はレート制限の追跡中クライアント数を収集時に取得するゲージを登録する。
func RegisterLimiterClients(reg prometheus.Registerer, count func() int) error {
	g := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "tracked_clients",
			Help:      "Number of client identities currently tracked by the rate limiter.",
		},
		func() float64 { return float64(count()) },
	)
	if err := reg.Register(g); err != nil {
		return fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}
	return nil
}

// ObserveRequest はリクエストの処理結果を1件記録する。
func (m *Metrics) ObserveRequest(outcome Outcome) {
	m.requestsTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveUpstream はバックエンドの応答時間を記録する。
func (m *Metrics) ObserveUpstream(service string, d time.Duration) {
	m.upstreamDuration.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveRegister はサービスの登録を記録する。
func (m *Metrics) ObserveRegister(services int) {
	m.registryChanges.WithLabelValues("register").Inc()
	m.services.Set(float64(services))
}

// ObserveDeregister はサービスの登録解除を記録する。
func (m *Metrics) ObserveDeregister(services int) {
	m.registryChanges.WithLabelValues("deregister").Inc()
	m.services.Set(float64(services))
}

// ObserveAuditFailure は監査イベントの記録失敗を1件記録する。
func (m *Metrics) ObserveAuditFailure() {
	m.auditFailures.Inc()
}

// Handler はgのメトリクスをPrometheusのテキスト形式で返すハンドラを返す。
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

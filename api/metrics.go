package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/sitebook/inventory"
	"github.com/warp/sitebook/report"
)

const namespace = "sitebook"

// Metrics owns a private registry so several servers (or tests) in one
// process do not collide. It doubles as the reconciler's Observer.
type Metrics struct {
	registry *prometheus.Registry

	adjustments *prometheus.CounterVec
	missing     prometheus.Counter
	lowStock    prometheus.Gauge
	negative    prometheus.Gauge
	stockValue  prometheus.Gauge
	requests    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_adjustments_total",
			Help:      "Material stock writes made by log reconciliation, by direction.",
		}, []string{"direction"}),
		missing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_material_references_total",
			Help:      "Line items skipped because their material does not exist.",
		}),
		lowStock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "low_stock_materials",
			Help:      "Materials below the low stock threshold at the last check.",
		}),
		negative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "negative_stock_materials",
			Help:      "Materials with negative stock at the last check.",
		}),
		stockValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stock_value",
			Help:      "Total stock value at the last check.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.adjustments, m.missing, m.lowStock, m.negative, m.stockValue, m.requests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StockAdjusted implements inventory.Observer.
func (m *Metrics) StockAdjusted(_ inventory.MaterialID, delta decimal.Decimal) {
	direction := "consume"
	if delta.IsPositive() {
		direction = "restore"
	}
	m.adjustments.WithLabelValues(direction).Inc()
}

// MaterialMissing implements inventory.Observer.
func (m *Metrics) MaterialMissing(inventory.MaterialID) {
	m.missing.Inc()
}

// ObserveInventory sets the stock gauges from an inventory report.
func (m *Metrics) ObserveInventory(rep *report.InventoryReport) {
	m.lowStock.Set(float64(len(rep.LowStockItems)))
	m.negative.Set(float64(len(rep.NegativeStockItems)))
	m.stockValue.Set(rep.TotalStockValue.InexactFloat64())
}

// Middleware records request latency labelled by chi route pattern, so
// ids in paths do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requests.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

var _ inventory.Observer = (*Metrics)(nil)

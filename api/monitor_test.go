package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/sitebook/inventory"
	"github.com/warp/sitebook/report"
)

func TestMetrics_CountReconciliation(t *testing.T) {
	// GIVEN: A server whose reconciler reports to the metrics
	// WHEN: A log consumes one known and one missing material, then is deleted
	// THEN: Consume, restore and missing counters move and /metrics shows them
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 50)

	body := logBody(site.ID, "2025-03-01", m.ID, 5)
	body["materials_used"] = append(body["materials_used"].([]map[string]any),
		map[string]any{"material_id": "ghost", "quantity": 1, "rate_per_unit": 10})
	rec := ts.do(t, http.MethodPost, "/api/site-logs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	log := decodeAs[inventory.DailyLog](t, rec)

	rec = ts.do(t, http.MethodDelete, "/api/site-logs/"+string(log.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.adjustments.WithLabelValues("consume")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.adjustments.WithLabelValues("restore")))
	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.missing))

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sitebook_stock_adjustments_total{direction="consume"} 1`)
	assert.Contains(t, rec.Body.String(), `route="/api/site-logs/{id}"`)
}

func TestStockMonitor_Check(t *testing.T) {
	// GIVEN: One healthy, one low and one over-drawn material
	// WHEN: The monitor checks
	// THEN: Gauges are set and the negative one is logged
	ctx := context.Background()
	ts := newTestServer(t)
	for _, m := range []inventory.Material{
		{ID: "m1", Name: "Emulsion", RatePerUnit: d("300"), CurrentStock: d("20")},
		{ID: "m2", Name: "Primer", RatePerUnit: d("100"), CurrentStock: d("2")},
		{ID: "m3", Name: "Putty", RatePerUnit: d("10"), CurrentStock: d("-3")},
	} {
		require.NoError(t, ts.store.PutMaterial(ctx, m))
	}

	core, logs := observer.New(zap.WarnLevel)
	mon := NewStockMonitor(report.NewBuilder(ts.store), ts.metrics, zap.New(core))

	rep, err := mon.Check(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.LowStockItems, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.lowStock))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.negative))
	assert.Equal(t, 6170.0, testutil.ToFloat64(ts.metrics.stockValue))

	negatives := logs.FilterMessage("negative stock").All()
	require.Len(t, negatives, 1)
	assert.Equal(t, "m3", negatives[0].ContextMap()["material_id"])
}

func TestStockMonitor_StartStop(t *testing.T) {
	ts := newTestServer(t)
	mon := NewStockMonitor(report.NewBuilder(ts.store), ts.metrics, nil)
	mon.CheckInterval = 10 * time.Millisecond

	mon.Start()
	mon.Start()
	time.Sleep(30 * time.Millisecond)
	mon.Stop()
	mon.Stop()

	mon.Enabled = false
	mon.Start()
	assert.Nil(t, mon.ticker)
}

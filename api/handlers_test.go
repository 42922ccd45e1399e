/*
handlers_test.go - Tests for the HTTP surface

Tests for:
- Daily log lifecycle moving stock through the API
- Error mapping (400 / 404 / 503)
- Site delete cascade
- Overheads, reports, exports, health
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/sitebook/inventory"
	"github.com/warp/sitebook/inventory/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testServer struct {
	router  http.Handler
	store   *store.TxMemory
	metrics *Metrics
}

func newTestServer(t *testing.T, opts ...inventory.Option) *testServer {
	t.Helper()
	st := store.NewTxMemory()
	metrics := NewMetrics()
	opts = append([]inventory.Option{inventory.WithObserver(metrics)}, opts...)
	engine := inventory.NewReconciler(st, opts...)
	h := NewHandler(engine, zap.NewNop())
	return &testServer{
		router:  NewRouter(h, RouterConfig{RequestTimeout: 5 * time.Second, Metrics: metrics}),
		store:   st,
		metrics: metrics,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createSite(t *testing.T, name string) inventory.Site {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/sites", map[string]any{
		"name": name, "owner_name": "R. Mehta", "owner_phone": "98200",
		"location": "Hill Road", "start_date": "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[inventory.Site](t, rec)
}

func (ts *testServer) createMaterial(t *testing.T, name string, stock int) inventory.Material {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/materials", map[string]any{
		"name": name, "unit": "litre", "rate_per_unit": 300, "current_stock": stock,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[inventory.Material](t, rec)
}

func (ts *testServer) stockOf(t *testing.T, id inventory.MaterialID) decimal.Decimal {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/materials/"+string(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeAs[inventory.Material](t, rec).CurrentStock
}

func logBody(site inventory.SiteID, date string, material inventory.MaterialID, qty int) map[string]any {
	return map[string]any{
		"site_id":  site,
		"log_date": date,
		"materials_used": []map[string]any{
			{"material_id": material, "quantity": qty, "rate_per_unit": 300},
		},
		"labours_used": []map[string]any{},
	}
}

// =============================================================================
// DAILY LOG LIFECYCLE
// =============================================================================

func TestLogLifecycle_MovesStock(t *testing.T) {
	// GIVEN: A site and a material with stock 50
	// WHEN: A log consumes 5, is edited to 8, then deleted
	// THEN: Stock goes 45, 42, 50
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 50)

	rec := ts.do(t, http.MethodPost, "/api/site-logs", logBody(site.ID, "2025-03-01", m.ID, 5))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	log := decodeAs[inventory.DailyLog](t, rec)
	assert.NotEmpty(t, log.ID)
	assert.Equal(t, "Villa Rosa", log.SiteName)
	assert.Equal(t, "Emulsion", log.Materials[0].MaterialName)
	assert.True(t, d("1500").Equal(log.TotalCost))
	assert.True(t, d("45").Equal(ts.stockOf(t, m.ID)))

	rec = ts.do(t, http.MethodPut, "/api/site-logs/"+string(log.ID), logBody(site.ID, "2025-03-01", m.ID, 8))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, log.ID, decodeAs[inventory.DailyLog](t, rec).ID)
	assert.True(t, d("42").Equal(ts.stockOf(t, m.ID)))

	rec = ts.do(t, http.MethodDelete, "/api/site-logs/"+string(log.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Log deleted successfully", decodeAs[MessageResponse](t, rec).Message)
	assert.True(t, d("50").Equal(ts.stockOf(t, m.ID)))

	rec = ts.do(t, http.MethodGet, "/api/site-logs/"+string(log.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateLog_IgnoresClientTotals(t *testing.T) {
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 50)

	body := map[string]any{
		"site_id":  site.ID,
		"log_date": "2025-03-01",
		"materials_used": []map[string]any{
			{"material_id": m.ID, "quantity": 4, "rate_per_unit": 300, "total_cost": 1},
		},
		"labours_used": []map[string]any{
			{"labour_id": "lb1", "labour_name": "Painter", "count": 2, "rate_per_day": 800},
		},
		"total_material_cost": 9,
		"total_cost":          9,
	}
	rec := ts.do(t, http.MethodPost, "/api/site-logs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Decimals are JSON numbers.
	raw := decodeAs[map[string]any](t, rec)
	assert.Equal(t, float64(1200), raw["total_material_cost"])
	assert.Equal(t, float64(1600), raw["total_labour_cost"])
	assert.Equal(t, float64(2800), raw["total_cost"])
}

func TestCreateLog_MissingMaterialTolerated(t *testing.T) {
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")

	rec := ts.do(t, http.MethodPost, "/api/site-logs", logBody(site.ID, "2025-03-01", "ghost", 2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, d("600").Equal(decodeAs[inventory.DailyLog](t, rec).TotalMaterialCost))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestCreateLog_ValidationIs400(t *testing.T) {
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 50)

	body := logBody(site.ID, "", m.ID, -1)
	rec := ts.do(t, http.MethodPost, "/api/site-logs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, "Validation failed", resp.Error)
	fields, ok := resp.Details.(map[string]any)
	require.True(t, ok, "details: %#v", resp.Details)
	assert.Contains(t, fields, "log_date")
	assert.Contains(t, fields, "materials_used[0].quantity")

	// Nothing moved.
	assert.True(t, d("50").Equal(ts.stockOf(t, m.ID)))
}

func TestMalformedBodyIs400(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/site-logs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decodeAs[ErrorResponse](t, rec).Error)
}

func TestUnknownLogIs404(t *testing.T) {
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 50)

	rec := ts.do(t, http.MethodPut, "/api/site-logs/nope", logBody(site.ID, "2025-03-01", m.ID, 5))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Log not found", decodeAs[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodDelete, "/api/site-logs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, d("50").Equal(ts.stockOf(t, m.ID)))
}

func TestCreateLog_UnknownSiteIs404(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMaterial(t, "Emulsion", 50)

	rec := ts.do(t, http.MethodPost, "/api/site-logs", logBody("nowhere", "2025-03-01", m.ID, 5))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Site not found", decodeAs[ErrorResponse](t, rec).Error)
	assert.True(t, d("50").Equal(ts.stockOf(t, m.ID)))
}

type unavailableLocker struct{}

func (unavailableLocker) Lock(context.Context, ...string) (func(), error) {
	return nil, inventory.Transient("lock", context.DeadlineExceeded)
}

func TestTransientIs503(t *testing.T) {
	ts := newTestServer(t, inventory.WithLocker(unavailableLocker{}))
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 50)

	rec := ts.do(t, http.MethodPost, "/api/site-logs", logBody(site.ID, "2025-03-01", m.ID, 5))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// SITES AND OVERHEADS
// =============================================================================

func TestSite_DefaultsAndUpdate(t *testing.T) {
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	assert.Equal(t, inventory.SiteRunning, site.Status)

	rec := ts.do(t, http.MethodPut, "/api/sites/"+string(site.ID), map[string]any{
		"name": "Villa Rosa", "owner_name": "R. Mehta", "owner_phone": "98200",
		"location": "Hill Road", "start_date": "2025-01-01", "status": "On Hold",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeAs[inventory.Site](t, rec)
	assert.Equal(t, inventory.SiteOnHold, updated.Status)
	assert.True(t, site.CreatedAt.Equal(updated.CreatedAt))

	rec = ts.do(t, http.MethodPut, "/api/sites/"+string(site.ID), map[string]any{
		"name": "Villa Rosa", "owner_name": "R. Mehta", "owner_phone": "98200",
		"location": "Hill Road", "start_date": "2025-01-01", "status": "Paused",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/sites/missing", map[string]any{
		"name": "X", "owner_name": "Y", "owner_phone": "1",
		"location": "Z", "start_date": "2025-01-01",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSite_RestoresStockAndCascades(t *testing.T) {
	// GIVEN: Stock 50, two logs on the site taking 5 and 7, one overhead
	// WHEN: Deleting the site
	// THEN: Stock is back to 50 and the logs and overhead are gone
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 50)

	for i, qty := range []int{5, 7} {
		date := []string{"2025-03-01", "2025-03-02"}[i]
		rec := ts.do(t, http.MethodPost, "/api/site-logs", logBody(site.ID, date, m.ID, qty))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := ts.do(t, http.MethodPost, "/api/overheads", map[string]any{
		"site_id": site.ID, "date": "2025-03-01", "category": "Transport", "amount": 400,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, d("38").Equal(ts.stockOf(t, m.ID)))

	rec = ts.do(t, http.MethodDelete, "/api/sites/"+string(site.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[SiteDeletedResponse](t, rec)
	assert.Equal(t, 2, resp.LogsDeleted)
	assert.Equal(t, 1, resp.OverheadsDeleted)

	assert.True(t, d("50").Equal(ts.stockOf(t, m.ID)))

	rec = ts.do(t, http.MethodGet, "/api/site-logs?site_id="+string(site.ID), nil)
	assert.Equal(t, "[]\n", rec.Body.String())
	rec = ts.do(t, http.MethodGet, "/api/overheads?site_id="+string(site.ID), nil)
	assert.Equal(t, "[]\n", rec.Body.String())
	rec = ts.do(t, http.MethodGet, "/api/sites/"+string(site.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOverhead_RequiresSiteAndFillsName(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/overheads", map[string]any{
		"site_id": "nowhere", "date": "2025-03-01", "category": "Food", "amount": 150,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	site := ts.createSite(t, "Villa Rosa")
	rec = ts.do(t, http.MethodPost, "/api/overheads", map[string]any{
		"site_id": site.ID, "date": "2025-03-01", "category": "Food", "amount": 150,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decodeAs[inventory.Overhead](t, rec)
	assert.Equal(t, "Villa Rosa", o.SiteName)

	rec = ts.do(t, http.MethodPut, "/api/overheads/"+string(o.ID), map[string]any{
		"site_id": site.ID, "date": "2025-03-02", "category": "Food", "amount": 175,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, d("175").Equal(decodeAs[inventory.Overhead](t, rec).Amount))

	rec = ts.do(t, http.MethodDelete, "/api/overheads/"+string(o.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/overheads/"+string(o.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLabourCRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/labours", map[string]any{"name": "Painter", "rate_per_day": 800})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	l := decodeAs[inventory.Labour](t, rec)

	rec = ts.do(t, http.MethodPut, "/api/labours/"+string(l.ID), map[string]any{"name": "Painter", "rate_per_day": 900})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/labours/"+string(l.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, d("900").Equal(decodeAs[inventory.Labour](t, rec).RatePerDay))

	rec = ts.do(t, http.MethodPost, "/api/labours", map[string]any{"rate_per_day": 800})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/labours/"+string(l.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateMaterial_CorrectsStock(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMaterial(t, "Emulsion", 50)

	rec := ts.do(t, http.MethodPut, "/api/materials/"+string(m.ID), map[string]any{
		"name": "Emulsion", "unit": "litre", "rate_per_unit": 320, "current_stock": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, d("60").Equal(ts.stockOf(t, m.ID)))

	rec = ts.do(t, http.MethodPut, "/api/materials/missing", map[string]any{
		"name": "Emulsion", "unit": "litre", "rate_per_unit": 320,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/materials/"+string(m.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/materials/"+string(m.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REPORTS, EXPORTS, HEALTH, METRICS
// =============================================================================

func TestReports(t *testing.T) {
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	m := ts.createMaterial(t, "Emulsion", 8)

	rec := ts.do(t, http.MethodPost, "/api/site-logs", logBody(site.ID, "2025-03-01", m.ID, 5))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/reports/site/"+string(site.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	raw := decodeAs[map[string]any](t, rec)
	assert.Equal(t, float64(1500), raw["grand_total"])
	assert.Equal(t, float64(1), raw["logs_count"])

	rec = ts.do(t, http.MethodGet, "/api/reports/daily?date=2025-03-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1500), decodeAs[map[string]any](t, rec)["total_cost"])

	rec = ts.do(t, http.MethodGet, "/api/reports/daily?date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/reports/inventory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decodeAs[map[string]any](t, rec)
	assert.Equal(t, float64(900), inv["total_stock_value"])
	assert.Len(t, inv["low_stock_items"], 1)
	assert.Len(t, inv["negative_stock_items"], 0)

	rec = ts.do(t, http.MethodGet, "/api/reports/site/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExports(t *testing.T) {
	ts := newTestServer(t)
	site := ts.createSite(t, "Villa Rosa")
	ts.createMaterial(t, "Emulsion", 8)

	rec := ts.do(t, http.MethodGet, "/api/export/inventory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "inventory_report.xlsx")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")

	rec = ts.do(t, http.MethodGet, "/api/export/site/"+string(site.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "site_report_Villa Rosa.xlsx")

	rec = ts.do(t, http.MethodGet, "/api/export/site/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "healthy", Message: "Painting Contractor API is running"},
		decodeAs[HealthResponse](t, rec))
}

/*
handlers.go - HTTP API handlers for the site book

PURPOSE:
  Exposes the inventory engine, the plain catalogs and the reports via
  REST. Handlers parse the request, delegate, and map errors to status
  codes. Every stock-moving write goes through inventory.Reconciler.

ENDPOINTS:
  Sites:
    GET    /api/sites                  List sites
    POST   /api/sites                  Create site
    GET    /api/sites/{id}             Get site
    PUT    /api/sites/{id}             Replace site
    DELETE /api/sites/{id}             Delete site, its logs and overheads (restores stock)

  Materials, Labours:
    GET / POST /api/{materials,labours}
    GET / PUT / DELETE /api/{materials,labours}/{id}

  Daily logs:
    GET    /api/site-logs?site_id=     List logs, newest first
    POST   /api/site-logs              Create log (consumes stock)
    GET    /api/site-logs/{id}         Get log
    PUT    /api/site-logs/{id}         Replace log (net stock delta)
    DELETE /api/site-logs/{id}         Delete log (restores stock)

  Overheads:
    GET    /api/overheads?site_id=     List overheads, newest first
    POST / GET / PUT / DELETE          as above

  Reports:
    GET    /api/reports/site/{id}      Site cost totals
    GET    /api/reports/daily?date=    Logs for a date with total cost
    GET    /api/reports/inventory      Stock value, low and negative stock
    GET    /api/export/site/{id}       Site workbook (.xlsx)
    GET    /api/export/inventory       Inventory workbook (.xlsx)

ERROR HANDLING:
  Errors are returned as JSON ErrorResponse with:
  - 400: Validation errors, malformed body
  - 404: Resource not found
  - 503: Store unavailable or timed out (safe for the client to retry)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - inventory/reconcile.go: stock reconciliation
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/sitebook/inventory"
	"github.com/warp/sitebook/report"
)

func init() {
	// Money and quantities go out as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *inventory.Reconciler
	Store   inventory.TxStore
	Reports *report.Builder
	Logger  *zap.Logger
}

// NewHandler creates a handler around the engine and its store.
func NewHandler(engine *inventory.Reconciler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:  engine,
		Store:   engine.Store(),
		Reports: report.NewBuilder(engine.Store()),
		Logger:  logger,
	}
}

// =============================================================================
// SITE HANDLERS
// =============================================================================

func (h *Handler) ListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.Store.ListSites(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sites))
}

func (h *Handler) GetSite(w http.ResponseWriter, r *http.Request) {
	id := inventory.SiteID(chi.URLParam(r, "id"))
	site, err := h.Store.GetSite(r.Context(), id)
	if err == nil && site == nil {
		err = inventory.NotFound("site", id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (h *Handler) CreateSite(w http.ResponseWriter, r *http.Request) {
	var req SiteRequest
	if !decode(w, r, &req) {
		return
	}
	site := req.toSite()
	if err := inventory.Validate(site); err != nil {
		h.fail(w, r, err)
		return
	}
	site.ID = inventory.SiteID(h.Engine.NewID())
	site.CreatedAt = h.Engine.Now()
	if err := h.Store.PutSite(r.Context(), site); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (h *Handler) UpdateSite(w http.ResponseWriter, r *http.Request) {
	id := inventory.SiteID(chi.URLParam(r, "id"))
	var req SiteRequest
	if !decode(w, r, &req) {
		return
	}
	site := req.toSite()
	if err := inventory.Validate(site); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.Store.WithTx(r.Context(), func(tx inventory.Store) error {
		old, err := tx.GetSite(r.Context(), id)
		if err != nil {
			return err
		}
		if old == nil {
			return inventory.NotFound("site", id)
		}
		site.ID = id
		site.CreatedAt = old.CreatedAt
		return tx.PutSite(r.Context(), site)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// DeleteSite removes the site with every log and overhead on it. Stock the
// logs consumed is returned to the material store.
func (h *Handler) DeleteSite(w http.ResponseWriter, r *http.Request) {
	id := inventory.SiteID(chi.URLParam(r, "id"))
	res, err := h.Engine.CascadeDeleteSite(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SiteDeletedResponse{
		Message:       "Site deleted successfully",
		CascadeResult: res,
	})
}

// =============================================================================
// MATERIAL HANDLERS
// =============================================================================

func (h *Handler) ListMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := h.Store.ListMaterials(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(materials))
}

func (h *Handler) GetMaterial(w http.ResponseWriter, r *http.Request) {
	id := inventory.MaterialID(chi.URLParam(r, "id"))
	m, err := h.Store.GetMaterial(r.Context(), id)
	if err == nil && m == nil {
		err = inventory.NotFound("material", id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) CreateMaterial(w http.ResponseWriter, r *http.Request) {
	var req MaterialRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Engine.CreateMaterial(r.Context(), req.toMaterial())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// UpdateMaterial replaces a material, stock included. Use it for stock
// takes and deliveries.
func (h *Handler) UpdateMaterial(w http.ResponseWriter, r *http.Request) {
	id := inventory.MaterialID(chi.URLParam(r, "id"))
	var req MaterialRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Engine.ReplaceMaterial(r.Context(), id, req.toMaterial())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteMaterial(w http.ResponseWriter, r *http.Request) {
	id := inventory.MaterialID(chi.URLParam(r, "id"))
	if err := h.Engine.DeleteMaterial(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Material deleted successfully"})
}

// =============================================================================
// LABOUR HANDLERS
// =============================================================================

func (h *Handler) ListLabours(w http.ResponseWriter, r *http.Request) {
	labours, err := h.Store.ListLabours(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(labours))
}

func (h *Handler) GetLabour(w http.ResponseWriter, r *http.Request) {
	id := inventory.LabourID(chi.URLParam(r, "id"))
	l, err := h.Store.GetLabour(r.Context(), id)
	if err == nil && l == nil {
		err = inventory.NotFound("labour", id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) CreateLabour(w http.ResponseWriter, r *http.Request) {
	var req LabourRequest
	if !decode(w, r, &req) {
		return
	}
	l := req.toLabour()
	if err := inventory.Validate(l); err != nil {
		h.fail(w, r, err)
		return
	}
	l.ID = inventory.LabourID(h.Engine.NewID())
	l.CreatedAt = h.Engine.Now()
	if err := h.Store.PutLabour(r.Context(), l); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) UpdateLabour(w http.ResponseWriter, r *http.Request) {
	id := inventory.LabourID(chi.URLParam(r, "id"))
	var req LabourRequest
	if !decode(w, r, &req) {
		return
	}
	l := req.toLabour()
	if err := inventory.Validate(l); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.Store.WithTx(r.Context(), func(tx inventory.Store) error {
		old, err := tx.GetLabour(r.Context(), id)
		if err != nil {
			return err
		}
		if old == nil {
			return inventory.NotFound("labour", id)
		}
		l.ID = id
		l.CreatedAt = old.CreatedAt
		return tx.PutLabour(r.Context(), l)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) DeleteLabour(w http.ResponseWriter, r *http.Request) {
	id := inventory.LabourID(chi.URLParam(r, "id"))
	if err := h.Store.DeleteLabour(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Labour deleted successfully"})
}

// =============================================================================
// DAILY LOG HANDLERS
// =============================================================================

// ListLogs returns logs newest first, optionally for one site.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	f := inventory.LogFilter{SiteID: inventory.SiteID(r.URL.Query().Get("site_id"))}
	logs, err := h.Store.ListLogs(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	id := inventory.LogID(chi.URLParam(r, "id"))
	l, err := h.Store.GetLog(r.Context(), id)
	if err == nil && l == nil {
		err = inventory.NotFound("log", id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CreateLog records a site-day and consumes its materials from stock.
// Totals in the body are ignored and recomputed.
func (h *Handler) CreateLog(w http.ResponseWriter, r *http.Request) {
	var in inventory.LogInput
	if !decode(w, r, &in) {
		return
	}
	l, err := h.Engine.CreateLog(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) UpdateLog(w http.ResponseWriter, r *http.Request) {
	id := inventory.LogID(chi.URLParam(r, "id"))
	var in inventory.LogInput
	if !decode(w, r, &in) {
		return
	}
	l, err := h.Engine.UpdateLog(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) DeleteLog(w http.ResponseWriter, r *http.Request) {
	id := inventory.LogID(chi.URLParam(r, "id"))
	if err := h.Engine.DeleteLog(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Log deleted successfully"})
}

// =============================================================================
// OVERHEAD HANDLERS
// =============================================================================

func (h *Handler) ListOverheads(w http.ResponseWriter, r *http.Request) {
	f := inventory.OverheadFilter{SiteID: inventory.SiteID(r.URL.Query().Get("site_id"))}
	overheads, err := h.Store.ListOverheads(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(overheads))
}

func (h *Handler) GetOverhead(w http.ResponseWriter, r *http.Request) {
	id := inventory.OverheadID(chi.URLParam(r, "id"))
	o, err := h.Store.GetOverhead(r.Context(), id)
	if err == nil && o == nil {
		err = inventory.NotFound("overhead", id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) CreateOverhead(w http.ResponseWriter, r *http.Request) {
	var req OverheadRequest
	if !decode(w, r, &req) {
		return
	}
	o := req.toOverhead()
	if err := inventory.Validate(o); err != nil {
		h.fail(w, r, err)
		return
	}
	o.ID = inventory.OverheadID(h.Engine.NewID())
	o.CreatedAt = h.Engine.Now()
	err := h.Store.WithTx(r.Context(), func(tx inventory.Store) error {
		if err := fillSiteName(r.Context(), tx, &o); err != nil {
			return err
		}
		return tx.PutOverhead(r.Context(), o)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) UpdateOverhead(w http.ResponseWriter, r *http.Request) {
	id := inventory.OverheadID(chi.URLParam(r, "id"))
	var req OverheadRequest
	if !decode(w, r, &req) {
		return
	}
	o := req.toOverhead()
	if err := inventory.Validate(o); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.Store.WithTx(r.Context(), func(tx inventory.Store) error {
		old, err := tx.GetOverhead(r.Context(), id)
		if err != nil {
			return err
		}
		if old == nil {
			return inventory.NotFound("overhead", id)
		}
		o.ID = id
		o.CreatedAt = old.CreatedAt
		if err := fillSiteName(r.Context(), tx, &o); err != nil {
			return err
		}
		return tx.PutOverhead(r.Context(), o)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) DeleteOverhead(w http.ResponseWriter, r *http.Request) {
	id := inventory.OverheadID(chi.URLParam(r, "id"))
	if err := h.Store.DeleteOverhead(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Overhead deleted successfully"})
}

// fillSiteName requires the overhead's site and snapshots its name.
func fillSiteName(ctx context.Context, st inventory.Store, o *inventory.Overhead) error {
	site, err := st.GetSite(ctx, o.SiteID)
	if err != nil {
		return err
	}
	if site == nil {
		return inventory.NotFound("site", o.SiteID)
	}
	if o.SiteName == "" {
		o.SiteName = site.Name
	}
	return nil
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

func (h *Handler) SiteReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.Site(r.Context(), inventory.SiteID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) DailyReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.Daily(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rep.Logs = nonNil(rep.Logs)
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) InventoryReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.Inventory(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rep.Materials = nonNil(rep.Materials)
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// EXPORT HANDLERS
// =============================================================================

func (h *Handler) ExportSite(w http.ResponseWriter, r *http.Request) {
	id := inventory.SiteID(chi.URLParam(r, "id"))
	h.export(w, r, func(out io.Writer) (string, error) {
		return h.Reports.WriteSite(r.Context(), id, out)
	})
}

func (h *Handler) ExportInventory(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, func(out io.Writer) (string, error) {
		return h.Reports.WriteInventory(r.Context(), out)
	})
}

// export buffers the workbook so a failure still gets a JSON error.
func (h *Handler) export(w http.ResponseWriter, r *http.Request, write func(io.Writer) (string, error)) {
	var buf bytes.Buffer
	name, err := write(&buf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", report.ContentTypeXLSX)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.Logger.Warn("write export", zap.String("file", name), zap.Error(err))
	}
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness, and store reachability when the store can tell.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:  "unhealthy",
				Message: "Store unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Message: "Painting Contractor API is running",
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

// fail maps an engine or store error to its status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		nf *inventory.NotFoundError
		ve *inventory.ValidationError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "Validation failed", ve.Fields)
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, capitalize(nf.Kind)+" not found", nf.Error())
	case inventory.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err.Error())
	case inventory.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
	case inventory.IsTransient(err):
		h.Logger.Warn("store unavailable",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Store unavailable, retry later", err.Error())
	default:
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// nonNil keeps empty lists as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

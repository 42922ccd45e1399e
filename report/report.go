/*
Package report derives read-only cost and stock summaries.

PURPOSE:
  Site, daily and inventory reports for the API, plus the data behind the
  xlsx exports (export.go). Nothing here writes to the store.

TOTALS:
  Every cost is recomputed from line items through inventory.SumLogs.
  Stored totals on a log are never summed.

STOCK FLAGS:
  LowStockItems:      CurrentStock < LowStockThreshold (negatives included)
  NegativeStockItems: CurrentStock < 0, the subset that is over-drawn

SEE ALSO:
  - inventory/cost.go: the aggregation primitives
  - api/monitor.go: periodic low / negative stock gauges
*/
package report

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/sitebook/inventory"
)

// LowStockThreshold is the quantity below which a material is flagged.
var LowStockThreshold = decimal.NewFromInt(5)

// Source is the read side of the store reports need.
type Source interface {
	GetSite(ctx context.Context, id inventory.SiteID) (*inventory.Site, error)
	ListLogs(ctx context.Context, f inventory.LogFilter) ([]inventory.DailyLog, error)
	ListOverheads(ctx context.Context, f inventory.OverheadFilter) ([]inventory.Overhead, error)
	ListMaterials(ctx context.Context) ([]inventory.Material, error)
}

type Builder struct {
	src Source
	now func() time.Time
}

func NewBuilder(src Source) *Builder {
	return &Builder{src: src, now: time.Now}
}

// =============================================================================
// SITE REPORT
// =============================================================================

type SiteReport struct {
	Site              inventory.Site  `json:"site"`
	TotalMaterialCost decimal.Decimal `json:"total_material_cost"`
	TotalLabourCost   decimal.Decimal `json:"total_labour_cost"`
	TotalOverheadCost decimal.Decimal `json:"total_overhead_cost"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	LogsCount         int             `json:"logs_count"`
	OverheadsCount    int             `json:"overheads_count"`
}

// SiteData is a site with its logs and overheads, oldest first.
type SiteData struct {
	Report    SiteReport
	Logs      []inventory.DailyLog
	Overheads []inventory.Overhead
}

// Site aggregates one site's costs.
func (b *Builder) Site(ctx context.Context, id inventory.SiteID) (*SiteReport, error) {
	data, err := b.SiteData(ctx, id)
	if err != nil {
		return nil, err
	}
	return &data.Report, nil
}

// SiteData loads a site's logs and overheads concurrently and aggregates them.
func (b *Builder) SiteData(ctx context.Context, id inventory.SiteID) (*SiteData, error) {
	site, err := b.src.GetSite(ctx, id)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, inventory.NotFound("site", id)
	}

	var (
		logs      []inventory.DailyLog
		overheads []inventory.Overhead
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		logs, err = b.src.ListLogs(gctx, inventory.LogFilter{SiteID: id})
		return err
	})
	g.Go(func() error {
		var err error
		overheads, err = b.src.ListOverheads(gctx, inventory.OverheadFilter{SiteID: id})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Stores list newest first; exports read oldest first.
	slices.Reverse(logs)
	slices.Reverse(overheads)

	totals := inventory.SumLogs(logs)
	overheadTotal := inventory.SumOverheads(overheads)
	return &SiteData{
		Report: SiteReport{
			Site:              *site,
			TotalMaterialCost: totals.Material,
			TotalLabourCost:   totals.Labour,
			TotalOverheadCost: overheadTotal,
			GrandTotal:        totals.Grand.Add(overheadTotal),
			LogsCount:         len(logs),
			OverheadsCount:    len(overheads),
		},
		Logs:      logs,
		Overheads: overheads,
	}, nil
}

// =============================================================================
// DAILY REPORT
// =============================================================================

const allDates = "All dates"

type DailyReport struct {
	Date      string               `json:"date"`
	Logs      []inventory.DailyLog `json:"logs"`
	TotalCost decimal.Decimal      `json:"total_cost"`
}

// Daily lists logs for date, or for every date when date is empty.
func (b *Builder) Daily(ctx context.Context, date string) (*DailyReport, error) {
	if date != "" {
		if _, err := time.Parse(inventory.DateLayout, date); err != nil {
			return nil, inventory.Invalid("date", "calendar_date")
		}
	}
	logs, err := b.src.ListLogs(ctx, inventory.LogFilter{LogDate: date})
	if err != nil {
		return nil, err
	}
	label := date
	if label == "" {
		label = allDates
	}
	return &DailyReport{
		Date:      label,
		Logs:      logs,
		TotalCost: inventory.SumLogs(logs).Grand,
	}, nil
}

// =============================================================================
// INVENTORY REPORT
// =============================================================================

type InventoryReport struct {
	Materials          []inventory.Material `json:"materials"`
	TotalStockValue    decimal.Decimal      `json:"total_stock_value"`
	LowStockItems      []inventory.Material `json:"low_stock_items"`
	NegativeStockItems []inventory.Material `json:"negative_stock_items"`
}

func (b *Builder) Inventory(ctx context.Context) (*InventoryReport, error) {
	materials, err := b.src.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	return Summarize(materials), nil
}

// Summarize computes stock value and flags from a material list.
func Summarize(materials []inventory.Material) *InventoryReport {
	rep := &InventoryReport{
		Materials:          materials,
		TotalStockValue:    decimal.Zero,
		LowStockItems:      []inventory.Material{},
		NegativeStockItems: []inventory.Material{},
	}
	for _, m := range materials {
		rep.TotalStockValue = rep.TotalStockValue.Add(m.StockValue())
		if m.CurrentStock.LessThan(LowStockThreshold) {
			rep.LowStockItems = append(rep.LowStockItems, m)
		}
		if m.CurrentStock.IsNegative() {
			rep.NegativeStockItems = append(rep.NegativeStockItems, m)
		}
	}
	return rep
}

package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/sitebook/inventory"
)

// ContentTypeXLSX is the media type of generated workbooks.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	siteSheet      = "Site Report"
	inventorySheet = "Inventory Report"
	headerColor    = "366092"
)

// sheetStyles are the cell styles shared by both workbooks.
type sheetStyles struct {
	title, section, header, bold, grand int
}

func newStyles(f *excelize.File) (sheetStyles, error) {
	var (
		st  sheetStyles
		err error
	)
	defs := []struct {
		dst   *int
		style *excelize.Style
	}{
		{&st.title, &excelize.Style{Font: &excelize.Font{Bold: true, Size: 16}}},
		{&st.section, &excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}}},
		{&st.header, &excelize.Style{
			Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
			Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{headerColor}},
		}},
		{&st.bold, &excelize.Style{Font: &excelize.Font{Bold: true}}},
		{&st.grand, &excelize.Style{Font: &excelize.Font{Bold: true, Size: 12, Color: "FF0000"}}},
	}
	for _, d := range defs {
		if *d.dst, err = f.NewStyle(d.style); err != nil {
			return st, eris.Wrap(err, "report: new style")
		}
	}
	return st, nil
}

// sheetWriter appends rows to one sheet and remembers the widest value per
// column for the final width pass.
type sheetWriter struct {
	f      *excelize.File
	sheet  string
	row    int
	widths map[int]int
	err    error
}

func (w *sheetWriter) cell(col, row int) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil && w.err == nil {
		w.err = eris.Wrap(err, "report: cell name")
	}
	return name
}

// put writes values starting at column 1 of the current row, optionally
// styled, and advances the row.
func (w *sheetWriter) put(style int, values ...any) {
	if w.err != nil {
		return
	}
	start := w.cell(1, w.row)
	if err := w.f.SetSheetRow(w.sheet, start, &values); err != nil {
		w.err = eris.Wrapf(err, "report: write row %d", w.row)
		return
	}
	if style != 0 && len(values) > 0 {
		end := w.cell(len(values), w.row)
		if err := w.f.SetCellStyle(w.sheet, start, end, style); err != nil {
			w.err = eris.Wrap(err, "report: style row")
			return
		}
	}
	for i, v := range values {
		if n := len(fmt.Sprint(v)); n > w.widths[i+1] {
			w.widths[i+1] = n
		}
	}
	w.row++
}

// putAt writes a label / value pair at the given columns of the current row.
func (w *sheetWriter) putAt(col int, label string, value any, labelStyle, valueStyle int) {
	if w.err != nil {
		return
	}
	lc, vc := w.cell(col, w.row), w.cell(col+1, w.row)
	for _, c := range []struct {
		ref   string
		v     any
		style int
	}{{lc, label, labelStyle}, {vc, value, valueStyle}} {
		if err := w.f.SetCellValue(w.sheet, c.ref, c.v); err != nil {
			w.err = eris.Wrap(err, "report: set cell")
			return
		}
		if c.style != 0 {
			if err := w.f.SetCellStyle(w.sheet, c.ref, c.ref, c.style); err != nil {
				w.err = eris.Wrap(err, "report: style cell")
				return
			}
		}
	}
	w.row++
}

func (w *sheetWriter) skip() { w.row++ }

func (w *sheetWriter) autosize() {
	for col, width := range w.widths {
		if w.err != nil {
			return
		}
		name, err := excelize.ColumnNumberToName(col)
		if err != nil {
			w.err = eris.Wrap(err, "report: column name")
			return
		}
		if err := w.f.SetColWidth(w.sheet, name, name, float64(width+2)); err != nil {
			w.err = eris.Wrap(err, "report: column width")
		}
	}
}

func money(d decimal.Decimal) float64 { return d.InexactFloat64() }

// =============================================================================
// SITE WORKBOOK
// =============================================================================

// SiteWorkbook lays out a site header, its daily logs, its overheads and a
// cost summary on one sheet.
func SiteWorkbook(data *SiteData) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", siteSheet); err != nil {
		f.Close()
		return nil, eris.Wrap(err, "report: rename sheet")
	}
	st, err := newStyles(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	site := data.Report.Site
	w := &sheetWriter{f: f, sheet: siteSheet, row: 1, widths: map[int]int{}}
	w.put(st.title, "Site Report")
	w.put(0, "Site Name: "+site.Name)
	w.put(0, "Owner: "+site.OwnerName)
	w.put(0, "Location: "+site.Location)
	w.put(0, "Status: "+string(site.Status))
	w.skip()

	w.put(st.section, "Daily Logs")
	w.put(st.header, "Date", "Materials Cost", "Labour Cost", "Total Cost", "Notes")
	for _, l := range data.Logs {
		t := l.Totals()
		w.put(0, l.LogDate, money(t.Material), money(t.Labour), money(t.Grand), l.Notes)
	}
	w.skip()

	w.put(st.section, "Overheads")
	w.put(st.header, "Date", "Category", "Amount", "Description")
	for _, o := range data.Overheads {
		w.put(0, o.Date, o.Category, money(o.Amount), o.Description)
	}
	w.skip()

	rep := data.Report
	w.put(st.section, "Summary")
	w.putAt(1, "Total Material Cost:", money(rep.TotalMaterialCost), 0, st.bold)
	w.putAt(1, "Total Labour Cost:", money(rep.TotalLabourCost), 0, st.bold)
	w.putAt(1, "Total Overhead Cost:", money(rep.TotalOverheadCost), 0, st.bold)
	w.putAt(1, "Grand Total:", money(rep.GrandTotal), st.bold, st.grand)
	w.autosize()

	if w.err != nil {
		f.Close()
		return nil, w.err
	}
	return f, nil
}

// WriteSite streams the site workbook to out and returns its file name.
func (b *Builder) WriteSite(ctx context.Context, id inventory.SiteID, out io.Writer) (string, error) {
	data, err := b.SiteData(ctx, id)
	if err != nil {
		return "", err
	}
	f, err := SiteWorkbook(data)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.Write(out); err != nil {
		return "", eris.Wrap(err, "report: write site workbook")
	}
	return fmt.Sprintf("site_report_%s.xlsx", data.Report.Site.Name), nil
}

// =============================================================================
// INVENTORY WORKBOOK
// =============================================================================

// InventoryWorkbook lists every material with its stock value and a total.
func InventoryWorkbook(materials []inventory.Material, generated time.Time) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", inventorySheet); err != nil {
		f.Close()
		return nil, eris.Wrap(err, "report: rename sheet")
	}
	st, err := newStyles(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	w := &sheetWriter{f: f, sheet: inventorySheet, row: 1, widths: map[int]int{}}
	w.put(st.title, "Central Material Inventory Report")
	w.put(0, "Generated on: "+generated.Format("2006-01-02 15:04"))
	w.skip()

	w.put(st.header, "Material Name", "Unit", "Rate per Unit", "Current Stock", "Stock Value")
	summary := Summarize(materials)
	for _, m := range materials {
		w.put(0, m.Name, m.Unit, money(m.RatePerUnit), money(m.CurrentStock), money(m.StockValue()))
	}
	w.skip()
	w.putAt(4, "Total Stock Value:", money(summary.TotalStockValue), st.bold, st.grand)
	w.autosize()

	if w.err != nil {
		f.Close()
		return nil, w.err
	}
	return f, nil
}

// WriteInventory streams the inventory workbook to out.
func (b *Builder) WriteInventory(ctx context.Context, out io.Writer) (string, error) {
	materials, err := b.src.ListMaterials(ctx)
	if err != nil {
		return "", err
	}
	f, err := InventoryWorkbook(materials, b.now())
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.Write(out); err != nil {
		return "", eris.Wrap(err, "report: write inventory workbook")
	}
	return "inventory_report.xlsx", nil
}

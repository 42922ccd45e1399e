package inventory

import "github.com/shopspring/decimal"

// Totals are the three derived costs of a log, or of any set of logs.
type Totals struct {
	Material decimal.Decimal `json:"total_material_cost"`
	Labour   decimal.Decimal `json:"total_labour_cost"`
	Grand    decimal.Decimal `json:"total_cost"`
}

// Add sums two Totals.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Material: t.Material.Add(o.Material),
		Labour:   t.Labour.Add(o.Labour),
		Grand:    t.Grand.Add(o.Grand),
	}
}

// LineTotal is quantity × rate. Any TotalCost already on the item is ignored.
func (m MaterialLineItem) LineTotal() decimal.Decimal {
	return m.Quantity.Mul(m.RatePerUnit)
}

// LineTotal is count × rate per day.
func (l LabourLineItem) LineTotal() decimal.Decimal {
	return decimal.NewFromInt(int64(l.Count)).Mul(l.RatePerDay)
}

// PriceMaterials returns a copy of items with TotalCost recomputed.
func PriceMaterials(items []MaterialLineItem) []MaterialLineItem {
	out := make([]MaterialLineItem, len(items))
	for i, it := range items {
		it.TotalCost = it.LineTotal()
		out[i] = it
	}
	return out
}

// PriceLabours returns a copy of items with TotalCost recomputed.
func PriceLabours(items []LabourLineItem) []LabourLineItem {
	out := make([]LabourLineItem, len(items))
	for i, it := range items {
		it.TotalCost = it.LineTotal()
		out[i] = it
	}
	return out
}

// ComputeTotals derives the totals from line items alone.
func ComputeTotals(materials []MaterialLineItem, labours []LabourLineItem) Totals {
	t := Totals{Material: decimal.Zero, Labour: decimal.Zero}
	for _, m := range materials {
		t.Material = t.Material.Add(m.LineTotal())
	}
	for _, l := range labours {
		t.Labour = t.Labour.Add(l.LineTotal())
	}
	t.Grand = t.Material.Add(t.Labour)
	return t
}

// Totals recomputes the log's totals from its line items. The stored
// TotalMaterialCost / TotalLabourCost / TotalCost fields are not read.
func (l DailyLog) Totals() Totals {
	return ComputeTotals(l.Materials, l.Labours)
}

// SumLogs aggregates a set of logs, recomputing each from its line items.
func SumLogs(logs []DailyLog) Totals {
	t := ComputeTotals(nil, nil)
	for _, l := range logs {
		t = t.Add(l.Totals())
	}
	return t
}

// SumOverheads adds up overhead amounts.
func SumOverheads(overheads []Overhead) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range overheads {
		sum = sum.Add(o.Amount)
	}
	return sum
}

// priced fills the line totals and the three log totals.
func priced(l DailyLog) DailyLog {
	l.Materials = PriceMaterials(l.Materials)
	l.Labours = PriceLabours(l.Labours)
	t := ComputeTotals(l.Materials, l.Labours)
	l.TotalMaterialCost = t.Material
	l.TotalLabourCost = t.Labour
	l.TotalCost = t.Grand
	return l
}

/*
Package inventory provides the site book's domain model and the stock
reconciliation engine.

PURPOSE:
  A painting contractor runs several job sites from one shared material
  store. Every daily log written on a site consumes materials from that
  store, so creating, editing and deleting logs must keep the shared stock
  consistent. This package owns the types, the cost arithmetic and the
  Reconciler that moves stock when logs change.

KEY CONCEPTS IN THIS FILE (types.go):
  - Material: a stocked item with a running CurrentStock (may go negative)
  - MaterialLineItem / LabourLineItem: consumption entries embedded in a log
  - DailyLog: one site-day snapshot of materials and labour consumed
  - Site, Labour, Overhead: plain catalog entities

DESIGN PRINCIPLES:
  1. Precision: quantities, rates and costs use decimal.Decimal
  2. Snapshots: line items carry names and rates as of logging time
  3. Derived totals: log totals are recomputed on every write (see cost.go)

SEE ALSO:
  - cost.go: totals from line items
  - reconcile.go: apply / reverse protocol
  - store.go: persistence interfaces
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SiteID string
type MaterialID string
type LabourID string
type LogID string
type OverheadID string

// =============================================================================
// SITE
// =============================================================================

type SiteStatus string

const (
	SiteRunning   SiteStatus = "Running"
	SiteCompleted SiteStatus = "Completed"
	SiteOnHold    SiteStatus = "On Hold"
)

// Valid reports whether s is one of the known site statuses.
func (s SiteStatus) Valid() bool {
	switch s {
	case SiteRunning, SiteCompleted, SiteOnHold:
		return true
	}
	return false
}

type Site struct {
	ID         SiteID     `json:"site_id"`
	Name       string     `json:"name" validate:"required"`
	OwnerName  string     `json:"owner_name" validate:"required"`
	OwnerPhone string     `json:"owner_phone" validate:"required"`
	OwnerEmail string     `json:"owner_email,omitempty" validate:"omitempty,email"`
	Location   string     `json:"location" validate:"required"`
	MapsLink   string     `json:"maps_link,omitempty" validate:"omitempty,url"`
	StartDate  string     `json:"start_date" validate:"required,calendar_date"`
	Status     SiteStatus `json:"status" validate:"site_status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// =============================================================================
// CATALOG - materials and labour
// =============================================================================

// Material is a stocked item. CurrentStock is a running total with no
// history and no floor.
type Material struct {
	ID           MaterialID      `json:"material_id"`
	Name         string          `json:"name" validate:"required"`
	Unit         string          `json:"unit" validate:"required"`
	RatePerUnit  decimal.Decimal `json:"rate_per_unit" validate:"gte=0"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StockValue is CurrentStock × RatePerUnit.
func (m Material) StockValue() decimal.Decimal {
	return m.CurrentStock.Mul(m.RatePerUnit)
}

type Labour struct {
	ID         LabourID        `json:"labour_id"`
	Name       string          `json:"name" validate:"required"`
	RatePerDay decimal.Decimal `json:"rate_per_day" validate:"gte=0"`
	CreatedAt  time.Time       `json:"created_at"`
}

// =============================================================================
// LINE ITEMS - embedded in a daily log
// =============================================================================

// MaterialLineItem records a quantity of one material consumed on a
// site-day. MaterialName and RatePerUnit are the values at logging time.
type MaterialLineItem struct {
	MaterialID   MaterialID      `json:"material_id" validate:"required"`
	MaterialName string          `json:"material_name"`
	Quantity     decimal.Decimal `json:"quantity" validate:"gte=0"`
	RatePerUnit  decimal.Decimal `json:"rate_per_unit" validate:"gte=0"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// LabourLineItem records labour-days worked. It never touches stock.
type LabourLineItem struct {
	LabourID   LabourID        `json:"labour_id" validate:"required"`
	LabourName string          `json:"labour_name"`
	Count      int             `json:"count" validate:"gte=0"`
	RatePerDay decimal.Decimal `json:"rate_per_day" validate:"gte=0"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

// =============================================================================
// DAILY LOG
// =============================================================================

type DailyLog struct {
	ID                LogID              `json:"log_id"`
	SiteID            SiteID             `json:"site_id"`
	SiteName          string             `json:"site_name"`
	LogDate           string             `json:"log_date"`
	Materials         []MaterialLineItem `json:"materials_used"`
	Labours           []LabourLineItem   `json:"labours_used"`
	Notes             string             `json:"notes,omitempty"`
	TotalMaterialCost decimal.Decimal    `json:"total_material_cost"`
	TotalLabourCost   decimal.Decimal    `json:"total_labour_cost"`
	TotalCost         decimal.Decimal    `json:"total_cost"`
	CreatedAt         time.Time          `json:"created_at"`
}

// LogInput is the caller-supplied part of a daily log. Totals are not
// part of it: they are always derived.
type LogInput struct {
	SiteID    SiteID             `json:"site_id" validate:"required"`
	SiteName  string             `json:"site_name"`
	LogDate   string             `json:"log_date" validate:"required,calendar_date"`
	Materials []MaterialLineItem `json:"materials_used" validate:"dive"`
	Labours   []LabourLineItem   `json:"labours_used" validate:"dive"`
	Notes     string             `json:"notes"`
}

// =============================================================================
// OVERHEAD
// =============================================================================

// Overhead is a miscellaneous site expense (transport, food, scaffolding).
type Overhead struct {
	ID          OverheadID      `json:"overhead_id"`
	SiteID      SiteID          `json:"site_id" validate:"required"`
	SiteName    string          `json:"site_name"`
	Date        string          `json:"date" validate:"required,calendar_date"`
	Category    string          `json:"category" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gte=0"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// =============================================================================
// FILTERS
// =============================================================================

// LogFilter narrows ListLogs. Zero values match everything.
type LogFilter struct {
	SiteID  SiteID
	LogDate string
}

func (f LogFilter) Match(l DailyLog) bool {
	if f.SiteID != "" && l.SiteID != f.SiteID {
		return false
	}
	if f.LogDate != "" && l.LogDate != f.LogDate {
		return false
	}
	return true
}

type OverheadFilter struct {
	SiteID SiteID
}

func (f OverheadFilter) Match(o Overhead) bool {
	return f.SiteID == "" || o.SiteID == f.SiteID
}

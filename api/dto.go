/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON bodies clients send. Responses reuse the inventory and
  report types directly; their JSON tags are the API contract.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Small response wrappers

VALIDATION:
  Request types carry no rules. Handlers convert them to inventory types
  and run inventory.Validate, so field names in errors match the JSON.

SEE ALSO:
  - handlers.go: Uses these types
  - inventory/types.go: entity JSON layout
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/sitebook/inventory"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SiteRequest creates or replaces a site. Status defaults to Running.
type SiteRequest struct {
	Name       string               `json:"name"`
	OwnerName  string               `json:"owner_name"`
	OwnerPhone string               `json:"owner_phone"`
	OwnerEmail string               `json:"owner_email"`
	Location   string               `json:"location"`
	MapsLink   string               `json:"maps_link"`
	StartDate  string               `json:"start_date"`
	Status     inventory.SiteStatus `json:"status"`
}

func (r SiteRequest) toSite() inventory.Site {
	status := r.Status
	if status == "" {
		status = inventory.SiteRunning
	}
	return inventory.Site{
		Name:       r.Name,
		OwnerName:  r.OwnerName,
		OwnerPhone: r.OwnerPhone,
		OwnerEmail: r.OwnerEmail,
		Location:   r.Location,
		MapsLink:   r.MapsLink,
		StartDate:  r.StartDate,
		Status:     status,
	}
}

// MaterialRequest creates or replaces a material. CurrentStock is the
// opening stock on create and an absolute correction on replace.
type MaterialRequest struct {
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	RatePerUnit  decimal.Decimal `json:"rate_per_unit"`
	CurrentStock decimal.Decimal `json:"current_stock"`
}

func (r MaterialRequest) toMaterial() inventory.Material {
	return inventory.Material{
		Name:         r.Name,
		Unit:         r.Unit,
		RatePerUnit:  r.RatePerUnit,
		CurrentStock: r.CurrentStock,
	}
}

type LabourRequest struct {
	Name       string          `json:"name"`
	RatePerDay decimal.Decimal `json:"rate_per_day"`
}

func (r LabourRequest) toLabour() inventory.Labour {
	return inventory.Labour{Name: r.Name, RatePerDay: r.RatePerDay}
}

// OverheadRequest creates or replaces an overhead. SiteName is filled from
// the site when empty.
type OverheadRequest struct {
	SiteID      inventory.SiteID `json:"site_id"`
	SiteName    string           `json:"site_name"`
	Date        string           `json:"date"`
	Category    string           `json:"category"`
	Amount      decimal.Decimal  `json:"amount"`
	Description string           `json:"description"`
}

func (r OverheadRequest) toOverhead() inventory.Overhead {
	return inventory.Overhead{
		SiteID:      r.SiteID,
		SiteName:    r.SiteName,
		Date:        r.Date,
		Category:    r.Category,
		Amount:      r.Amount,
		Description: r.Description,
	}
}

// Daily logs are decoded straight into inventory.LogInput: it already
// excludes ids and totals.

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// MessageResponse confirms a delete.
type MessageResponse struct {
	Message string `json:"message"`
}

// SiteDeletedResponse reports what a site delete removed with it.
type SiteDeletedResponse struct {
	Message string `json:"message"`
	inventory.CascadeResult
}

type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

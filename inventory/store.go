/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between the reconciliation logic and the database.
  The engine never assumes atomic increments: stock moves as
  GetMaterial -> compute -> SetStock. Atomicity across several materials
  comes from TxStore.WithTx, serialization per material from a Locker.

KEY INTERFACES:
  StockLedger:   material lookup + stock writes (the read-modify-write pair)
  LogStore:      daily log snapshots
  Store:         everything a request handler needs
  TxStore:       Store plus a unit of work

ABSENCE CONTRACT:
  Get* returns (nil, nil) when the row does not exist.
  Delete* returns an error wrapping ErrNotFound when nothing was deleted.
  Put* is an upsert keyed by the entity id.

IMPLEMENTATIONS:
  - inventory/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: default embedded store
  - store/postgres/postgres.go: server store with row locks

SEE ALSO:
  - reconcile.go: the only writer of stock besides direct material edits
*/
package inventory

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STOCK LEDGER
// =============================================================================

// StockLedger is the authoritative current quantity per material.
type StockLedger interface {
	// GetMaterial returns nil, nil when the material does not exist.
	GetMaterial(ctx context.Context, id MaterialID) (*Material, error)

	// SetStock overwrites the stock of an existing material.
	SetStock(ctx context.Context, id MaterialID, qty decimal.Decimal) error
}

// MaterialStore is the catalog side of materials.
type MaterialStore interface {
	StockLedger
	ListMaterials(ctx context.Context) ([]Material, error)
	PutMaterial(ctx context.Context, m Material) error
	DeleteMaterial(ctx context.Context, id MaterialID) error
}

// =============================================================================
// DAILY LOG STORE
// =============================================================================

type LogStore interface {
	GetLog(ctx context.Context, id LogID) (*DailyLog, error)
	PutLog(ctx context.Context, l DailyLog) error
	DeleteLog(ctx context.Context, id LogID) error

	// ListLogs returns matching logs, newest log date first.
	ListLogs(ctx context.Context, f LogFilter) ([]DailyLog, error)
}

// =============================================================================
// PLAIN CRUD STORES
// =============================================================================

type SiteStore interface {
	GetSite(ctx context.Context, id SiteID) (*Site, error)
	ListSites(ctx context.Context) ([]Site, error)
	PutSite(ctx context.Context, s Site) error
	DeleteSite(ctx context.Context, id SiteID) error
}

type LabourStore interface {
	GetLabour(ctx context.Context, id LabourID) (*Labour, error)
	ListLabours(ctx context.Context) ([]Labour, error)
	PutLabour(ctx context.Context, l Labour) error
	DeleteLabour(ctx context.Context, id LabourID) error
}

type OverheadStore interface {
	GetOverhead(ctx context.Context, id OverheadID) (*Overhead, error)
	// ListOverheads returns matching overheads, newest date first.
	ListOverheads(ctx context.Context, f OverheadFilter) ([]Overhead, error)
	PutOverhead(ctx context.Context, o Overhead) error
	DeleteOverhead(ctx context.Context, id OverheadID) error
}

// Store is the full persistence surface.
type Store interface {
	MaterialStore
	LogStore
	SiteStore
	LabourStore
	OverheadStore
}

// =============================================================================
// TRANSACTIONAL STORE - unit of work
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

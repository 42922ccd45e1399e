/*
Package sqlite provides a SQLite-backed implementation of inventory.TxStore.

PURPOSE:
  Default embedded store for a single site-book process. The same patterns
  apply to PostgreSQL (store/postgres), only the dialect and the locking
  differ.

INTERFACES IMPLEMENTED:
  inventory.Store:   sites, materials, labours, daily logs, overheads
  inventory.TxStore: WithTx unit of work over *sql.Tx

KEY TABLES:
  sites:      job sites
  materials:  catalog + current_stock (running total, may be negative)
  labours:    labour categories
  daily_logs: one row per site-day, line items as JSON
  overheads:  miscellaneous site expenses

DECIMALS:
  Quantities, rates and costs are TEXT columns holding decimal strings.
  decimal.Decimal implements driver.Valuer and sql.Scanner, so values go
  in and out without float conversion.

CONCURRENCY:
  The pool is limited to one connection. SQLite allows a single writer,
  and ":memory:" databases are per-connection. A transaction therefore
  owns the database until it commits; stock read-modify-write inside
  WithTx cannot interleave with another writer.

WAL MODE:
  File databases are opened with WAL and a busy timeout. SQLITE_BUSY and
  SQLITE_LOCKED surface as inventory.ErrTransient.

USAGE:
  store, err := sqlite.New("./data/sitebook.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  rec := inventory.NewReconciler(store)

MIGRATION:
  Schema is auto-migrated on New(). The Postgres store uses goose with
  versioned migrations instead.

SEE ALSO:
  - inventory/store.go: Interface definitions
  - inventory/reconcile.go: the stock writer using WithTx
  - inventory/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/warp/sitebook/inventory"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements inventory.TxStore using SQLite.
type Store struct {
	db *sql.DB
	q  querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_name TEXT NOT NULL,
		owner_phone TEXT NOT NULL,
		owner_email TEXT,
		location TEXT NOT NULL,
		maps_link TEXT,
		start_date TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS materials (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit TEXT NOT NULL,
		rate_per_unit TEXT NOT NULL,
		current_stock TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS labours (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rate_per_day TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- No foreign keys: line items may point at deleted materials, and site
	-- deletion is cascaded by the reconciler so stock can be restored.
	CREATE TABLE IF NOT EXISTS daily_logs (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		site_name TEXT NOT NULL,
		log_date TEXT NOT NULL,
		materials_json TEXT NOT NULL,
		labours_json TEXT NOT NULL,
		notes TEXT,
		total_material_cost TEXT NOT NULL,
		total_labour_cost TEXT NOT NULL,
		total_cost TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_daily_logs_site_date
		ON daily_logs(site_id, log_date DESC);
	CREATE INDEX IF NOT EXISTS idx_daily_logs_date
		ON daily_logs(log_date);

	CREATE TABLE IF NOT EXISTS overheads (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		site_name TEXT NOT NULL,
		date TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overheads_site_date
		ON overheads(site_id, date DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return classify("migrate", err)
}

// =============================================================================
// TRANSACTIONAL STORE (inventory.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Calling WithTx
// on the store handed to fn runs fn in the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store inventory.Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx}); err != nil {
		return err
	}

	return classify("commit", sqlTx.Commit())
}

// =============================================================================
// MATERIALS (inventory.MaterialStore interface)
// =============================================================================

const materialColumns = `id, name, unit, rate_per_unit, current_stock, created_at`

// GetMaterial returns nil, nil when the material does not exist.
func (s *Store) GetMaterial(ctx context.Context, id inventory.MaterialID) (*inventory.Material, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+materialColumns+` FROM materials WHERE id = ?`, id)
	m, err := scanMaterial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get material", err)
	}
	return &m, nil
}

func (s *Store) SetStock(ctx context.Context, id inventory.MaterialID, qty decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE materials SET current_stock = ? WHERE id = ?`, qty.String(), id)
	if err != nil {
		return classify("set stock", err)
	}
	return affected(res, "material", id)
}

func (s *Store) ListMaterials(ctx context.Context) ([]inventory.Material, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+materialColumns+` FROM materials ORDER BY name ASC`)
	if err != nil {
		return nil, classify("list materials", err)
	}
	defer rows.Close()

	materials := []inventory.Material{}
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, classify("scan material", err)
		}
		materials = append(materials, m)
	}
	return materials, classify("list materials", rows.Err())
}

func (s *Store) PutMaterial(ctx context.Context, m inventory.Material) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO materials (`+materialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Name, m.Unit, m.RatePerUnit.String(), m.CurrentStock.String(), formatTime(m.CreatedAt))
	return classify("put material", err)
}

func (s *Store) DeleteMaterial(ctx context.Context, id inventory.MaterialID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM materials WHERE id = ?`, id)
	if err != nil {
		return classify("delete material", err)
	}
	return affected(res, "material", id)
}

func scanMaterial(row scanner) (inventory.Material, error) {
	var (
		m         inventory.Material
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Unit, &m.RatePerUnit, &m.CurrentStock, &createdAt); err != nil {
		return m, err
	}
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

// =============================================================================
// DAILY LOGS (inventory.LogStore interface)
// =============================================================================

const logColumns = `id, site_id, site_name, log_date, materials_json, labours_json, notes,
	total_material_cost, total_labour_cost, total_cost, created_at`

func (s *Store) GetLog(ctx context.Context, id inventory.LogID) (*inventory.DailyLog, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+logColumns+` FROM daily_logs WHERE id = ?`, id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get log", err)
	}
	return &l, nil
}

func (s *Store) PutLog(ctx context.Context, l inventory.DailyLog) error {
	materialsJSON, err := json.Marshal(nonNilMaterials(l.Materials))
	if err != nil {
		return eris.Wrap(err, "sqlite: encode materials")
	}
	laboursJSON, err := json.Marshal(nonNilLabours(l.Labours))
	if err != nil {
		return eris.Wrap(err, "sqlite: encode labours")
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.SiteID, l.SiteName, l.LogDate,
		string(materialsJSON), string(laboursJSON), nullString(l.Notes),
		l.TotalMaterialCost.String(), l.TotalLabourCost.String(), l.TotalCost.String(),
		formatTime(l.CreatedAt),
	)
	return classify("put log", err)
}

func (s *Store) DeleteLog(ctx context.Context, id inventory.LogID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM daily_logs WHERE id = ?`, id)
	if err != nil {
		return classify("delete log", err)
	}
	return affected(res, "log", id)
}

// ListLogs returns matching logs, newest log date first.
func (s *Store) ListLogs(ctx context.Context, f inventory.LogFilter) ([]inventory.DailyLog, error) {
	query := `SELECT ` + logColumns + ` FROM daily_logs WHERE 1 = 1`
	var args []any
	if f.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, f.SiteID)
	}
	if f.LogDate != "" {
		query += ` AND log_date = ?`
		args = append(args, f.LogDate)
	}
	query += ` ORDER BY log_date DESC, created_at DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list logs", err)
	}
	defer rows.Close()

	logs := []inventory.DailyLog{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, classify("scan log", err)
		}
		logs = append(logs, l)
	}
	return logs, classify("list logs", rows.Err())
}

func scanLog(row scanner) (inventory.DailyLog, error) {
	var (
		l             inventory.DailyLog
		materialsJSON string
		laboursJSON   string
		notes         sql.NullString
		createdAt     string
	)
	err := row.Scan(
		&l.ID, &l.SiteID, &l.SiteName, &l.LogDate,
		&materialsJSON, &laboursJSON, &notes,
		&l.TotalMaterialCost, &l.TotalLabourCost, &l.TotalCost, &createdAt,
	)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal([]byte(materialsJSON), &l.Materials); err != nil {
		return l, eris.Wrapf(err, "sqlite: decode materials of log %s", l.ID)
	}
	if err := json.Unmarshal([]byte(laboursJSON), &l.Labours); err != nil {
		return l, eris.Wrapf(err, "sqlite: decode labours of log %s", l.ID)
	}
	l.Notes = notes.String
	l.CreatedAt = parseTime(createdAt)
	return l, nil
}

// =============================================================================
// SITES (inventory.SiteStore interface)
// =============================================================================

const siteColumns = `id, name, owner_name, owner_phone, owner_email, location, maps_link,
	start_date, status, created_at`

func (s *Store) GetSite(ctx context.Context, id inventory.SiteID) (*inventory.Site, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get site", err)
	}
	return &site, nil
}

func (s *Store) ListSites(ctx context.Context) ([]inventory.Site, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify("list sites", err)
	}
	defer rows.Close()

	sites := []inventory.Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, classify("scan site", err)
		}
		sites = append(sites, site)
	}
	return sites, classify("list sites", rows.Err())
}

func (s *Store) PutSite(ctx context.Context, site inventory.Site) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO sites (`+siteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		site.ID, site.Name, site.OwnerName, site.OwnerPhone, nullString(site.OwnerEmail),
		site.Location, nullString(site.MapsLink), site.StartDate, string(site.Status),
		formatTime(site.CreatedAt),
	)
	return classify("put site", err)
}

func (s *Store) DeleteSite(ctx context.Context, id inventory.SiteID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return classify("delete site", err)
	}
	return affected(res, "site", id)
}

func scanSite(row scanner) (inventory.Site, error) {
	var (
		site      inventory.Site
		email     sql.NullString
		mapsLink  sql.NullString
		createdAt string
	)
	err := row.Scan(
		&site.ID, &site.Name, &site.OwnerName, &site.OwnerPhone, &email,
		&site.Location, &mapsLink, &site.StartDate, &site.Status, &createdAt,
	)
	if err != nil {
		return site, err
	}
	site.OwnerEmail = email.String
	site.MapsLink = mapsLink.String
	site.CreatedAt = parseTime(createdAt)
	return site, nil
}

// =============================================================================
// LABOURS (inventory.LabourStore interface)
// =============================================================================

func (s *Store) GetLabour(ctx context.Context, id inventory.LabourID) (*inventory.Labour, error) {
	var (
		l         inventory.Labour
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, rate_per_day, created_at FROM labours WHERE id = ?`, id,
	).Scan(&l.ID, &l.Name, &l.RatePerDay, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get labour", err)
	}
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

func (s *Store) ListLabours(ctx context.Context) ([]inventory.Labour, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, rate_per_day, created_at FROM labours ORDER BY name ASC`)
	if err != nil {
		return nil, classify("list labours", err)
	}
	defer rows.Close()

	labours := []inventory.Labour{}
	for rows.Next() {
		var (
			l         inventory.Labour
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.Name, &l.RatePerDay, &createdAt); err != nil {
			return nil, classify("scan labour", err)
		}
		l.CreatedAt = parseTime(createdAt)
		labours = append(labours, l)
	}
	return labours, classify("list labours", rows.Err())
}

func (s *Store) PutLabour(ctx context.Context, l inventory.Labour) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO labours (id, name, rate_per_day, created_at)
		VALUES (?, ?, ?, ?)
	`, l.ID, l.Name, l.RatePerDay.String(), formatTime(l.CreatedAt))
	return classify("put labour", err)
}

func (s *Store) DeleteLabour(ctx context.Context, id inventory.LabourID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM labours WHERE id = ?`, id)
	if err != nil {
		return classify("delete labour", err)
	}
	return affected(res, "labour", id)
}

// =============================================================================
// OVERHEADS (inventory.OverheadStore interface)
// =============================================================================

const overheadColumns = `id, site_id, site_name, date, category, amount, description, created_at`

func (s *Store) GetOverhead(ctx context.Context, id inventory.OverheadID) (*inventory.Overhead, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+overheadColumns+` FROM overheads WHERE id = ?`, id)
	o, err := scanOverhead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get overhead", err)
	}
	return &o, nil
}

// ListOverheads returns matching overheads, newest date first.
func (s *Store) ListOverheads(ctx context.Context, f inventory.OverheadFilter) ([]inventory.Overhead, error) {
	query := `SELECT ` + overheadColumns + ` FROM overheads`
	var args []any
	if f.SiteID != "" {
		query += ` WHERE site_id = ?`
		args = append(args, f.SiteID)
	}
	query += ` ORDER BY date DESC, created_at DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list overheads", err)
	}
	defer rows.Close()

	overheads := []inventory.Overhead{}
	for rows.Next() {
		o, err := scanOverhead(rows)
		if err != nil {
			return nil, classify("scan overhead", err)
		}
		overheads = append(overheads, o)
	}
	return overheads, classify("list overheads", rows.Err())
}

func (s *Store) PutOverhead(ctx context.Context, o inventory.Overhead) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO overheads (`+overheadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.SiteID, o.SiteName, o.Date, o.Category, o.Amount.String(),
		nullString(o.Description), formatTime(o.CreatedAt),
	)
	return classify("put overhead", err)
}

func (s *Store) DeleteOverhead(ctx context.Context, id inventory.OverheadID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM overheads WHERE id = ?`, id)
	if err != nil {
		return classify("delete overhead", err)
	}
	return affected(res, "overhead", id)
}

func scanOverhead(row scanner) (inventory.Overhead, error) {
	var (
		o           inventory.Overhead
		description sql.NullString
		createdAt   string
	)
	err := row.Scan(&o.ID, &o.SiteID, &o.SiteName, &o.Date, &o.Category, &o.Amount, &description, &createdAt)
	if err != nil {
		return o, err
	}
	o.Description = description.String
	o.CreatedAt = parseTime(createdAt)
	return o, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nonNilMaterials(items []inventory.MaterialLineItem) []inventory.MaterialLineItem {
	if items == nil {
		return []inventory.MaterialLineItem{}
	}
	return items
}

func nonNilLabours(items []inventory.LabourLineItem) []inventory.LabourLineItem {
	if items == nil {
		return []inventory.LabourLineItem{}
	}
	return items
}

// affected turns a zero-row write into a NotFoundError.
func affected[ID ~string](res sql.Result, kind string, id ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if n == 0 {
		return inventory.NotFound(kind, id)
	}
	return nil
}

// classify wraps driver errors; busy, locked and context errors are transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return inventory.Transient("sqlite: "+op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return inventory.Transient("sqlite: "+op, err)
	}
	return eris.Wrap(err, "sqlite: "+op)
}

var _ inventory.TxStore = (*Store)(nil)

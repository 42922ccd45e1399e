/*
Package postgres provides a PostgreSQL-backed implementation of inventory.TxStore.

PURPOSE:
  Server store for several site-book processes sharing one database.
  Same surface as store/sqlite; the difference is locking.

ROW LOCKS:
  Inside WithTx, GetMaterial reads with SELECT ... FOR UPDATE, so the
  stock read-modify-write of one transaction blocks any other transaction
  touching the same material until commit. Process-local or Redis locks
  (lock package) still order work before the transaction opens.

TYPES:
  Quantities, rates and costs are NUMERIC. Line items are JSONB.
  Dates are TEXT in YYYY-MM-DD, which sorts chronologically.

ERRORS:
  Connection failures, timeouts, serialization failures and deadlocks
  surface as inventory.ErrTransient. Everything else is wrapped with eris.

MIGRATION:
  Versioned SQL under migrations/, applied by Migrate with goose.

SEE ALSO:
  - store/sqlite/sqlite.go: embedded equivalent
  - inventory/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/warp/sitebook/inventory"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// querier is satisfied by both Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements inventory.TxStore using pgx.
type Store struct {
	pool Pool
	q    querier
	inTx bool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// New connects a pool to connString and pings it.
func New(ctx context.Context, connString string, cfg PoolConfig) (*Store, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	if cfg.MaxConns > 0 {
		pgxCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pgxCfg.MinConns = cfg.MinConns
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("ping", err)
	}
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

// =============================================================================
// TRANSACTIONAL STORE (inventory.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls join the
// enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store inventory.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return classify("commit", tx.Commit(ctx))
}

// =============================================================================
// MATERIALS (inventory.MaterialStore interface)
// =============================================================================

const selectMaterial = `SELECT id, name, unit, rate_per_unit::text, current_stock::text, created_at FROM materials`

// GetMaterial returns nil, nil when the material does not exist. Inside a
// transaction the row stays locked until commit.
func (s *Store) GetMaterial(ctx context.Context, id inventory.MaterialID) (*inventory.Material, error) {
	query := selectMaterial + ` WHERE id = $1`
	if s.inTx {
		query += ` FOR UPDATE`
	}
	m, err := scanMaterial(s.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get material", err)
	}
	return &m, nil
}

func (s *Store) SetStock(ctx context.Context, id inventory.MaterialID, qty decimal.Decimal) error {
	tag, err := s.q.Exec(ctx, `UPDATE materials SET current_stock = $1::numeric WHERE id = $2`, qty.String(), string(id))
	if err != nil {
		return classify("set stock", err)
	}
	return affected(tag, "material", id)
}

func (s *Store) ListMaterials(ctx context.Context) ([]inventory.Material, error) {
	rows, err := s.q.Query(ctx, selectMaterial+` ORDER BY name ASC`)
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
	_, err := s.q.Exec(ctx, `
		INSERT INTO materials (id, name, unit, rate_per_unit, current_stock, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			unit = EXCLUDED.unit,
			rate_per_unit = EXCLUDED.rate_per_unit,
			current_stock = EXCLUDED.current_stock`,
		string(m.ID), m.Name, m.Unit, m.RatePerUnit.String(), m.CurrentStock.String(), m.CreatedAt,
	)
	return classify("put material", err)
}

func (s *Store) DeleteMaterial(ctx context.Context, id inventory.MaterialID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM materials WHERE id = $1`, string(id))
	if err != nil {
		return classify("delete material", err)
	}
	return affected(tag, "material", id)
}

func scanMaterial(row pgx.Row) (inventory.Material, error) {
	var (
		m           inventory.Material
		id          string
		rate, stock string
	)
	if err := row.Scan(&id, &m.Name, &m.Unit, &rate, &stock, &m.CreatedAt); err != nil {
		return m, err
	}
	m.ID = inventory.MaterialID(id)
	return m, parseDecimals(map[*decimal.Decimal]string{
		&m.RatePerUnit:  rate,
		&m.CurrentStock: stock,
	})
}

// =============================================================================
// DAILY LOGS (inventory.LogStore interface)
// =============================================================================

const selectLog = `SELECT id, site_id, site_name, log_date, materials_used, labours_used,
	COALESCE(notes, ''), total_material_cost::text, total_labour_cost::text, total_cost::text,
	created_at FROM daily_logs`

func (s *Store) GetLog(ctx context.Context, id inventory.LogID) (*inventory.DailyLog, error) {
	l, err := scanLog(s.q.QueryRow(ctx, selectLog+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get log", err)
	}
	return &l, nil
}

func (s *Store) PutLog(ctx context.Context, l inventory.DailyLog) error {
	materials := l.Materials
	if materials == nil {
		materials = []inventory.MaterialLineItem{}
	}
	labours := l.Labours
	if labours == nil {
		labours = []inventory.LabourLineItem{}
	}
	materialsJSON, err := json.Marshal(materials)
	if err != nil {
		return eris.Wrap(err, "postgres: encode materials")
	}
	laboursJSON, err := json.Marshal(labours)
	if err != nil {
		return eris.Wrap(err, "postgres: encode labours")
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO daily_logs (id, site_id, site_name, log_date, materials_used, labours_used,
			notes, total_material_cost, total_labour_cost, total_cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			site_id = EXCLUDED.site_id,
			site_name = EXCLUDED.site_name,
			log_date = EXCLUDED.log_date,
			materials_used = EXCLUDED.materials_used,
			labours_used = EXCLUDED.labours_used,
			notes = EXCLUDED.notes,
			total_material_cost = EXCLUDED.total_material_cost,
			total_labour_cost = EXCLUDED.total_labour_cost,
			total_cost = EXCLUDED.total_cost`,
		string(l.ID), string(l.SiteID), l.SiteName, l.LogDate, materialsJSON, laboursJSON,
		l.Notes, l.TotalMaterialCost.String(), l.TotalLabourCost.String(), l.TotalCost.String(), l.CreatedAt,
	)
	return classify("put log", err)
}

func (s *Store) DeleteLog(ctx context.Context, id inventory.LogID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM daily_logs WHERE id = $1`, string(id))
	if err != nil {
		return classify("delete log", err)
	}
	return affected(tag, "log", id)
}

// ListLogs returns matching logs, newest log date first.
func (s *Store) ListLogs(ctx context.Context, f inventory.LogFilter) ([]inventory.DailyLog, error) {
	rows, err := s.q.Query(ctx, selectLog+`
		WHERE ($1 = '' OR site_id = $1) AND ($2 = '' OR log_date = $2)
		ORDER BY log_date DESC, created_at DESC`,
		string(f.SiteID), f.LogDate,
	)
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

func scanLog(row pgx.Row) (inventory.DailyLog, error) {
	var (
		l                       inventory.DailyLog
		id, siteID              string
		materialsJSON, labsJSON []byte
		matCost, labCost, total string
	)
	err := row.Scan(
		&id, &siteID, &l.SiteName, &l.LogDate, &materialsJSON, &labsJSON,
		&l.Notes, &matCost, &labCost, &total, &l.CreatedAt,
	)
	if err != nil {
		return l, err
	}
	err = parseDecimals(map[*decimal.Decimal]string{
		&l.TotalMaterialCost: matCost,
		&l.TotalLabourCost:   labCost,
		&l.TotalCost:         total,
	})
	if err != nil {
		return l, err
	}
	l.ID = inventory.LogID(id)
	l.SiteID = inventory.SiteID(siteID)
	if err := json.Unmarshal(materialsJSON, &l.Materials); err != nil {
		return l, eris.Wrapf(err, "postgres: decode materials of log %s", id)
	}
	if err := json.Unmarshal(labsJSON, &l.Labours); err != nil {
		return l, eris.Wrapf(err, "postgres: decode labours of log %s", id)
	}
	return l, nil
}

// =============================================================================
// SITES (inventory.SiteStore interface)
// =============================================================================

const selectSite = `SELECT id, name, owner_name, owner_phone, COALESCE(owner_email, ''), location,
	COALESCE(maps_link, ''), start_date, status, created_at FROM sites`

func (s *Store) GetSite(ctx context.Context, id inventory.SiteID) (*inventory.Site, error) {
	site, err := scanSite(s.q.QueryRow(ctx, selectSite+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get site", err)
	}
	return &site, nil
}

func (s *Store) ListSites(ctx context.Context) ([]inventory.Site, error) {
	rows, err := s.q.Query(ctx, selectSite+` ORDER BY created_at DESC`)
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
	_, err := s.q.Exec(ctx, `
		INSERT INTO sites (id, name, owner_name, owner_phone, owner_email, location, maps_link,
			start_date, status, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			owner_name = EXCLUDED.owner_name,
			owner_phone = EXCLUDED.owner_phone,
			owner_email = EXCLUDED.owner_email,
			location = EXCLUDED.location,
			maps_link = EXCLUDED.maps_link,
			start_date = EXCLUDED.start_date,
			status = EXCLUDED.status`,
		string(site.ID), site.Name, site.OwnerName, site.OwnerPhone, site.OwnerEmail,
		site.Location, site.MapsLink, site.StartDate, string(site.Status), site.CreatedAt,
	)
	return classify("put site", err)
}

func (s *Store) DeleteSite(ctx context.Context, id inventory.SiteID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM sites WHERE id = $1`, string(id))
	if err != nil {
		return classify("delete site", err)
	}
	return affected(tag, "site", id)
}

func scanSite(row pgx.Row) (inventory.Site, error) {
	var (
		site       inventory.Site
		id, status string
	)
	err := row.Scan(
		&id, &site.Name, &site.OwnerName, &site.OwnerPhone, &site.OwnerEmail, &site.Location,
		&site.MapsLink, &site.StartDate, &status, &site.CreatedAt,
	)
	site.ID = inventory.SiteID(id)
	site.Status = inventory.SiteStatus(status)
	return site, err
}

// =============================================================================
// LABOURS (inventory.LabourStore interface)
// =============================================================================

const selectLabour = `SELECT id, name, rate_per_day::text, created_at FROM labours`

func (s *Store) GetLabour(ctx context.Context, id inventory.LabourID) (*inventory.Labour, error) {
	l, err := scanLabour(s.q.QueryRow(ctx, selectLabour+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get labour", err)
	}
	return &l, nil
}

func (s *Store) ListLabours(ctx context.Context) ([]inventory.Labour, error) {
	rows, err := s.q.Query(ctx, selectLabour+` ORDER BY name ASC`)
	if err != nil {
		return nil, classify("list labours", err)
	}
	defer rows.Close()

	labours := []inventory.Labour{}
	for rows.Next() {
		l, err := scanLabour(rows)
		if err != nil {
			return nil, classify("scan labour", err)
		}
		labours = append(labours, l)
	}
	return labours, classify("list labours", rows.Err())
}

func (s *Store) PutLabour(ctx context.Context, l inventory.Labour) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO labours (id, name, rate_per_day, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			rate_per_day = EXCLUDED.rate_per_day`,
		string(l.ID), l.Name, l.RatePerDay.String(), l.CreatedAt,
	)
	return classify("put labour", err)
}

func (s *Store) DeleteLabour(ctx context.Context, id inventory.LabourID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM labours WHERE id = $1`, string(id))
	if err != nil {
		return classify("delete labour", err)
	}
	return affected(tag, "labour", id)
}

func scanLabour(row pgx.Row) (inventory.Labour, error) {
	var (
		l        inventory.Labour
		id, rate string
	)
	if err := row.Scan(&id, &l.Name, &rate, &l.CreatedAt); err != nil {
		return l, err
	}
	l.ID = inventory.LabourID(id)
	return l, parseDecimals(map[*decimal.Decimal]string{&l.RatePerDay: rate})
}

// =============================================================================
// OVERHEADS (inventory.OverheadStore interface)
// =============================================================================

const selectOverhead = `SELECT id, site_id, site_name, date, category, amount::text,
	COALESCE(description, ''), created_at FROM overheads`

func (s *Store) GetOverhead(ctx context.Context, id inventory.OverheadID) (*inventory.Overhead, error) {
	o, err := scanOverhead(s.q.QueryRow(ctx, selectOverhead+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get overhead", err)
	}
	return &o, nil
}

// ListOverheads returns matching overheads, newest date first.
func (s *Store) ListOverheads(ctx context.Context, f inventory.OverheadFilter) ([]inventory.Overhead, error) {
	rows, err := s.q.Query(ctx, selectOverhead+`
		WHERE ($1 = '' OR site_id = $1)
		ORDER BY date DESC, created_at DESC`,
		string(f.SiteID),
	)
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
	_, err := s.q.Exec(ctx, `
		INSERT INTO overheads (id, site_id, site_name, date, category, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (id) DO UPDATE SET
			site_id = EXCLUDED.site_id,
			site_name = EXCLUDED.site_name,
			date = EXCLUDED.date,
			category = EXCLUDED.category,
			amount = EXCLUDED.amount,
			description = EXCLUDED.description`,
		string(o.ID), string(o.SiteID), o.SiteName, o.Date, o.Category, o.Amount.String(), o.Description, o.CreatedAt,
	)
	return classify("put overhead", err)
}

func (s *Store) DeleteOverhead(ctx context.Context, id inventory.OverheadID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM overheads WHERE id = $1`, string(id))
	if err != nil {
		return classify("delete overhead", err)
	}
	return affected(tag, "overhead", id)
}

func scanOverhead(row pgx.Row) (inventory.Overhead, error) {
	var (
		o                  inventory.Overhead
		id, siteID, amount string
	)
	err := row.Scan(&id, &siteID, &o.SiteName, &o.Date, &o.Category, &amount, &o.Description, &o.CreatedAt)
	if err != nil {
		return o, err
	}
	o.ID = inventory.OverheadID(id)
	o.SiteID = inventory.SiteID(siteID)
	return o, parseDecimals(map[*decimal.Decimal]string{&o.Amount: amount})
}

// =============================================================================
// HELPERS
// =============================================================================

// parseDecimals fills each target from its NUMERIC text form.
func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, text := range fields {
		v, err := decimal.NewFromString(text)
		if err != nil {
			return eris.Wrapf(err, "postgres: parse numeric %q", text)
		}
		*dst = v
	}
	return nil
}

func affected[ID ~string](tag pgconn.CommandTag, kind string, id ID) error {
	if tag.RowsAffected() == 0 {
		return inventory.NotFound(kind, id)
	}
	return nil
}

// transientCodes are SQLSTATEs worth retrying: serialization failure,
// deadlock, lock timeout, admin shutdown, too many connections.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57P01": true,
	"53300": true,
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && (transientCodes[pgErr.Code] || len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"):
		return inventory.Transient("postgres: "+op, err)
	case pgconn.Timeout(err), pgconn.SafeToRetry(err):
		return inventory.Transient("postgres: "+op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return inventory.Transient("postgres: "+op, err)
	}
	return eris.Wrap(err, "postgres: "+op)
}

var _ inventory.TxStore = (*Store)(nil)

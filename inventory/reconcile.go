/*
reconcile.go - Stock reconciliation for daily logs

PURPOSE:
  Keeps the shared material stock consistent with the daily logs that
  consume it. A log's stock effect is fully determined by its current
  material line items, so every lifecycle change is expressed as
  "restore what the old version took, take what the new version takes".

PROTOCOL:
  Apply(items):   stock[m] -= q for every line item
  Reverse(items): stock[m] += q for every line item

  CreateLog:          Apply(new)
  UpdateLog:          Reverse(old) then Apply(new), old read before any write
  DeleteLog:          Reverse(old)
  CascadeDeleteSite:  Reverse(every log of the site), delete logs,
                      overheads and the site

NET DELTAS:
  Both steps of an update are folded into one Delta before touching the
  store, so each material is read and written exactly once with
  (old - new). Reverse-then-apply and the net write give the same number;
  no intermediate value is ever stored.

CONSISTENCY:
  - All writes of one operation run inside TxStore.WithTx.
  - Locks are taken BEFORE the transaction opens: first the log key, then
    every material key the delta touches (sorted). Never lock inside a tx.
  - Missing materials are skipped and logged (lenient policy). Stock may
    go negative.

SEE ALSO:
  - cost.go: totals recomputed on every write
  - lock.go: Locker and KeyedMutex
  - store.go: StockLedger read-modify-write contract
*/
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// DELTA - net quantity change per material
// =============================================================================

// Delta accumulates signed quantity changes per material in first-seen
// order. A positive value adds stock, a negative value removes it.
type Delta struct {
	order []MaterialID
	qty   map[MaterialID]decimal.Decimal
}

func NewDelta() *Delta {
	return &Delta{qty: make(map[MaterialID]decimal.Decimal)}
}

func (d *Delta) add(id MaterialID, q decimal.Decimal) {
	cur, ok := d.qty[id]
	if !ok {
		d.order = append(d.order, id)
		cur = decimal.Zero
	}
	d.qty[id] = cur.Add(q)
}

// Consume records the effect of applying items.
func (d *Delta) Consume(items []MaterialLineItem) *Delta {
	for _, it := range items {
		d.add(it.MaterialID, it.Quantity.Neg())
	}
	return d
}

// Restore records the effect of reversing items.
func (d *Delta) Restore(items []MaterialLineItem) *Delta {
	for _, it := range items {
		d.add(it.MaterialID, it.Quantity)
	}
	return d
}

// Of returns the net change for one material.
func (d *Delta) Of(id MaterialID) decimal.Decimal {
	if q, ok := d.qty[id]; ok {
		return q
	}
	return decimal.Zero
}

// Materials lists touched materials in first-seen order.
func (d *Delta) Materials() []MaterialID {
	return append([]MaterialID(nil), d.order...)
}

func (d *Delta) lockKeys() []string {
	keys := make([]string, len(d.order))
	for i, id := range d.order {
		keys[i] = MaterialKey(id)
	}
	return keys
}

// =============================================================================
// OBSERVER - hooks for metrics
// =============================================================================

// Observer is notified of every committed stock change and every skipped
// line item. Implementations must be safe for concurrent use.
type Observer interface {
	StockAdjusted(id MaterialID, delta decimal.Decimal)
	MaterialMissing(id MaterialID)
}

type nopObserver struct{}

func (nopObserver) StockAdjusted(MaterialID, decimal.Decimal) {}
func (nopObserver) MaterialMissing(MaterialID)                {}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler owns every write that moves stock.
type Reconciler struct {
	store    TxStore
	locker   Locker
	logger   *zap.Logger
	observer Observer
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

type Option func(*Reconciler)

func WithLocker(l Locker) Option            { return func(r *Reconciler) { r.locker = l } }
func WithLogger(l *zap.Logger) Option       { return func(r *Reconciler) { r.logger = l } }
func WithObserver(o Observer) Option        { return func(r *Reconciler) { r.observer = o } }
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }
func WithIDs(newID func() string) Option    { return func(r *Reconciler) { r.newID = newID } }

// WithTimeout bounds every operation. Zero means no deadline beyond the
// caller's context.
func WithTimeout(d time.Duration) Option { return func(r *Reconciler) { r.timeout = d } }

func NewReconciler(store TxStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		locker:   NewKeyedMutex(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewID returns a fresh opaque id, shared with the plain CRUD handlers.
func (r *Reconciler) NewID() string { return r.newID() }

// Now returns the reconciler's clock reading.
func (r *Reconciler) Now() time.Time { return r.now() }

// Store exposes the underlying store for read paths.
func (r *Reconciler) Store() TxStore { return r.store }

// =============================================================================
// APPLY / REVERSE - the protocol on a unit of work
// =============================================================================

// Apply decrements stock for every line item through uow, in order.
// It takes no locks; lifecycle methods below hold them.
func (r *Reconciler) Apply(ctx context.Context, uow StockLedger, items []MaterialLineItem) error {
	return r.commit(ctx, uow, NewDelta().Consume(items), "")
}

// Reverse increments stock for every line item through uow, in order.
func (r *Reconciler) Reverse(ctx context.Context, uow StockLedger, items []MaterialLineItem) error {
	return r.commit(ctx, uow, NewDelta().Restore(items), "")
}

// commit writes a delta as one read-modify-write per material.
func (r *Reconciler) commit(ctx context.Context, uow StockLedger, d *Delta, logID LogID) error {
	for _, id := range d.order {
		q := d.qty[id]
		if q.IsZero() {
			continue
		}
		m, err := uow.GetMaterial(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			r.missing(id, logID)
			continue
		}
		next := m.CurrentStock.Add(q)
		if err := uow.SetStock(ctx, id, next); err != nil {
			if IsNotFound(err) {
				r.missing(id, logID)
				continue
			}
			return err
		}
		r.observer.StockAdjusted(id, q)
		r.logger.Debug("stock adjusted",
			zap.String("material_id", string(id)),
			zap.String("log_id", string(logID)),
			zap.String("delta", q.String()),
			zap.String("stock", next.String()),
		)
	}
	return nil
}

func (r *Reconciler) missing(id MaterialID, logID LogID) {
	r.observer.MaterialMissing(id)
	r.logger.Warn("line item references missing material; stock not adjusted",
		zap.String("material_id", string(id)),
		zap.String("log_id", string(logID)),
	)
}

// =============================================================================
// LOG LIFECYCLE
// =============================================================================

// CreateLog validates in, derives totals, consumes stock and stores a new log.
func (r *Reconciler) CreateLog(ctx context.Context, in LogInput) (*DailyLog, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	log := DailyLog{
		ID:        LogID(r.newID()),
		CreatedAt: r.now(),
	}
	log = fromInput(log, in)
	d := NewDelta().Consume(log.Materials)

	unlock, err := r.locker.Lock(ctx, d.lockKeys()...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = r.store.WithTx(ctx, func(tx Store) error {
		if err := fillNames(ctx, tx, &log); err != nil {
			return err
		}
		log = priced(log)
		if err := r.commit(ctx, tx, d, log.ID); err != nil {
			return err
		}
		return tx.PutLog(ctx, log)
	})
	if err != nil {
		return nil, r.classify("create log", err)
	}
	return &log, nil
}

// UpdateLog replaces log id with in. The old version's stock effect is
// restored and the new one applied as a single net delta.
func (r *Reconciler) UpdateLog(ctx context.Context, id LogID, in LogInput) (*DailyLog, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	unlockLog, err := r.locker.Lock(ctx, LogKey(id))
	if err != nil {
		return nil, err
	}
	defer unlockLog()

	old, err := r.store.GetLog(ctx, id)
	if err != nil {
		return nil, r.classify("update log", err)
	}
	if old == nil {
		return nil, NotFound("log", id)
	}

	log := fromInput(DailyLog{ID: id, CreatedAt: old.CreatedAt}, in)
	d := NewDelta().Restore(old.Materials).Consume(log.Materials)

	unlock, err := r.locker.Lock(ctx, d.lockKeys()...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = r.store.WithTx(ctx, func(tx Store) error {
		if err := fillNames(ctx, tx, &log); err != nil {
			return err
		}
		log = priced(log)
		if err := r.commit(ctx, tx, d, id); err != nil {
			return err
		}
		return tx.PutLog(ctx, log)
	})
	if err != nil {
		return nil, r.classify("update log", err)
	}
	return &log, nil
}

// DeleteLog restores the log's stock effect and removes it.
func (r *Reconciler) DeleteLog(ctx context.Context, id LogID) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	unlockLog, err := r.locker.Lock(ctx, LogKey(id))
	if err != nil {
		return err
	}
	defer unlockLog()

	old, err := r.store.GetLog(ctx, id)
	if err != nil {
		return r.classify("delete log", err)
	}
	if old == nil {
		return NotFound("log", id)
	}
	d := NewDelta().Restore(old.Materials)

	unlock, err := r.locker.Lock(ctx, d.lockKeys()...)
	if err != nil {
		return err
	}
	defer unlock()

	err = r.store.WithTx(ctx, func(tx Store) error {
		if err := r.commit(ctx, tx, d, id); err != nil {
			return err
		}
		return tx.DeleteLog(ctx, id)
	})
	return r.classify("delete log", err)
}

// =============================================================================
// CASCADE DELETE
// =============================================================================

// CascadeResult reports what a site deletion removed.
type CascadeResult struct {
	LogsDeleted      int `json:"logs_deleted"`
	OverheadsDeleted int `json:"overheads_deleted"`
}

var errCascadeRaced = errors.New("site logs changed during delete")

const cascadeAttempts = 3

// CascadeDeleteSite deletes a site, reversing the stock effect of every
// one of its logs, then its logs and overheads.
func (r *Reconciler) CascadeDeleteSite(ctx context.Context, siteID SiteID) (CascadeResult, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt < cascadeAttempts; attempt++ {
		var res CascadeResult
		res, err = r.cascadeOnce(ctx, siteID)
		if !errors.Is(err, errCascadeRaced) {
			return res, r.classify("delete site", err)
		}
		r.logger.Info("site logs changed during cascade delete; retrying",
			zap.String("site_id", string(siteID)), zap.Int("attempt", attempt+1))
	}
	return CascadeResult{}, Transient("delete site", err)
}

func (r *Reconciler) cascadeOnce(ctx context.Context, siteID SiteID) (CascadeResult, error) {
	site, err := r.store.GetSite(ctx, siteID)
	if err != nil {
		return CascadeResult{}, err
	}
	if site == nil {
		return CascadeResult{}, NotFound("site", siteID)
	}

	filter := LogFilter{SiteID: siteID}
	listed, err := r.store.ListLogs(ctx, filter)
	if err != nil {
		return CascadeResult{}, err
	}
	logKeys := make([]string, len(listed))
	for i, l := range listed {
		logKeys[i] = LogKey(l.ID)
	}
	unlockLogs, err := r.locker.Lock(ctx, logKeys...)
	if err != nil {
		return CascadeResult{}, err
	}
	defer unlockLogs()

	// Re-read under the log locks: the first listing may predate an update.
	logs, err := r.store.ListLogs(ctx, filter)
	if err != nil {
		return CascadeResult{}, err
	}
	if !sameLogIDs(listed, logs) {
		return CascadeResult{}, errCascadeRaced
	}
	d := NewDelta()
	for _, l := range logs {
		d.Restore(l.Materials)
	}
	unlock, err := r.locker.Lock(ctx, d.lockKeys()...)
	if err != nil {
		return CascadeResult{}, err
	}
	defer unlock()

	var res CascadeResult
	err = r.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.ListLogs(ctx, filter)
		if err != nil {
			return err
		}
		if !sameLogIDs(logs, current) {
			return errCascadeRaced
		}
		if err := r.commit(ctx, tx, d, ""); err != nil {
			return err
		}
		for _, l := range current {
			if err := tx.DeleteLog(ctx, l.ID); err != nil {
				return err
			}
		}
		overheads, err := tx.ListOverheads(ctx, OverheadFilter{SiteID: siteID})
		if err != nil {
			return err
		}
		for _, o := range overheads {
			if err := tx.DeleteOverhead(ctx, o.ID); err != nil {
				return err
			}
		}
		res = CascadeResult{LogsDeleted: len(current), OverheadsDeleted: len(overheads)}
		return tx.DeleteSite(ctx, siteID)
	})
	if err != nil {
		return CascadeResult{}, err
	}
	return res, nil
}

func sameLogIDs(a, b []DailyLog) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[LogID]struct{}, len(a))
	for _, l := range a {
		ids[l.ID] = struct{}{}
	}
	for _, l := range b {
		if _, ok := ids[l.ID]; !ok {
			return false
		}
	}
	return true
}

// =============================================================================
// DIRECT MATERIAL EDITS
// =============================================================================

// CreateMaterial stores a new material with its opening stock.
func (r *Reconciler) CreateMaterial(ctx context.Context, m Material) (*Material, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	m.ID = MaterialID(r.newID())
	m.CreatedAt = r.now()
	if err := r.store.PutMaterial(ctx, m); err != nil {
		return nil, r.classify("create material", err)
	}
	return &m, nil
}

// ReplaceMaterial overwrites material id, stock included, under the same
// lock the log lifecycle uses for that material.
func (r *Reconciler) ReplaceMaterial(ctx context.Context, id MaterialID, m Material) (*Material, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	unlock, err := r.locker.Lock(ctx, MaterialKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = r.store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetMaterial(ctx, id)
		if err != nil {
			return err
		}
		if old == nil {
			return NotFound("material", id)
		}
		m.ID = id
		m.CreatedAt = old.CreatedAt
		return tx.PutMaterial(ctx, m)
	})
	if err != nil {
		return nil, r.classify("replace material", err)
	}
	return &m, nil
}

// DeleteMaterial removes a material. Logs that reference it keep their
// line items; later reconciliation skips it.
func (r *Reconciler) DeleteMaterial(ctx context.Context, id MaterialID) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	unlock, err := r.locker.Lock(ctx, MaterialKey(id))
	if err != nil {
		return err
	}
	defer unlock()
	return r.classify("delete material", r.store.DeleteMaterial(ctx, id))
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Reconciler) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// classify leaves NotFound and Validation alone and marks deadline or
// cancellation as transient.
func (r *Reconciler) classify(op string, err error) error {
	if err == nil || IsNotFound(err) || IsValidation(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	return err
}

func fromInput(l DailyLog, in LogInput) DailyLog {
	l.SiteID = in.SiteID
	l.SiteName = in.SiteName
	l.LogDate = in.LogDate
	l.Materials = append([]MaterialLineItem{}, in.Materials...)
	l.Labours = append([]LabourLineItem{}, in.Labours...)
	l.Notes = in.Notes
	return l
}

// fillNames requires the site to exist and snapshots missing names from
// the current catalog. Names the caller supplied are kept as sent.
func fillNames(ctx context.Context, st Store, l *DailyLog) error {
	site, err := st.GetSite(ctx, l.SiteID)
	if err != nil {
		return err
	}
	if site == nil {
		return NotFound("site", l.SiteID)
	}
	if l.SiteName == "" {
		l.SiteName = site.Name
	}
	for i, it := range l.Materials {
		if it.MaterialName != "" {
			continue
		}
		m, err := st.GetMaterial(ctx, it.MaterialID)
		if err != nil {
			return err
		}
		if m != nil {
			l.Materials[i].MaterialName = m.Name
		}
	}
	for i, it := range l.Labours {
		if it.LabourName != "" {
			continue
		}
		lb, err := st.GetLabour(ctx, it.LabourID)
		if err != nil {
			return err
		}
		if lb != nil {
			l.Labours[i].LabourName = lb.Name
		}
	}
	return nil
}

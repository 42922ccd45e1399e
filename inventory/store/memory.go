// Package store provides the in-memory inventory.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/sitebook/inventory"
)

// =============================================================================
// TABLES - unlocked state, shared by Memory and its transactional view
// =============================================================================

type tables struct {
	sites     map[inventory.SiteID]inventory.Site
	materials map[inventory.MaterialID]inventory.Material
	labours   map[inventory.LabourID]inventory.Labour
	logs      map[inventory.LogID]inventory.DailyLog
	overheads map[inventory.OverheadID]inventory.Overhead
}

func newTables() *tables {
	return &tables{
		sites:     make(map[inventory.SiteID]inventory.Site),
		materials: make(map[inventory.MaterialID]inventory.Material),
		labours:   make(map[inventory.LabourID]inventory.Labour),
		logs:      make(map[inventory.LogID]inventory.DailyLog),
		overheads: make(map[inventory.OverheadID]inventory.Overhead),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone copies every table. Line item slices are copied on write (PutLog),
// so sharing them between snapshots is safe.
func (t *tables) clone() *tables {
	return &tables{
		sites:     cloneMap(t.sites),
		materials: cloneMap(t.materials),
		labours:   cloneMap(t.labours),
		logs:      cloneMap(t.logs),
		overheads: cloneMap(t.overheads),
	}
}

func ptr[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}

func copyLog(l inventory.DailyLog) inventory.DailyLog {
	l.Materials = append([]inventory.MaterialLineItem{}, l.Materials...)
	l.Labours = append([]inventory.LabourLineItem{}, l.Labours...)
	return l
}

// Materials

func (t *tables) GetMaterial(_ context.Context, id inventory.MaterialID) (*inventory.Material, error) {
	m, ok := t.materials[id]
	return ptr(m, ok), nil
}

func (t *tables) SetStock(_ context.Context, id inventory.MaterialID, qty decimal.Decimal) error {
	m, ok := t.materials[id]
	if !ok {
		return inventory.NotFound("material", id)
	}
	m.CurrentStock = qty
	t.materials[id] = m
	return nil
}

func (t *tables) ListMaterials(_ context.Context) ([]inventory.Material, error) {
	out := make([]inventory.Material, 0, len(t.materials))
	for _, m := range t.materials {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tables) PutMaterial(_ context.Context, m inventory.Material) error {
	t.materials[m.ID] = m
	return nil
}

func (t *tables) DeleteMaterial(_ context.Context, id inventory.MaterialID) error {
	if _, ok := t.materials[id]; !ok {
		return inventory.NotFound("material", id)
	}
	delete(t.materials, id)
	return nil
}

// Logs

func (t *tables) GetLog(_ context.Context, id inventory.LogID) (*inventory.DailyLog, error) {
	l, ok := t.logs[id]
	if !ok {
		return nil, nil
	}
	l = copyLog(l)
	return &l, nil
}

func (t *tables) PutLog(_ context.Context, l inventory.DailyLog) error {
	t.logs[l.ID] = copyLog(l)
	return nil
}

func (t *tables) DeleteLog(_ context.Context, id inventory.LogID) error {
	if _, ok := t.logs[id]; !ok {
		return inventory.NotFound("log", id)
	}
	delete(t.logs, id)
	return nil
}

func (t *tables) ListLogs(_ context.Context, f inventory.LogFilter) ([]inventory.DailyLog, error) {
	var out []inventory.DailyLog
	for _, l := range t.logs {
		if f.Match(l) {
			out = append(out, copyLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LogDate != out[j].LogDate {
			return out[i].LogDate > out[j].LogDate
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Sites

func (t *tables) GetSite(_ context.Context, id inventory.SiteID) (*inventory.Site, error) {
	s, ok := t.sites[id]
	return ptr(s, ok), nil
}

func (t *tables) ListSites(_ context.Context) ([]inventory.Site, error) {
	out := make([]inventory.Site, 0, len(t.sites))
	for _, s := range t.sites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *tables) PutSite(_ context.Context, s inventory.Site) error {
	t.sites[s.ID] = s
	return nil
}

func (t *tables) DeleteSite(_ context.Context, id inventory.SiteID) error {
	if _, ok := t.sites[id]; !ok {
		return inventory.NotFound("site", id)
	}
	delete(t.sites, id)
	return nil
}

// Labours

func (t *tables) GetLabour(_ context.Context, id inventory.LabourID) (*inventory.Labour, error) {
	l, ok := t.labours[id]
	return ptr(l, ok), nil
}

func (t *tables) ListLabours(_ context.Context) ([]inventory.Labour, error) {
	out := make([]inventory.Labour, 0, len(t.labours))
	for _, l := range t.labours {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tables) PutLabour(_ context.Context, l inventory.Labour) error {
	t.labours[l.ID] = l
	return nil
}

func (t *tables) DeleteLabour(_ context.Context, id inventory.LabourID) error {
	if _, ok := t.labours[id]; !ok {
		return inventory.NotFound("labour", id)
	}
	delete(t.labours, id)
	return nil
}

// Overheads

func (t *tables) GetOverhead(_ context.Context, id inventory.OverheadID) (*inventory.Overhead, error) {
	o, ok := t.overheads[id]
	return ptr(o, ok), nil
}

func (t *tables) ListOverheads(_ context.Context, f inventory.OverheadFilter) ([]inventory.Overhead, error) {
	var out []inventory.Overhead
	for _, o := range t.overheads {
		if f.Match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tables) PutOverhead(_ context.Context, o inventory.Overhead) error {
	t.overheads[o.ID] = o
	return nil
}

func (t *tables) DeleteOverhead(_ context.Context, id inventory.OverheadID) error {
	if _, ok := t.overheads[id]; !ok {
		return inventory.NotFound("overhead", id)
	}
	delete(t.overheads, id)
	return nil
}

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	t  *tables
}

func NewMemory() *Memory {
	return &Memory{t: newTables()}
}

func (m *Memory) read(fn func(t *tables)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.t)
}

func (m *Memory) write(fn func(t *tables) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.t)
}

func (m *Memory) GetMaterial(ctx context.Context, id inventory.MaterialID) (mat *inventory.Material, err error) {
	m.read(func(t *tables) { mat, err = t.GetMaterial(ctx, id) })
	return
}

func (m *Memory) SetStock(ctx context.Context, id inventory.MaterialID, qty decimal.Decimal) error {
	return m.write(func(t *tables) error { return t.SetStock(ctx, id, qty) })
}

func (m *Memory) ListMaterials(ctx context.Context) (out []inventory.Material, err error) {
	m.read(func(t *tables) { out, err = t.ListMaterials(ctx) })
	return
}

func (m *Memory) PutMaterial(ctx context.Context, mat inventory.Material) error {
	return m.write(func(t *tables) error { return t.PutMaterial(ctx, mat) })
}

func (m *Memory) DeleteMaterial(ctx context.Context, id inventory.MaterialID) error {
	return m.write(func(t *tables) error { return t.DeleteMaterial(ctx, id) })
}

func (m *Memory) GetLog(ctx context.Context, id inventory.LogID) (l *inventory.DailyLog, err error) {
	m.read(func(t *tables) { l, err = t.GetLog(ctx, id) })
	return
}

func (m *Memory) PutLog(ctx context.Context, l inventory.DailyLog) error {
	return m.write(func(t *tables) error { return t.PutLog(ctx, l) })
}

func (m *Memory) DeleteLog(ctx context.Context, id inventory.LogID) error {
	return m.write(func(t *tables) error { return t.DeleteLog(ctx, id) })
}

func (m *Memory) ListLogs(ctx context.Context, f inventory.LogFilter) (out []inventory.DailyLog, err error) {
	m.read(func(t *tables) { out, err = t.ListLogs(ctx, f) })
	return
}

func (m *Memory) GetSite(ctx context.Context, id inventory.SiteID) (s *inventory.Site, err error) {
	m.read(func(t *tables) { s, err = t.GetSite(ctx, id) })
	return
}

func (m *Memory) ListSites(ctx context.Context) (out []inventory.Site, err error) {
	m.read(func(t *tables) { out, err = t.ListSites(ctx) })
	return
}

func (m *Memory) PutSite(ctx context.Context, s inventory.Site) error {
	return m.write(func(t *tables) error { return t.PutSite(ctx, s) })
}

func (m *Memory) DeleteSite(ctx context.Context, id inventory.SiteID) error {
	return m.write(func(t *tables) error { return t.DeleteSite(ctx, id) })
}

func (m *Memory) GetLabour(ctx context.Context, id inventory.LabourID) (l *inventory.Labour, err error) {
	m.read(func(t *tables) { l, err = t.GetLabour(ctx, id) })
	return
}

func (m *Memory) ListLabours(ctx context.Context) (out []inventory.Labour, err error) {
	m.read(func(t *tables) { out, err = t.ListLabours(ctx) })
	return
}

func (m *Memory) PutLabour(ctx context.Context, l inventory.Labour) error {
	return m.write(func(t *tables) error { return t.PutLabour(ctx, l) })
}

func (m *Memory) DeleteLabour(ctx context.Context, id inventory.LabourID) error {
	return m.write(func(t *tables) error { return t.DeleteLabour(ctx, id) })
}

func (m *Memory) GetOverhead(ctx context.Context, id inventory.OverheadID) (o *inventory.Overhead, err error) {
	m.read(func(t *tables) { o, err = t.GetOverhead(ctx, id) })
	return
}

func (m *Memory) ListOverheads(ctx context.Context, f inventory.OverheadFilter) (out []inventory.Overhead, err error) {
	m.read(func(t *tables) { out, err = t.ListOverheads(ctx, f) })
	return
}

func (m *Memory) PutOverhead(ctx context.Context, o inventory.Overhead) error {
	return m.write(func(t *tables) error { return t.PutOverhead(ctx, o) })
}

func (m *Memory) DeleteOverhead(ctx context.Context, id inventory.OverheadID) error {
	return m.write(func(t *tables) error { return t.DeleteOverhead(ctx, id) })
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole of fn, so fn must not call back
// into tm itself, only into the view it is given.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return inventory.Transient("begin tx", err)
	}

	// Snapshot current state
	snapshot := tm.t.clone()

	if err := fn(tm.t); err != nil {
		// Rollback
		tm.t = snapshot
		return err
	}

	// Commit (already done via direct writes)
	return nil
}

var (
	_ inventory.TxStore = (*TxMemory)(nil)
	_ inventory.Store   = (*tables)(nil)
)

package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/sitebook/inventory"
	"github.com/warp/sitebook/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestStore_MaterialStockRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, s.PutMaterial(ctx, inventory.Material{
		ID: "m1", Name: "Emulsion", Unit: "litre",
		RatePerUnit: d("245.50"), CurrentStock: d("12.75"), CreatedAt: created,
	}))

	require.NoError(t, s.SetStock(ctx, "m1", d("-1.25")))

	m, err := s.GetMaterial(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, d("-1.25").Equal(m.CurrentStock))
	assert.True(t, d("245.5").Equal(m.RatePerUnit))
	assert.Equal(t, created, m.CreatedAt)

	missing, err := s.GetMaterial(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = s.SetStock(ctx, "nope", d("1"))
	assert.True(t, inventory.IsNotFound(err))
}

func TestStore_LogRoundTripAndOrdering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	older := inventory.DailyLog{
		ID: "l1", SiteID: "s1", SiteName: "Villa", LogDate: "2025-03-01",
		Materials: []inventory.MaterialLineItem{{
			MaterialID: "m1", MaterialName: "Emulsion", Quantity: d("2.5"),
			RatePerUnit: d("100"), TotalCost: d("250"),
		}},
		Labours: []inventory.LabourLineItem{{
			LabourID: "lb1", LabourName: "Painter", Count: 2, RatePerDay: d("800"), TotalCost: d("1600"),
		}},
		TotalMaterialCost: d("250"), TotalLabourCost: d("1600"), TotalCost: d("1850"),
	}
	newer := inventory.DailyLog{ID: "l2", SiteID: "s1", SiteName: "Villa", LogDate: "2025-03-02"}
	other := inventory.DailyLog{ID: "l3", SiteID: "s2", SiteName: "Lake", LogDate: "2025-03-02"}
	for _, l := range []inventory.DailyLog{older, newer, other} {
		require.NoError(t, s.PutLog(ctx, l))
	}

	got, err := s.GetLog(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, got.Materials, 1)
	assert.True(t, d("2.5").Equal(got.Materials[0].Quantity))
	assert.Equal(t, 2, got.Labours[0].Count)
	assert.True(t, d("1850").Equal(got.TotalCost))

	logs, err := s.ListLogs(ctx, inventory.LogFilter{SiteID: "s1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, inventory.LogID("l2"), logs[0].ID)
	assert.NotNil(t, logs[0].Materials)

	byDate, err := s.ListLogs(ctx, inventory.LogFilter{LogDate: "2025-03-02"})
	require.NoError(t, err)
	assert.Len(t, byDate, 2)

	require.NoError(t, s.DeleteLog(ctx, "l1"))
	assert.True(t, inventory.IsNotFound(s.DeleteLog(ctx, "l1")))
}

func TestStore_WithTxRollsBack(t *testing.T) {
	// GIVEN: A material with stock 10
	// WHEN: A transaction lowers stock then fails
	// THEN: Stock is still 10

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutMaterial(ctx, inventory.Material{
		ID: "m1", Name: "Primer", Unit: "litre", RatePerUnit: d("1"), CurrentStock: d("10"),
	}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx inventory.Store) error {
		if err := tx.SetStock(ctx, "m1", d("3")); err != nil {
			return err
		}
		m, err := tx.GetMaterial(ctx, "m1")
		if err != nil {
			return err
		}
		assert.True(t, d("3").Equal(m.CurrentStock), "tx sees its own write")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m, err := s.GetMaterial(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, d("10").Equal(m.CurrentStock))
}

func TestStore_SitesAndOverheads(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.PutSite(ctx, inventory.Site{
		ID: "s1", Name: "Villa", OwnerName: "R", OwnerPhone: "1", Location: "Hill",
		StartDate: "2025-01-01", Status: inventory.SiteOnHold,
	}))
	site, err := s.GetSite(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, inventory.SiteOnHold, site.Status)
	assert.Empty(t, site.OwnerEmail)

	require.NoError(t, s.PutOverhead(ctx, inventory.Overhead{
		ID: "o1", SiteID: "s1", SiteName: "Villa", Date: "2025-03-01", Category: "Food", Amount: d("120"),
	}))
	require.NoError(t, s.PutOverhead(ctx, inventory.Overhead{
		ID: "o2", SiteID: "s1", SiteName: "Villa", Date: "2025-03-03", Category: "Transport", Amount: d("300"),
	}))
	overheads, err := s.ListOverheads(ctx, inventory.OverheadFilter{SiteID: "s1"})
	require.NoError(t, err)
	require.Len(t, overheads, 2)
	assert.Equal(t, inventory.OverheadID("o2"), overheads[0].ID)

	require.NoError(t, s.DeleteSite(ctx, "s1"))
	assert.True(t, inventory.IsNotFound(s.DeleteSite(ctx, "s1")))
}

func TestStore_ReconcilerEndToEnd(t *testing.T) {
	// GIVEN: SQLite store, stock 50, site with two logs using 5 and 7
	// WHEN: One log is edited and the site is cascade-deleted
	// THEN: Stock ends back at 50

	ctx := context.Background()
	s := newStore(t)
	rec := inventory.NewReconciler(s)

	require.NoError(t, s.PutSite(ctx, inventory.Site{
		ID: "s1", Name: "Villa", OwnerName: "R", OwnerPhone: "1", Location: "Hill",
		StartDate: "2025-01-01", Status: inventory.SiteRunning,
	}))
	require.NoError(t, s.PutMaterial(ctx, inventory.Material{
		ID: "m1", Name: "Emulsion", Unit: "litre", RatePerUnit: d("100"), CurrentStock: d("50"),
	}))

	in := func(qty string) inventory.LogInput {
		return inventory.LogInput{SiteID: "s1", LogDate: "2025-03-01", Materials: []inventory.MaterialLineItem{
			{MaterialID: "m1", Quantity: d(qty), RatePerUnit: d("100")},
		}}
	}
	first, err := rec.CreateLog(ctx, in("5"))
	require.NoError(t, err)
	_, err = rec.CreateLog(ctx, in("7"))
	require.NoError(t, err)
	_, err = rec.UpdateLog(ctx, first.ID, in("8"))
	require.NoError(t, err)

	m, err := s.GetMaterial(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, d("35").Equal(m.CurrentStock))

	res, err := rec.CascadeDeleteSite(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.LogsDeleted)

	m, err = s.GetMaterial(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, d("50").Equal(m.CurrentStock))
}

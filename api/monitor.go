/*
monitor.go - Periodic stock check

PURPOSE:
  Stock may go negative: a log is accepted even when it takes more than
  the store holds. The monitor recomputes the inventory report on a timer,
  publishes low / negative counts as gauges and logs every over-drawn
  material so someone reconciles it with a stock take.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Checks once immediately on start
  - Read-only: never adjusts stock

USAGE:
  monitor := NewStockMonitor(reports, metrics, logger)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - report/report.go: Summarize, LowStockThreshold
  - metrics.go: the gauges it sets
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/sitebook/report"
)

// StockMonitor periodically flags low and negative stock.
type StockMonitor struct {
	Reports       *report.Builder
	Metrics       *Metrics
	Logger        *zap.Logger
	CheckInterval time.Duration
	Timeout       time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStockMonitor creates a monitor. metrics may be nil.
func NewStockMonitor(reports *report.Builder, metrics *Metrics, logger *zap.Logger) *StockMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockMonitor{
		Reports:       reports,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: 5 * time.Minute,
		Timeout:       30 * time.Second,
		Enabled:       true,
	}
}

// Start begins the monitor.
func (sm *StockMonitor) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.Enabled {
		sm.Logger.Info("stock monitor disabled")
		return
	}
	if sm.ticker != nil {
		return
	}

	sm.ticker = time.NewTicker(sm.CheckInterval)
	sm.stop = make(chan struct{})
	sm.wg.Add(1)

	go sm.run(sm.ticker, sm.stop)

	sm.Logger.Info("stock monitor started", zap.Duration("interval", sm.CheckInterval))
}

// Stop stops the monitor and waits for an in-flight check.
func (sm *StockMonitor) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ticker == nil {
		return
	}
	sm.ticker.Stop()
	close(sm.stop)
	sm.wg.Wait()
	sm.ticker = nil
	sm.Logger.Info("stock monitor stopped")
}

func (sm *StockMonitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sm.wg.Done()

	// Run immediately on start
	sm.tick()

	for {
		select {
		case <-ticker.C:
			sm.tick()
		case <-stop:
			return
		}
	}
}

func (sm *StockMonitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.Timeout)
	defer cancel()
	if _, err := sm.Check(ctx); err != nil {
		sm.Logger.Warn("stock check failed", zap.Error(err))
	}
}

// Check builds the inventory report once, updates the gauges and logs
// negative stock.
func (sm *StockMonitor) Check(ctx context.Context) (*report.InventoryReport, error) {
	rep, err := sm.Reports.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	if sm.Metrics != nil {
		sm.Metrics.ObserveInventory(rep)
	}
	for _, m := range rep.NegativeStockItems {
		sm.Logger.Warn("negative stock",
			zap.String("material_id", string(m.ID)),
			zap.String("material", m.Name),
			zap.String("current_stock", m.CurrentStock.String()),
		)
	}
	sm.Logger.Debug("stock checked",
		zap.Int("materials", len(rep.Materials)),
		zap.Int("low", len(rep.LowStockItems)),
		zap.Int("negative", len(rep.NegativeStockItems)),
	)
	return rep, nil
}

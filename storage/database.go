package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/halcyonfund/halcyon/types"
)

// ErrJournalWrite wraps any failed journal write. The engine treats it as
// fatal: halt, then exit.
var ErrJournalWrite = errors.New("journal write failed")

// Store owns the embedded database. All engine writes go through the
// single writer handle; Reader hands out a read-only connection for
// external collaborators.
type Store struct {
	db *gorm.DB

	path string
}

// Open initializes the SQLite file under dataDir, switches it to WAL and
// migrates the schema.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "halcyon.db")

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer connection. SQLite serializes writes anyway; a single
	// conn keeps gorm from fighting over the file lock.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := db.AutoMigrate(
		&Trade{}, &Position{}, &SignalRecord{}, &ScanResult{},
		&OrderRecord{}, &ConditionalOrderRecord{}, &DailyPerformance{},
		&CapitalEventRecord{}, &RiskStateSnapshot{}, &StrategyState{},
		&PortfolioSnapshot{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info().Str("path", path).Msg("💾 Database initialized (SQLite, WAL)")
	return &Store{db: db, path: path}, nil
}

// Reader opens a separate read-only connection to the same file. External
// readers never touch the writer.
func (s *Store) Reader() (*gorm.DB, error) {
	ro, err := gorm.Open(sqlite.Open("file:"+s.path+"?mode=ro&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open read-only handle: %w", err)
	}
	return ro, nil
}

// Close flushes and closes the writer connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─── Trades + portfolio ────────────────────────────────────────────────────────

// JournalTrade writes a closed trade and the resulting portfolio snapshot
// in one transaction. Either both rows land or neither does.
func (s *Store) JournalTrade(t *Trade, cash, positionsValue decimal.Decimal) error {
	snap := &PortfolioSnapshot{
		Cash:           cash,
		PositionsValue: positionsValue,
		TotalValue:     cash.Add(positionsValue),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return tx.Create(snap).Error
	})
	if err != nil {
		return fmt.Errorf("%w: trade %s: %v", ErrJournalWrite, t.ID, err)
	}
	return nil
}

// SavePortfolioSnapshot journals a snapshot outside a trade, e.g. after an
// open fill or a capital event.
func (s *Store) SavePortfolioSnapshot(cash, positionsValue decimal.Decimal) error {
	snap := &PortfolioSnapshot{
		Cash:           cash,
		PositionsValue: positionsValue,
		TotalValue:     cash.Add(positionsValue),
	}
	if err := s.db.Create(snap).Error; err != nil {
		return fmt.Errorf("%w: portfolio snapshot: %v", ErrJournalWrite, err)
	}
	return nil
}

// LatestSnapshot returns the most recent portfolio snapshot, if any.
func (s *Store) LatestSnapshot() (*PortfolioSnapshot, error) {
	var snap PortfolioSnapshot
	err := s.db.Order("id DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &snap, err
}

// RecentTrades returns closed trades, newest first.
func (s *Store) RecentTrades(limit int) ([]Trade, error) {
	var trades []Trade
	err := s.db.Order("closed_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// TradesClosedSince returns trades closed at or after t, newest first.
func (s *Store) TradesClosedSince(t time.Time) ([]Trade, error) {
	var trades []Trade
	err := s.db.Where("closed_at >= ?", t).Order("closed_at DESC").Find(&trades).Error
	return trades, err
}

// TotalPnL sums realized pnl across all trades.
func (s *Store) TotalPnL() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := s.db.Model(&Trade{}).Select("COALESCE(SUM(pn_l), 0) as total").Scan(&result).Error
	return result.Total, err
}

// TotalFees sums fees across all trades.
func (s *Store) TotalFees() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := s.db.Model(&Trade{}).Select("COALESCE(SUM(fees), 0) as total").Scan(&result).Error
	return result.Total, err
}

// ─── Positions ─────────────────────────────────────────────────────────────────

// SavePosition upserts an open position by (symbol, tag).
func (s *Store) SavePosition(p *Position) error {
	if err := s.db.Save(p).Error; err != nil {
		return fmt.Errorf("%w: position %s/%s: %v", ErrJournalWrite, p.Symbol, p.Tag, err)
	}
	return nil
}

// DeletePosition removes a closed position row.
func (s *Store) DeletePosition(symbol, tag string) error {
	err := s.db.Where("symbol = ? AND tag = ?", symbol, tag).Delete(&Position{}).Error
	if err != nil {
		return fmt.Errorf("%w: delete position %s/%s: %v", ErrJournalWrite, symbol, tag, err)
	}
	return nil
}

// LoadPositions returns all persisted open positions.
func (s *Store) LoadPositions() ([]Position, error) {
	var positions []Position
	err := s.db.Find(&positions).Error
	return positions, err
}

// ─── Signals + scans ───────────────────────────────────────────────────────────

// SaveSignal journals a strategy signal together with the gate's decision.
func (s *Store) SaveSignal(rec *SignalRecord) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("%w: signal %s: %v", ErrJournalWrite, rec.ID, err)
	}
	return nil
}

// SaveScanResults journals one scan's indicator snapshots in a batch.
func (s *Store) SaveScanResults(results []ScanResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := s.db.Create(&results).Error; err != nil {
		return fmt.Errorf("%w: scan results: %v", ErrJournalWrite, err)
	}
	return nil
}

// ─── Orders ────────────────────────────────────────────────────────────────────

// SaveOrder upserts an order record.
func (s *Store) SaveOrder(o *OrderRecord) error {
	if err := s.db.Save(o).Error; err != nil {
		return fmt.Errorf("%w: order %s: %v", ErrJournalWrite, o.ID, err)
	}
	return nil
}

// PendingOrders returns orders not yet in a terminal state.
func (s *Store) PendingOrders() ([]OrderRecord, error) {
	var orders []OrderRecord
	err := s.db.Where("status IN ?", []string{
		string(types.OrderPending), string(types.OrderOpen),
	}).Find(&orders).Error
	return orders, err
}

// ─── Conditional orders ────────────────────────────────────────────────────────

// SaveConditionalOrder upserts an exchange-native stop mirror.
func (s *Store) SaveConditionalOrder(c *ConditionalOrderRecord) error {
	if err := s.db.Save(c).Error; err != nil {
		return fmt.Errorf("%w: conditional %s: %v", ErrJournalWrite, c.ID, err)
	}
	return nil
}

// ActiveConditionalOrders returns stops that may still trigger.
func (s *Store) ActiveConditionalOrders() ([]ConditionalOrderRecord, error) {
	var orders []ConditionalOrderRecord
	err := s.db.Where("status = ?", "active").Find(&orders).Error
	return orders, err
}

// ─── Daily performance ─────────────────────────────────────────────────────────

// SaveDailyPerformance upserts the end-of-day rollup.
func (s *Store) SaveDailyPerformance(d *DailyPerformance) error {
	if err := s.db.Save(d).Error; err != nil {
		return fmt.Errorf("%w: daily %s: %v", ErrJournalWrite, d.Date, err)
	}
	return nil
}

// DailyPerformanceFor returns the rollup for one local date, if present.
func (s *Store) DailyPerformanceFor(date string) (*DailyPerformance, error) {
	var d DailyPerformance
	err := s.db.First(&d, "date = ?", date).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &d, err
}

// ─── Capital events ────────────────────────────────────────────────────────────

// SaveCapitalEvent journals a funding change.
func (s *Store) SaveCapitalEvent(e *CapitalEventRecord) error {
	if err := s.db.Create(e).Error; err != nil {
		return fmt.Errorf("%w: capital event: %v", ErrJournalWrite, err)
	}
	return nil
}

// CapitalEventsSince returns funding changes at or after t.
func (s *Store) CapitalEventsSince(t time.Time) ([]CapitalEventRecord, error) {
	var events []CapitalEventRecord
	err := s.db.Where("created_at >= ?", t).Order("created_at ASC").Find(&events).Error
	return events, err
}

// ─── Risk state ────────────────────────────────────────────────────────────────

// SaveRiskState appends a risk state snapshot. The newest row wins on load.
func (s *Store) SaveRiskState(r *RiskStateSnapshot) error {
	if err := s.db.Create(r).Error; err != nil {
		return fmt.Errorf("%w: risk state: %v", ErrJournalWrite, err)
	}
	return nil
}

// LoadRiskState returns the latest persisted risk state, if any.
func (s *Store) LoadRiskState() (*RiskStateSnapshot, error) {
	var r RiskStateSnapshot
	err := s.db.Order("id DESC").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &r, err
}

// ─── Strategy state ────────────────────────────────────────────────────────────

// SaveStrategyState upserts a strategy's opaque state blob.
func (s *Store) SaveStrategyState(name, version string, blob []byte) error {
	rec := &StrategyState{Name: name, Version: version, Blob: blob}
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("%w: strategy state %s@%s: %v", ErrJournalWrite, name, version, err)
	}
	return nil
}

// LoadStrategyState returns the persisted blob for a strategy version, or
// nil when none exists.
func (s *Store) LoadStrategyState(name, version string) ([]byte, error) {
	var rec StrategyState
	err := s.db.First(&rec, "name = ? AND version = ?", name, version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Blob, nil
}

// PreviousStrategyState returns the most recently updated state for any
// version of the named strategy other than the given one. Used by the
// load-failure fallback chain.
func (s *Store) PreviousStrategyState(name, excludeVersion string) (*StrategyState, error) {
	var rec StrategyState
	err := s.db.Where("name = ? AND version <> ?", name, excludeVersion).
		Order("updated_at DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ─── Stats ─────────────────────────────────────────────────────────────────────

// Stats returns aggregate counters for the operator surface.
func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var tradeCount int64
	s.db.Model(&Trade{}).Count(&tradeCount)
	stats["total_trades"] = tradeCount

	var openCount int64
	s.db.Model(&Position{}).Count(&openCount)
	stats["open_positions"] = openCount

	pnl, _ := s.TotalPnL()
	stats["total_pnl"] = pnl

	fees, _ := s.TotalFees()
	stats["total_fees"] = fees

	var signalCount int64
	s.db.Model(&SignalRecord{}).Count(&signalCount)
	stats["total_signals"] = signalCount

	return stats, nil
}

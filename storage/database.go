package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Queryable mirror of the CSV journals plus cycle history
// ═══════════════════════════════════════════════════════════════════════════════
//
// The CSV journals stay the source of truth; rows here are written after the
// CSV append succeeds. A "postgres://" path selects PostgreSQL, anything else
// is a SQLite file.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

type TradeRow struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Date      time.Time       `gorm:"index"`
	Ticker    string          `gorm:"index"`
	Action    string          // ENTRY / EXIT
	Quantity  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price     decimal.Decimal `gorm:"type:decimal(20,6)"`
	StopPrice decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnL       decimal.Decimal `gorm:"type:decimal(20,2)"`
	PnLPct    decimal.Decimal `gorm:"type:decimal(10,2)"`
	Reason    string          `gorm:"index"`
	DaysHeld  int
	CreatedAt time.Time
}

type RejectionRow struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Date          time.Time `gorm:"index"`
	Ticker        string    `gorm:"index"`
	Weight        float64
	Reason        string
	RejectedPrice float64
	RejectedEMA   float64
	CreatedAt     time.Time
}

// CycleRun is one night or morning run
type CycleRun struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Step       string `gorm:"index"` // night / morning
	DryRun     bool
	Result     string // ok / noop / aborted / error
	Error      string
	Regimes    string // "Q1,Q2"
	Leverage   float64
	Staged     int
	Confirmed  int
	Rejected   int
	Orders     int
	Exits      int
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
	CreatedAt  time.Time
}

// Duration of the run
func (c CycleRun) Duration() time.Duration {
	return c.FinishedAt.Sub(c.StartedAt)
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRow{}, &RejectionRow{}, &CycleRun{}); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// Close releases the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Trade operations

// SaveTrade mirrors one journal trade
func (d *Database) SaveTrade(rec types.TradeRecord) error {
	return d.db.Create(&TradeRow{
		Date:      rec.Date,
		Ticker:    rec.Ticker,
		Action:    rec.Action,
		Quantity:  rec.Quantity,
		Price:     rec.Price,
		StopPrice: rec.StopPrice,
		PnL:       rec.PnL,
		PnLPct:    rec.PnLPct,
		Reason:    rec.Reason,
		DaysHeld:  rec.DaysHeld,
	}).Error
}

func (d *Database) GetRecentTrades(limit int) ([]TradeRow, error) {
	var trades []TradeRow
	err := d.db.Order("date DESC").Order("id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

func (d *Database) GetTradesByTicker(ticker string) ([]TradeRow, error) {
	var trades []TradeRow
	err := d.db.Where("ticker = ?", ticker).Order("date ASC").Order("id ASC").Find(&trades).Error
	return trades, err
}

// Rejection operations

// SaveRejections mirrors a batch of rejections in one transaction
func (d *Database) SaveRejections(recs []types.Rejection) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]RejectionRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, RejectionRow{
			Date:          r.Date,
			Ticker:        r.Ticker,
			Weight:        r.Weight,
			Reason:        r.Reason,
			RejectedPrice: r.RejectedPrice,
			RejectedEMA:   r.RejectedEMA,
		})
	}
	return d.db.Create(&rows).Error
}

func (d *Database) GetRecentRejections(limit int) ([]RejectionRow, error) {
	var rows []RejectionRow
	err := d.db.Order("date DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Cycle operations

func (d *Database) SaveCycle(run *CycleRun) error {
	return d.db.Create(run).Error
}

func (d *Database) GetRecentCycles(limit int) ([]CycleRun, error) {
	var runs []CycleRun
	err := d.db.Order("started_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// GetLastCycle returns the newest run for step, or nil when none exists
func (d *Database) GetLastCycle(step string) (*CycleRun, error) {
	var run CycleRun
	err := d.db.Where("step = ?", step).Order("started_at DESC").Order("id DESC").Limit(1).Find(&run).Error
	if err != nil || run.ID == 0 {
		return nil, err
	}
	return &run, nil
}

// Stats operations

// TradeStats aggregates closed trades
type TradeStats struct {
	Entries  int64
	Exits    int64
	Wins     int64
	Losses   int64
	TotalPnL decimal.Decimal
	ByReason map[string]int64
}

// WinRate over exits with non-zero P&L
func (s TradeStats) WinRate() float64 {
	n := s.Wins + s.Losses
	if n == 0 {
		return 0
	}
	return float64(s.Wins) / float64(n)
}

func (d *Database) GetTradeStats() (TradeStats, error) {
	stats := TradeStats{ByReason: make(map[string]int64)}

	if err := d.db.Model(&TradeRow{}).Where("action = ?", types.ActionEntry).Count(&stats.Entries).Error; err != nil {
		return stats, err
	}

	// P&L is summed in decimal rather than SQL so both drivers agree
	var exits []TradeRow
	if err := d.db.Where("action = ?", types.ActionExit).Find(&exits).Error; err != nil {
		return stats, err
	}
	stats.Exits = int64(len(exits))
	for _, t := range exits {
		stats.TotalPnL = stats.TotalPnL.Add(t.PnL)
		stats.ByReason[t.Reason]++
		switch {
		case t.PnL.IsPositive():
			stats.Wins++
		case t.PnL.IsNegative():
			stats.Losses++
		}
	}
	return stats, nil
}

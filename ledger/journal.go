package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// JOURNAL - Append-only trade and rejection logs (CSV) + optional DB mirror
// ═══════════════════════════════════════════════════════════════════════════════

var (
	tradeHeader     = []string{"date", "ticker", "action", "quantity", "price", "stop_price", "pnl", "pnl_pct", "reason", "days_held"}
	rejectionHeader = []string{"date", "ticker", "weight", "reason", "rejected_price", "rejected_ema"}
)

const dateLayout = "2006-01-02"

// Mirror receives a copy of every journal row (database, analytics)
type Mirror interface {
	SaveTrade(rec types.TradeRecord) error
	SaveRejections(recs []types.Rejection) error
}

// Journal appends CSV rows; the header is written once per file
type Journal struct {
	mu            sync.Mutex
	tradePath     string
	rejectionPath string
	mirror        Mirror
}

// NewJournal creates a journal. mirror may be nil.
func NewJournal(tradePath, rejectionPath string, mirror Mirror) *Journal {
	return &Journal{tradePath: tradePath, rejectionPath: rejectionPath, mirror: mirror}
}

// AppendTrade writes one trade row
func (j *Journal) AppendTrade(rec types.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := []string{
		rec.Date.Format(dateLayout),
		rec.Ticker,
		rec.Action,
		rec.Quantity.String(),
		rec.Price.StringFixed(2),
		rec.StopPrice.StringFixed(2),
		rec.PnL.StringFixed(2),
		rec.PnLPct.StringFixed(2),
		rec.Reason,
		strconv.Itoa(rec.DaysHeld),
	}
	if err := appendRows(j.tradePath, tradeHeader, [][]string{row}); err != nil {
		return fmt.Errorf("trade log: %w", err)
	}

	if j.mirror != nil {
		if err := j.mirror.SaveTrade(rec); err != nil {
			log.Warn().Err(err).Str("ticker", rec.Ticker).Msg("⚠️ Trade mirror write failed")
		}
	}
	return nil
}

// AppendRejections writes rejection rows
func (j *Journal) AppendRejections(recs []types.Rejection) error {
	if len(recs) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.Date.Format(dateLayout),
			r.Ticker,
			strconv.FormatFloat(r.Weight, 'f', 6, 64),
			r.Reason,
			strconv.FormatFloat(r.RejectedPrice, 'f', 2, 64),
			strconv.FormatFloat(r.RejectedEMA, 'f', 2, 64),
		})
	}
	if err := appendRows(j.rejectionPath, rejectionHeader, rows); err != nil {
		return fmt.Errorf("rejection log: %w", err)
	}

	if j.mirror != nil {
		if err := j.mirror.SaveRejections(recs); err != nil {
			log.Warn().Err(err).Int("count", len(recs)).Msg("⚠️ Rejection mirror write failed")
		}
	}
	return nil
}

// Trades reads the trade log back
func (j *Journal) Trades() ([]types.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := readRows(j.tradePath)
	if err != nil {
		return nil, err
	}
	out := make([]types.TradeRecord, 0, len(rows))
	for _, row := range rows {
		if len(row) < len(tradeHeader) {
			continue
		}
		date, _ := time.Parse(dateLayout, row[0])
		days, _ := strconv.Atoi(row[9])
		out = append(out, types.TradeRecord{
			Date:      date,
			Ticker:    row[1],
			Action:    row[2],
			Quantity:  parseDecimal(row[3]),
			Price:     parseDecimal(row[4]),
			StopPrice: parseDecimal(row[5]),
			PnL:       parseDecimal(row[6]),
			PnLPct:    parseDecimal(row[7]),
			Reason:    row[8],
			DaysHeld:  days,
		})
	}
	return out, nil
}

// Rejections reads the rejection log back
func (j *Journal) Rejections() ([]types.Rejection, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := readRows(j.rejectionPath)
	if err != nil {
		return nil, err
	}
	out := make([]types.Rejection, 0, len(rows))
	for _, row := range rows {
		if len(row) < len(rejectionHeader) {
			continue
		}
		date, _ := time.Parse(dateLayout, row[0])
		weight, _ := strconv.ParseFloat(row[2], 64)
		price, _ := strconv.ParseFloat(row[4], 64)
		ema, _ := strconv.ParseFloat(row[5], 64)
		out = append(out, types.Rejection{
			Date:          date,
			Ticker:        row[1],
			Weight:        weight,
			Reason:        row[3],
			RejectedPrice: price,
			RejectedEMA:   ema,
		})
	}
	return out, nil
}

func appendRows(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	info, statErr := os.Stat(path)
	needHeader := errors.Is(statErr, fs.ErrNotExist) || (statErr == nil && info.Size() == 0)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Sync()
}

// readRows returns data rows (header skipped); a missing file is empty
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out [][]string
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

package feeds

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CSVHistory reads <dir>/<TICKER>.csv files with a header row containing
// date (or time/timestamp), open, high, low, close. Extra columns are ignored.
type CSVHistory struct {
	dir string
}

// NewCSVHistory creates a history source rooted at dir
func NewCSVHistory(dir string) *CSVHistory {
	return &CSVHistory{dir: dir}
}

// Bars returns bars dated on or before asOf (date granularity)
func (h *CSVHistory) Bars(ctx context.Context, ticker string, asOf time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(h.dir, tickerFile(ticker))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNoData)
		}
		return nil, err
	}
	defer f.Close()

	bars, err := parseBars(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrNoData)
	}

	cutoff := endOfDay(asOf)
	n := sort.Search(len(bars), func(i int) bool { return bars[i].Date.After(cutoff) })
	return bars[:n], nil
}

func parseBars(r io.Reader) ([]Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var headers []string
	var out []Bar
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if headers == nil {
			headers = make([]string, len(rec))
			for i, col := range rec {
				headers[i] = strings.ToLower(strings.TrimSpace(col))
			}
			continue
		}

		row := make(map[string]string, len(headers))
		for i, col := range headers {
			if i < len(rec) {
				row[col] = strings.TrimSpace(rec[i])
			}
		}

		date, err := parseDate(first(row, "date", "time", "timestamp"))
		if err != nil {
			continue
		}
		c, err := strconv.ParseFloat(first(row, "close", "adj close", "adj_close"), 64)
		if err != nil || c <= 0 {
			continue
		}
		bar := Bar{Date: date, Open: c, High: c, Low: c, Close: c}
		if v, err := strconv.ParseFloat(row["open"], 64); err == nil {
			bar.Open = v
		}
		if v, err := strconv.ParseFloat(row["high"], 64); err == nil {
			bar.High = v
		}
		if v, err := strconv.ParseFloat(row["low"], 64); err == nil {
			bar.Low = v
		}
		out = append(out, bar)
	}

	if len(out) == 0 {
		return nil, errors.New("no rows")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// parseDate supports YYYY-MM-DD, RFC3339 or UNIX seconds
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad date: %q", s)
}

func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// tickerFile maps BTC-USD and BRK.B style symbols to safe file names
func tickerFile(ticker string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(strings.ToUpper(ticker)) + ".csv"
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

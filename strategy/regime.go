package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/quadbot/feeds"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REGIME SCORER - Rank the four quadrants by trailing momentum
// ═══════════════════════════════════════════════════════════════════════════════
//
// Regime score = mean lookback momentum of its indicator tickers.
// Ranked descending, ties by regime id. The top two are always selected,
// even when their momentum is negative.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SelectCount is how many regimes carry exposure each cycle
const SelectCount = 2

// Book is a regime's tradable constituents and its momentum indicators
type Book struct {
	Assets     []string `json:"assets"`
	Indicators []string `json:"indicators"`
}

// Books maps each regime to its book
type Books map[types.RegimeID]Book

// Universe returns every asset across the given regimes, deduplicated, in order
func (b Books) Universe(regimes ...types.RegimeID) []string {
	if len(regimes) == 0 {
		regimes = types.AllRegimes
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range regimes {
		for _, t := range b[r].Assets {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// IndicatorTickers returns every indicator ticker, deduplicated
func (b Books) IndicatorTickers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range types.AllRegimes {
		for _, t := range b[r].Indicators {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// DefaultBooks are the production regime universes
func DefaultBooks() Books {
	return Books{
		types.Q1: {
			Assets:     []string{"QQQ", "ARKK", "IWM", "XLC", "XLY", "TLT", "LQD"},
			Indicators: []string{"QQQ", "VUG", "IWM", "BTC-USD"},
		},
		types.Q2: {
			Assets:     []string{"XLE", "DBC", "CPER", "GCC", "XLF", "XLI", "XLB", "XOP", "FCG", "USO", "VNQ", "PAVE", "VTV", "IWD"},
			Indicators: []string{"XLE", "DBC"},
		},
		types.Q3: {
			Assets:     []string{"FCG", "XLE", "XOP", "GLD", "DBC", "CPER", "DBA", "REMX", "URA", "TIP", "VTIP", "VNQ", "PAVE", "XLV", "XLU"},
			Indicators: []string{"GLD", "LIT"},
		},
		types.Q4: {
			Assets:     []string{"VGLT", "IEF", "LQD", "MUB", "XLU", "XLP", "XLV"},
			Indicators: []string{"TLT", "XLU", "VIXY"},
		},
	}
}

// Multipliers assigns leverage to selected regimes
type Multipliers struct {
	Primary      types.RegimeID
	PrimaryMult  float64 // default: 1.5
	BaselineMult float64 // default: 1.0
	Overrides    map[types.RegimeID]float64
}

// DefaultMultipliers overweights Q1
func DefaultMultipliers() Multipliers {
	return Multipliers{Primary: types.Q1, PrimaryMult: 1.5, BaselineMult: 1.0}
}

// For returns the multiplier of regime r
func (m Multipliers) For(r types.RegimeID) float64 {
	if v, ok := m.Overrides[r]; ok {
		return v
	}
	if r == m.Primary {
		return m.PrimaryMult
	}
	return m.BaselineMult
}

// Selection is the scored and selected regime set for one cycle
type Selection struct {
	Scores      []types.RegimeScore        `json:"scores"`   // Ranked
	Selected    []types.RegimeID           `json:"selected"` // Top entries of Scores
	Multipliers map[types.RegimeID]float64 `json:"multipliers"`
	Leverage    float64                    `json:"total_leverage"`
	Missing     []types.RegimeID           `json:"missing,omitempty"` // No indicator data
}

// ScoreRegimes averages indicator momentum per regime. Regimes with no
// indicator data are returned in missing and left out of the scores.
func ScoreRegimes(momenta map[string]float64, books Books) (scores []types.RegimeScore, missing []types.RegimeID) {
	for _, r := range types.AllRegimes {
		sum, n := 0.0, 0
		for _, t := range books[r].Indicators {
			if m, ok := momenta[t]; ok {
				sum += m
				n++
			}
		}
		if n == 0 {
			missing = append(missing, r)
			continue
		}
		scores = append(scores, types.RegimeScore{Regime: r, Momentum: sum / float64(n)})
	}
	return scores, missing
}

// SelectRegimes ranks scores and picks the top n with their multipliers
func SelectRegimes(scores []types.RegimeScore, n int, mult Multipliers) Selection {
	ranked := make([]types.RegimeScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Momentum != ranked[j].Momentum {
			return ranked[i].Momentum > ranked[j].Momentum
		}
		return ranked[i].Regime < ranked[j].Regime
	})

	if n > len(ranked) {
		n = len(ranked)
	}

	sel := Selection{
		Scores:      ranked,
		Multipliers: make(map[types.RegimeID]float64, n),
	}
	for _, s := range ranked[:n] {
		m := mult.For(s.Regime)
		sel.Selected = append(sel.Selected, s.Regime)
		sel.Multipliers[s.Regime] = m
		sel.Leverage += m
	}
	return sel
}

// RegimeScorer fetches indicator momentum and selects regimes
type RegimeScorer struct {
	books Books
	mult  Multipliers
	top   int
}

// NewRegimeScorer creates a scorer selecting the top SelectCount regimes
func NewRegimeScorer(books Books, mult Multipliers) *RegimeScorer {
	return &RegimeScorer{books: books, mult: mult, top: SelectCount}
}

// Score runs one scoring pass against feed
func (s *RegimeScorer) Score(ctx context.Context, feed feeds.SignalFeed, asOf time.Time) (Selection, error) {
	momenta, err := feed.Momentum(ctx, s.books.IndicatorTickers(), asOf)
	if err != nil {
		return Selection{}, fmt.Errorf("regime momentum: %w", err)
	}

	scores, missing := ScoreRegimes(momenta, s.books)
	for _, r := range missing {
		log.Warn().Str("regime", r.String()).Msg("⚠️ No indicator data, regime excluded")
	}
	if len(scores) == 0 {
		return Selection{}, fmt.Errorf("regime momentum: %w", feeds.ErrNoData)
	}

	sel := SelectRegimes(scores, s.top, s.mult)
	sel.Missing = missing

	for i, sc := range sel.Scores {
		log.Info().
			Int("rank", i+1).
			Str("regime", sc.Regime.String()).
			Float64("momentum", sc.Momentum).
			Msg("📊 Regime score")
	}
	if len(sel.Selected) > 0 && sel.Scores[len(sel.Selected)-1].Momentum <= 0 {
		log.Warn().Msg("⚠️ Selected regime with non-positive momentum (running leveraged into weakness)")
	}
	log.Info().
		Interface("selected", sel.Selected).
		Float64("leverage", sel.Leverage).
		Msg("🎯 Regimes selected")

	return sel, nil
}

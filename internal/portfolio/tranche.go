package portfolio

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sawpanic/rotarun/internal/config"
)

// GuardReason is the reason a position guard fired.
type GuardReason int

const (
	StopLoss GuardReason = iota
	TrailingStop
)

func (gr GuardReason) String() string {
	switch gr {
	case StopLoss:
		return "stop_loss"
	case TrailingStop:
		return "trailing_stop"
	default:
		return "unknown"
	}
}

// GuardTrigger records one guard firing, destined for immediate full
// liquidation.
type GuardTrigger struct {
	Symbol string      `json:"symbol"`
	Reason GuardReason `json:"reason"`
	Price  float64     `json:"price"`
	Detail string      `json:"detail"`
}

// PositionRecord holds per-position entry metadata used by the guard
// state machine. Created on buy, high updated on every valuation,
// destroyed on full sell. Owned exclusively by its Tranche.
type PositionRecord struct {
	EntryPrice float64   `json:"entry_price"`
	HighPrice  float64   `json:"high_price"`
	EntryTime  time.Time `json:"entry_time"`
	Volatility float64   `json:"volatility"`
}

// Tranche is one of T parallel capital sub-portfolios. Created once at
// initialization, never destroyed, only mutated.
type Tranche struct {
	ID             int                        `json:"id"`
	Cash           float64                    `json:"cash"`
	Holdings       map[string]int64           `json:"holdings"`
	Records        map[string]*PositionRecord `json:"pos_records"`
	TotalValue     float64                    `json:"total_value"`
	GuardTriggered bool                       `json:"guard_triggered_today"`
}

// NewTranche creates an empty tranche with starting cash.
func NewTranche(id int, cash float64) *Tranche {
	return &Tranche{
		ID:         id,
		Cash:       cash,
		Holdings:   map[string]int64{},
		Records:    map[string]*PositionRecord{},
		TotalValue: cash,
	}
}

// HeldSymbols returns current holdings in deterministic (sorted) order.
func (t *Tranche) HeldSymbols() []string {
	syms := make([]string, 0, len(t.Holdings))
	for s := range t.Holdings {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// UpdateValue revalues the tranche and advances running highs. A held
// instrument with a missing or invalid price is valued at its entry
// price rather than inferring a fictitious move; the returned list names
// those instruments so the caller can surface the data-quality issue and
// skip their guard checks.
func (t *Tranche) UpdateValue(prices map[string]float64) []string {
	var stale []string
	val := t.Cash
	for _, sym := range t.HeldSymbols() {
		qty := t.Holdings[sym]
		price, ok := prices[sym]
		if !ok || price <= 0 || math.IsNaN(price) {
			if rec := t.Records[sym]; rec != nil {
				val += float64(qty) * rec.EntryPrice
			}
			stale = append(stale, sym)
			continue
		}
		val += float64(qty) * price
		if rec := t.Records[sym]; rec != nil && price > rec.HighPrice {
			rec.HighPrice = price
		}
	}
	t.TotalValue = val
	return stale
}

// CheckGuards evaluates the stop-loss and trailing-stop state machine
// for every held position. Positions inside the protection window are
// exempt regardless of price action; instruments without a usable price
// are skipped.
func (t *Tranche) CheckGuards(prices map[string]float64, now time.Time, cfg config.PortfolioConfig) []GuardTrigger {
	var triggers []GuardTrigger
	for _, sym := range t.HeldSymbols() {
		rec := t.Records[sym]
		if rec == nil {
			continue
		}
		if cfg.ProtectionDays > 0 && !rec.EntryTime.IsZero() {
			held := int(now.Sub(rec.EntryTime).Hours() / 24)
			if held <= cfg.ProtectionDays {
				continue
			}
		}

		price, ok := prices[sym]
		if !ok || price <= 0 || math.IsNaN(price) {
			continue
		}

		if trig, fired := evaluateGuard(sym, price, rec, cfg); fired {
			triggers = append(triggers, trig)
		}
	}
	return triggers
}

// evaluateGuard applies the stop rules to one position at one price.
func evaluateGuard(symbol string, price float64, rec *PositionRecord, cfg config.PortfolioConfig) (GuardTrigger, bool) {
	stopPct := cfg.StopLoss
	if cfg.DynamicStop && rec.Volatility > 0 {
		stopPct = cfg.ATRMultiplier * rec.Volatility
		if stopPct < cfg.DynamicStopMin {
			stopPct = cfg.DynamicStopMin
		}
		if stopPct > cfg.DynamicStopMax {
			stopPct = cfg.DynamicStopMax
		}
	}

	if price < rec.EntryPrice*(1-stopPct) {
		return GuardTrigger{
			Symbol: symbol,
			Reason: StopLoss,
			Price:  price,
			Detail: fmt.Sprintf("price %.2f below entry %.2f by more than %.0f%%", price, rec.EntryPrice, stopPct*100),
		}, true
	}

	if rec.HighPrice > rec.EntryPrice*(1+cfg.TrailingTrigger) &&
		price < rec.HighPrice*(1-cfg.TrailingDrop) {
		return GuardTrigger{
			Symbol: symbol,
			Reason: TrailingStop,
			Price:  price,
			Detail: fmt.Sprintf("retraced %.1f%% from high %.2f after +%.0f%% run",
				(1-price/rec.HighPrice)*100, rec.HighPrice, cfg.TrailingTrigger*100),
		}, true
	}

	return GuardTrigger{}, false
}

// Buy sizes the order to the nearest whole lot not exceeding the
// allocated cash, records entry metadata and returns the quantity
// bought. Zero when the allocation cannot cover one lot.
func (t *Tranche) Buy(symbol string, cashAllocated, price float64, now time.Time, volatility float64, cfg config.PortfolioConfig) int64 {
	if price <= 0 || math.IsNaN(price) {
		return 0
	}
	lot := float64(cfg.LotSize)
	qty := int64(cashAllocated/price/lot) * cfg.LotSize
	cost := float64(qty) * price
	if qty <= 0 || t.Cash < cost {
		return 0
	}

	t.Cash -= cost
	t.Holdings[symbol] += qty
	if volatility <= 0 {
		volatility = cfg.DefaultVolatility
	}
	t.Records[symbol] = &PositionRecord{
		EntryPrice: price,
		HighPrice:  price,
		EntryTime:  now,
		Volatility: volatility,
	}
	return qty
}

// Sell liquidates the full position and removes its record.
func (t *Tranche) Sell(symbol string, price float64) {
	qty, ok := t.Holdings[symbol]
	if !ok {
		return
	}
	t.Cash += float64(qty) * price
	delete(t.Holdings, symbol)
	delete(t.Records, symbol)
}

// SellQty reduces the position by up to qty units, refunding proceeds.
// A position sold to zero loses its record.
func (t *Tranche) SellQty(symbol string, qty int64, price float64) {
	held, ok := t.Holdings[symbol]
	if !ok {
		return
	}
	if qty > held {
		qty = held
	}
	t.Cash += float64(qty) * price
	t.Holdings[symbol] = held - qty
	if t.Holdings[symbol] == 0 {
		delete(t.Holdings, symbol)
		delete(t.Records, symbol)
	}
}

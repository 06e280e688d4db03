package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rotarun/internal/config"
)

// ErrNotInitialized is returned when the manager is used before capital
// has been observed.
var ErrNotInitialized = fmt.Errorf("portfolio manager not initialized")

// Adjustment records one reconciliation shrink: virtual holdings reduced
// to match broker-confirmed reality, cash refunded at the recorded entry
// price.
type Adjustment struct {
	Symbol    string  `json:"symbol"`
	TrancheID int     `json:"tranche_id"`
	Removed   int64   `json:"removed"`
	Refund    float64 `json:"refund"`
}

// TickLiquidation is a guard firing on the intraday tick path.
type TickLiquidation struct {
	TrancheID int          `json:"tranche_id"`
	Trigger   GuardTrigger `json:"trigger"`
}

// Manager owns all T tranches, rotates the active one per cycle and
// keeps virtual holdings consistent with broker-confirmed positions.
// Single-writer: the host must never run cycles concurrently.
type Manager struct {
	cfg config.PortfolioConfig
	log zerolog.Logger

	tranches    []*Tranche
	cycleCount  int
	initialized bool
}

// NewManager creates an uninitialized manager.
func NewManager(cfg config.PortfolioConfig, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, log: log.With().Str("component", "portfolio").Logger()}
}

// Initialized reports whether capital has been split into tranches.
func (m *Manager) Initialized() bool { return m.initialized }

// CycleCount returns the number of completed BeginCycle calls.
func (m *Manager) CycleCount() int { return m.cycleCount }

// Tranches returns the tranche list in id order.
func (m *Manager) Tranches() []*Tranche { return m.tranches }

// Initialize splits capital into exactly T equal-cash tranches. It runs
// exactly once, the first time real capital is observed.
func (m *Manager) Initialize(totalCash float64) error {
	if m.initialized {
		return fmt.Errorf("initialize: tranches already exist")
	}
	if totalCash <= 0 {
		return fmt.Errorf("initialize: non-positive capital %.2f", totalCash)
	}

	share := totalCash / float64(m.cfg.Tranches)
	m.tranches = make([]*Tranche, m.cfg.Tranches)
	for i := range m.tranches {
		m.tranches[i] = NewTranche(i, share)
	}
	m.initialized = true
	m.log.Info().Float64("capital", totalCash).Int("tranches", m.cfg.Tranches).
		Float64("per_tranche", share).Msg("tranches initialized")
	return nil
}

// BeginCycle advances the cycle counter and returns the new count.
func (m *Manager) BeginCycle() int {
	m.cycleCount++
	return m.cycleCount
}

// Active returns the tranche owning this cycle: tranches[(cycle-1) mod T].
func (m *Manager) Active() (*Tranche, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	idx := (m.cycleCount - 1) % len(m.tranches)
	if idx < 0 {
		idx += len(m.tranches)
	}
	return m.tranches[idx], nil
}

// TotalHoldings aggregates quantities across all tranches.
func (m *Manager) TotalHoldings() map[string]int64 {
	combined := make(map[string]int64)
	for _, t := range m.tranches {
		for sym, qty := range t.Holdings {
			combined[sym] += qty
		}
	}
	return combined
}

// TotalValue sums the most recent tranche valuations.
func (m *Manager) TotalValue() float64 {
	var sum float64
	for _, t := range m.tranches {
		sum += t.TotalValue
	}
	return sum
}

// Reconcile shrinks virtual holdings to match broker-confirmed
// positions, refunding cash at the recorded entry price. Virtual state
// may under-claim but must never over-claim relative to confirmed
// reality. Reductions are taken in tranche order.
func (m *Manager) Reconcile(confirmed map[string]int64) []Adjustment {
	var adjustments []Adjustment

	virtual := m.TotalHoldings()
	symbols := make([]string, 0, len(virtual))
	for sym := range virtual {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		excess := virtual[sym] - confirmed[sym]
		if excess <= 0 {
			continue
		}
		m.log.Warn().Str("symbol", sym).Int64("virtual", virtual[sym]).
			Int64("confirmed", confirmed[sym]).Msg("reconciliation mismatch, shrinking virtual holdings")

		remaining := excess
		for _, t := range m.tranches {
			held, ok := t.Holdings[sym]
			if !ok || remaining <= 0 {
				continue
			}
			remove := held
			if remove > remaining {
				remove = remaining
			}

			refund := 0.0
			if rec := t.Records[sym]; rec != nil {
				refund = float64(remove) * rec.EntryPrice
			}
			t.Cash += refund
			t.Holdings[sym] = held - remove
			if t.Holdings[sym] == 0 {
				delete(t.Holdings, sym)
				delete(t.Records, sym)
			}
			remaining -= remove

			adjustments = append(adjustments, Adjustment{
				Symbol:    sym,
				TrancheID: t.ID,
				Removed:   remove,
				Refund:    refund,
			})
		}
	}
	return adjustments
}

// OnTick runs the intraday guard path for one instrument: updates
// running highs from the tick high and liquidates any position whose
// guard fires at the tick price. The protection window still applies.
func (m *Manager) OnTick(symbol string, price, high float64, now time.Time) []TickLiquidation {
	var out []TickLiquidation
	if price <= 0 {
		return out
	}

	for _, t := range m.tranches {
		rec := t.Records[symbol]
		if rec == nil {
			continue
		}
		if _, held := t.Holdings[symbol]; !held {
			continue
		}
		if m.cfg.ProtectionDays > 0 && !rec.EntryTime.IsZero() {
			daysHeld := int(now.Sub(rec.EntryTime).Hours() / 24)
			if daysHeld <= m.cfg.ProtectionDays {
				continue
			}
		}

		if high > rec.HighPrice {
			rec.HighPrice = high
		}

		if trig, fired := evaluateGuard(symbol, price, rec, m.cfg); fired {
			m.log.Info().Str("symbol", symbol).Stringer("reason", trig.Reason).
				Int("tranche", t.ID).Float64("price", price).Msg("intraday guard trigger")
			t.Sell(symbol, price)
			t.GuardTriggered = true
			out = append(out, TickLiquidation{TrancheID: t.ID, Trigger: trig})
		}
	}
	return out
}

// Snapshot returns a deep copy of the manager state for persistence.
func (m *Manager) Snapshot() (int, []*Tranche) {
	tranches := make([]*Tranche, len(m.tranches))
	for i, t := range m.tranches {
		tranches[i] = t.clone()
	}
	return m.cycleCount, tranches
}

// Restore reinstates persisted state after a process restart.
func (m *Manager) Restore(cycleCount int, tranches []*Tranche) error {
	if len(tranches) == 0 {
		return fmt.Errorf("restore: no tranches in snapshot")
	}
	if len(tranches) != m.cfg.Tranches {
		return fmt.Errorf("restore: snapshot has %d tranches, config wants %d",
			len(tranches), m.cfg.Tranches)
	}
	m.tranches = make([]*Tranche, len(tranches))
	for i, t := range tranches {
		m.tranches[i] = t.clone()
	}
	m.cycleCount = cycleCount
	m.initialized = true
	return nil
}

func (t *Tranche) clone() *Tranche {
	c := &Tranche{
		ID:             t.ID,
		Cash:           t.Cash,
		Holdings:       make(map[string]int64, len(t.Holdings)),
		Records:        make(map[string]*PositionRecord, len(t.Records)),
		TotalValue:     t.TotalValue,
		GuardTriggered: t.GuardTriggered,
	}
	for sym, qty := range t.Holdings {
		c.Holdings[sym] = qty
	}
	for sym, rec := range t.Records {
		cp := *rec
		c.Records[sym] = &cp
	}
	return c
}

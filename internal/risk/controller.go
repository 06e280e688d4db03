package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rotarun/internal/config"
)

// ErrHalted is returned while the daily circuit breaker is tripped.
var ErrHalted = fmt.Errorf("risk controller halted for the day")

// Controller is an independent circuit breaker sitting above the
// strategy: it tracks day-anchored NAV drawdown and enforces per-order
// size limits. Halting blocks new allocation; it never forces
// liquidation.
type Controller struct {
	cfg config.RiskConfig
	log zerolog.Logger

	anchorNAV float64
	active    bool
	day       time.Time
}

// NewController starts active with no day anchor.
func NewController(cfg config.RiskConfig, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		log:    log.With().Str("component", "risk").Logger(),
		active: true,
	}
}

// OnDayStart records the day-anchor NAV on the first cycle of a new
// calendar day and re-arms the breaker. Repeat calls within the same day
// are no-ops, so the reset happens exactly once per day.
func (c *Controller) OnDayStart(now time.Time, nav float64) {
	day := now.Truncate(24 * time.Hour)
	if day.Equal(c.day) {
		return
	}
	c.day = day
	c.anchorNAV = nav
	c.active = true
	c.log.Info().Time("day", day).Float64("anchor_nav", nav).Msg("risk day start, NAV anchored")
}

// CheckDailyLoss trips the breaker when NAV drawdown from the day anchor
// breaches the limit. Returns false while halted.
func (c *Controller) CheckDailyLoss(nav float64) bool {
	if !c.active {
		return false
	}
	if c.anchorNAV <= 0 {
		return true
	}

	drawdown := 1 - nav/c.anchorNAV
	if drawdown > c.cfg.MaxDailyLoss {
		c.active = false
		c.log.Error().Float64("drawdown", drawdown).Float64("limit", c.cfg.MaxDailyLoss).
			Msg("daily loss limit breached, trading halted for the day")
		return false
	}
	return true
}

// Halted reports whether the breaker is tripped.
func (c *Controller) Halted() bool { return !c.active }

// ValidateOrder rejects orders while halted and orders whose value
// exceeds the configured fraction (plus grace) of total scanned value.
func (c *Controller) ValidateOrder(symbol string, value, totalScanned float64) error {
	if !c.active {
		return ErrHalted
	}
	if totalScanned <= 0 {
		return nil
	}
	maxFrac := c.cfg.MaxOrderFrac + c.cfg.OrderFracGrace
	if value/totalScanned > maxFrac {
		return fmt.Errorf("order %s value %.0f exceeds %.0f%% of scanned value %.0f",
			symbol, value, maxFrac*100, totalScanned)
	}
	return nil
}

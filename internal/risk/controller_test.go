package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rotarun/internal/config"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return NewController(cfg.Risk, zerolog.Nop())
}

func at(day, hour int) time.Time {
	return time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC).AddDate(0, 0, day)
}

func TestOnDayStart_AnchorsOncePerDay(t *testing.T) {
	c := newTestController(t)

	c.OnDayStart(at(0, 9), 100000)
	assert.Equal(t, 100000.0, c.anchorNAV)

	// Second call the same day must not move the anchor
	c.OnDayStart(at(0, 14), 95000)
	assert.Equal(t, 100000.0, c.anchorNAV)

	// New day re-anchors
	c.OnDayStart(at(1, 9), 95000)
	assert.Equal(t, 95000.0, c.anchorNAV)
}

func TestCheckDailyLoss_TripsAndStaysTripped(t *testing.T) {
	c := newTestController(t)
	c.OnDayStart(at(0, 9), 100000)

	assert.True(t, c.CheckDailyLoss(97000), "3% down is within the 4% limit")
	assert.False(t, c.Halted())

	assert.False(t, c.CheckDailyLoss(95000), "5% down trips the breaker")
	assert.True(t, c.Halted())

	// Recovery within the day does not re-arm
	assert.False(t, c.CheckDailyLoss(100000))
	assert.ErrorIs(t, c.ValidateOrder("AAA", 1, 100), ErrHalted)

	// Next day re-arms
	c.OnDayStart(at(1, 9), 95000)
	assert.False(t, c.Halted())
	assert.True(t, c.CheckDailyLoss(95000))
}

func TestCheckDailyLoss_NoAnchor(t *testing.T) {
	c := newTestController(t)
	assert.True(t, c.CheckDailyLoss(12345), "no anchor yet means no breach")
}

func TestValidateOrder_SizeLimit(t *testing.T) {
	c := newTestController(t)
	c.OnDayStart(at(0, 9), 100000)

	// Limit is 25% + 5% grace = 30% of scanned value
	assert.NoError(t, c.ValidateOrder("AAA", 29000, 100000))
	assert.Error(t, c.ValidateOrder("AAA", 31000, 100000))

	// Unknown scanned value cannot be enforced
	assert.NoError(t, c.ValidateOrder("AAA", 1e9, 0))
}

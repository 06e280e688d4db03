package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so intervals can be written as "5s" or
// "24h" in the YAML file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the single immutable configuration object for the rotation
// engine. It is built once at startup and passed explicitly into every
// component; nothing reads package-level settings.
type Config struct {
	Scoring   ScoringConfig   `yaml:"scoring"`
	Regime    RegimeConfig    `yaml:"regime"`
	Alloc     AllocConfig     `yaml:"alloc"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
	Risk      RiskConfig      `yaml:"risk"`
	Engine    EngineConfig    `yaml:"engine"`
	Journal   JournalConfig   `yaml:"journal"`
	Publish   PublishConfig   `yaml:"publish"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ScoringConfig drives the multi-window ensemble ranking and the
// structural veto gates.
type ScoringConfig struct {
	// Window returns accumulate as weight * clipped percentile rank.
	// Negative weights encode mean reversion.
	WindowWeights map[int]float64 `yaml:"window_weights"`

	MinHistoryDays int     `yaml:"min_history_days" default:"251" validate:"min=2"`
	RankClipK      int     `yaml:"rank_clip_k" default:"30" validate:"min=1"`   // top-K rank clipping
	MinScore       float64 `yaml:"min_score" default:"20"`                      // floor applied after gating
	EntryZ         float64 `yaml:"entry_z" default:"1.6" validate:"min=0"`      // score zeroed when z <= -entry_z
	MaxDailyGain   float64 `yaml:"max_daily_gain" default:"0.08" validate:"gt=0"` // overextension veto

	// Volume-pattern veto windows, in trading days back from the decision
	// date. The exact lengths vary across research variants, so they are
	// configuration rather than constants.
	PullbackFrom       int     `yaml:"pullback_from" default:"5" validate:"min=1"`
	PullbackTo         int     `yaml:"pullback_to" default:"2" validate:"min=1"`
	UptrendFrom        int     `yaml:"uptrend_from" default:"20" validate:"min=1"`
	UptrendTo          int     `yaml:"uptrend_to" default:"10" validate:"min=1"`
	ReboundVolumeRatio float64 `yaml:"rebound_volume_ratio" default:"1.2" validate:"gt=0"`

	ThemeRankFloor  float64 `yaml:"theme_rank_floor" default:"0.6" validate:"min=0,max=1"` // theme percentile must exceed this
	ThemeRetWindow  int     `yaml:"theme_ret_window" default:"20" validate:"min=1"`
	BullWindow      int     `yaml:"bull_window" default:"20" validate:"min=1"` // benchmark lookback for the bull flag
	SentinelScore   float64 `yaml:"sentinel_score" default:"-999"`
	SoftGateFactor  float64 `yaml:"soft_gate_factor" default:"0.5" validate:"min=0,max=1"`
}

// RegimeConfig drives both the continuous trend scale and the hysteretic
// SAFE/CAUTION/DANGER machine. Enter thresholds must be stricter than the
// matching exit thresholds.
type RegimeConfig struct {
	MacroMADays   int `yaml:"macro_ma_days" default:"120" validate:"min=2"`
	BreadthWindow int `yaml:"breadth_window" default:"60" validate:"min=2"`
	ShortMADays   int `yaml:"short_ma_days" default:"20" validate:"min=2"`

	ZReturnWindow int     `yaml:"z_return_window" default:"5" validate:"min=1"`
	VolWindow     int     `yaml:"vol_window" default:"60" validate:"min=2"`
	VolLagDays    int     `yaml:"vol_lag_days" default:"5" validate:"min=1"`
	VolFloor      float64 `yaml:"vol_floor" default:"0.005" validate:"gt=0"`
	CrashZ        float64 `yaml:"crash_z" default:"2.5" validate:"gt=0"`
	MedianZPanic  float64 `yaml:"median_z_panic" default:"2.3" validate:"gt=0"`

	SmoothCycles int `yaml:"smooth_cycles" default:"3" validate:"min=1,max=3"`
	MinUniverseZ int `yaml:"min_universe_z" default:"20" validate:"min=1"`

	CautionIn     float64 `yaml:"caution_in" default:"0.40" validate:"gt=0"`
	CautionOut    float64 `yaml:"caution_out" default:"0.30" validate:"gt=0"`
	DangerIn      float64 `yaml:"danger_in" default:"0.60" validate:"gt=0"`
	DangerInPanic float64 `yaml:"danger_in_panic" default:"0.50" validate:"gt=0"`
	DangerOut     float64 `yaml:"danger_out" default:"0.50" validate:"gt=0"`
	PreDanger     float64 `yaml:"pre_danger" default:"0.55" validate:"gt=0"`
	CautionScaler float64 `yaml:"caution_scaler" default:"0.7" validate:"min=0,max=1"`
}

// AllocConfig drives theme caps, soft rotation and weight assignment.
type AllocConfig struct {
	TopN           int    `yaml:"top_n" default:"4" validate:"min=1"`
	TurnoverBuffer int    `yaml:"turnover_buffer" default:"2" validate:"min=0"`
	MaxPerTheme    int    `yaml:"max_per_theme" default:"2" validate:"min=1"`
	WeightScheme   string `yaml:"weight_scheme" default:"champion" validate:"oneof=champion equal"`
	ChampionShares int    `yaml:"champion_shares" default:"3" validate:"min=1"`

	// Dynamic position count by regime state. Off by default; when on,
	// TopNByState overrides TopN.
	DynamicTopN bool        `yaml:"dynamic_top_n" default:"false"`
	TopNByState map[string]int `yaml:"top_n_by_state"`

	DynamicPosition bool    `yaml:"dynamic_position" default:"true"`  // apply the trend scale
	EnableRiskGate  bool    `yaml:"enable_risk_gate" default:"true"`  // apply the hysteretic risk scaler
	Conviction      bool    `yaml:"conviction" default:"false"`       // shrink scale by structural pass rate
	CashReserve     float64 `yaml:"cash_reserve" default:"0.01" validate:"min=0,lt=1"`
}

// PortfolioConfig drives tranche sizing, lots and the guard state machine.
type PortfolioConfig struct {
	Tranches int     `yaml:"tranches" default:"10" validate:"min=1"`
	LotSize  int64   `yaml:"lot_size" default:"100" validate:"min=1"`

	StopLoss        float64 `yaml:"stop_loss" default:"0.20" validate:"gt=0,lt=1"`
	TrailingTrigger float64 `yaml:"trailing_trigger" default:"0.15" validate:"gt=0"`
	TrailingDrop    float64 `yaml:"trailing_drop" default:"0.03" validate:"gt=0,lt=1"`
	ProtectionDays  int     `yaml:"protection_days" default:"0" validate:"min=0"`

	DynamicStop   bool    `yaml:"dynamic_stop" default:"false"`
	ATRMultiplier float64 `yaml:"atr_multiplier" default:"2.5" validate:"gt=0"`
	ATRLookback   int     `yaml:"atr_lookback" default:"20" validate:"min=2"`
	DynamicStopMin float64 `yaml:"dynamic_stop_min" default:"0.10" validate:"gt=0"`
	DynamicStopMax float64 `yaml:"dynamic_stop_max" default:"0.30" validate:"gt=0"`

	DefaultVolatility float64 `yaml:"default_volatility" default:"0.02" validate:"gt=0"`

	// Partial sells are skipped below this absolute value and below this
	// fraction of the target, to avoid lot-churning noise trades.
	RebalanceMinValue float64 `yaml:"rebalance_min_value" default:"100" validate:"min=0"`
	RebalanceMinFrac  float64 `yaml:"rebalance_min_frac" default:"0.2" validate:"min=0,max=1"`
}

// RiskConfig drives the daily circuit breaker.
type RiskConfig struct {
	MaxDailyLoss   float64 `yaml:"max_daily_loss" default:"0.04" validate:"gt=0,lt=1"`
	MaxOrderFrac   float64 `yaml:"max_order_frac" default:"0.25" validate:"gt=0,lt=1"`
	OrderFracGrace float64 `yaml:"order_frac_grace" default:"0.05" validate:"min=0"`
}

// EngineConfig drives the cycle orchestrator and persistence.
type EngineConfig struct {
	StatePath    string `yaml:"state_path" default:"state/rotarun_state.json"`
	UniversePath string `yaml:"universe_path" default:"config/universe.yaml"`

	// Tick-path snapshot writes are rate limited so a tick storm cannot
	// turn the state file into an IO hot spot.
	TickSaveInterval Duration `yaml:"tick_save_interval" default:"5s"`
}

// JournalConfig configures the optional Postgres decision journal.
type JournalConfig struct {
	Enabled bool     `yaml:"enabled" default:"false"`
	DSN     string   `yaml:"dsn"`
	Timeout Duration `yaml:"timeout" default:"5s"`
}

// PublishConfig configures the optional Redis target-table mirror.
type PublishConfig struct {
	Enabled bool     `yaml:"enabled" default:"false"`
	Addr    string   `yaml:"addr" default:"localhost:6379"`
	DB      int      `yaml:"db" default:"0"`
	Key     string   `yaml:"key" default:"rotarun:targets"`
	TTL     Duration `yaml:"ttl" default:"24h"`
}

// TelemetryConfig configures the ops HTTP server.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Addr    string `yaml:"addr" default:":9180"`
}

// Default returns the production configuration with every field at its
// default value.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	c.applyMapDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads a YAML configuration file, fills unset fields with defaults
// and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyMapDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// applyMapDefaults fills map-typed fields that the defaults tag cannot
// express.
func (c *Config) applyMapDefaults() {
	if len(c.Scoring.WindowWeights) == 0 {
		c.Scoring.WindowWeights = map[int]float64{1: 30, 3: -70, 20: 150}
	}
	if len(c.Alloc.TopNByState) == 0 {
		c.Alloc.TopNByState = map[string]int{"SAFE": 5, "CAUTION": 4, "DANGER": 2}
	}
}

// Validate checks structural validity plus the cross-field hysteresis
// invariants the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Regime.CautionOut >= c.Regime.CautionIn {
		return fmt.Errorf("regime: caution_out %.2f must be below caution_in %.2f",
			c.Regime.CautionOut, c.Regime.CautionIn)
	}
	if c.Regime.DangerOut >= c.Regime.DangerIn {
		return fmt.Errorf("regime: danger_out %.2f must be below danger_in %.2f",
			c.Regime.DangerOut, c.Regime.DangerIn)
	}
	if c.Regime.DangerIn <= c.Regime.CautionIn {
		return fmt.Errorf("regime: danger_in %.2f must be above caution_in %.2f",
			c.Regime.DangerIn, c.Regime.CautionIn)
	}
	if c.Scoring.PullbackFrom <= c.Scoring.PullbackTo {
		return fmt.Errorf("scoring: pullback_from %d must exceed pullback_to %d",
			c.Scoring.PullbackFrom, c.Scoring.PullbackTo)
	}
	if c.Scoring.UptrendFrom <= c.Scoring.UptrendTo {
		return fmt.Errorf("scoring: uptrend_from %d must exceed uptrend_to %d",
			c.Scoring.UptrendFrom, c.Scoring.UptrendTo)
	}
	if c.Portfolio.DynamicStopMin >= c.Portfolio.DynamicStopMax {
		return fmt.Errorf("portfolio: dynamic_stop_min %.2f must be below dynamic_stop_max %.2f",
			c.Portfolio.DynamicStopMin, c.Portfolio.DynamicStopMax)
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal: dsn required when enabled")
	}
	return nil
}

// MaxLookback returns the deepest history any scoring or regime input
// reaches back, in trading days.
func (c *Config) MaxLookback() int {
	max := c.Scoring.MinHistoryDays
	for w := range c.Scoring.WindowWeights {
		if w+1 > max {
			max = w + 1
		}
	}
	if d := c.Regime.VolWindow + c.Regime.VolLagDays + 1; d > max {
		max = d
	}
	if d := c.Regime.MacroMADays + 1; d > max {
		max = d
	}
	return max
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// MarginMode is the exchange margin mode for a symbol.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCrossed  MarginMode = "crossed"
)

// TPSetting configures one take-profit rung: Percent is the distance from
// the entry price, Ratio the share of the position closed (both in %).
type TPSetting struct {
	Percent float64 `json:"percent"`
	Ratio   float64 `json:"ratio"`
}

// TrailingSettings configures the trailing-stop engine.
type TrailingSettings struct {
	Enabled         bool         `json:"enabled"`
	ActivationLevel int          `json:"activation_level"`
	Mode            TrailingMode `json:"mode"`
	Percent         float64      `json:"percent"`
	FromLevel       int          `json:"from_level"`
	ToLevel         int          `json:"to_level"`
}

// HedgeSizeMode selects how the hedge target size is computed.
type HedgeSizeMode string

const (
	HedgeSizeRatio HedgeSizeMode = "ratio"
	HedgeSizeFixed HedgeSizeMode = "fixed"
)

// ProtectionMode selects how a hedge stop-loss or take-profit is derived.
type ProtectionMode string

const (
	// ProtectionMirror copies the main position's opposite protective level.
	ProtectionMirror ProtectionMode = "mirror"
	// ProtectionPercent offsets from the hedge's average entry price.
	ProtectionPercent ProtectionMode = "percent"
	// ProtectionNone leaves the level unset so the hedge is not auto-closed.
	ProtectionNone ProtectionMode = "none"
)

// DualSideSettings configures the hedge coordinator.
type DualSideSettings struct {
	Enabled             bool           `json:"enabled"`
	TriggerDCA          int            `json:"trigger_dca"`
	SizeMode            HedgeSizeMode  `json:"size_mode"`
	RatioPercent        float64        `json:"ratio_percent"`
	MinSize             float64        `json:"min_size"`
	FixedSize           float64        `json:"fixed_size"`
	SLMode              ProtectionMode `json:"sl_mode"`
	SLPercent           float64        `json:"sl_percent"`
	TPMode              ProtectionMode `json:"tp_mode"`
	TPPercent           float64        `json:"tp_percent"`
	PyramidingLimit     int            `json:"pyramiding_limit"`
	CloseOnFinalMainDCA bool           `json:"close_on_final_main_dca"`
	CloseMainOnHedgeTP  bool           `json:"close_main_on_hedge_tp"`
	CloseHedgeOnMainSL  bool           `json:"close_hedge_on_main_sl"`
	CloseOnTPLevel      int            `json:"close_on_tp_level"`
	ResyncOnTPLevel     int            `json:"resync_on_tp_level"`
}

// TradingSettings is a user's trading configuration as read from the
// account store once per tick.
type TradingSettings struct {
	UserID          string           `json:"user_id"`
	Symbols         []string         `json:"symbols"`
	Leverage        int              `json:"leverage"`
	MarginMode      MarginMode       `json:"margin_mode"`
	TakeProfits     []TPSetting      `json:"take_profits"`
	StopLossPercent float64          `json:"stop_loss_percent"`
	BreakEvenLevels []int            `json:"break_even_levels"`
	Trailing        TrailingSettings `json:"trailing"`
	DualSide        DualSideSettings `json:"dual_side"`
	CooldownSeconds int              `json:"cooldown_seconds"`
	PyramidingLimit int              `json:"pyramiding_limit"`
	MinSustainSize  float64          `json:"min_sustain_size"`
}

// BreakEvenOn reports whether a fill of level moves the stop-loss.
func (s TradingSettings) BreakEvenOn(level int) bool {
	for _, l := range s.BreakEvenLevels {
		if l == level {
			return true
		}
	}
	return false
}

// IsFinalTP reports whether level is the last configured rung, either by
// position in the ladder or because cumulative ratios reach ~100%.
func (s TradingSettings) IsFinalTP(level int) bool {
	if level >= len(s.TakeProfits) {
		return true
	}
	var total float64
	for i := 0; i < level && i < len(s.TakeProfits); i++ {
		total += s.TakeProfits[i].Ratio
	}
	return total >= 99.9
}

// Cooldown returns the re-entry suppression window.
func (s TradingSettings) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// Validate reports every setting that would make the engine misbehave.
func (s TradingSettings) Validate() error {
	var errs []string
	if s.UserID == "" {
		errs = append(errs, "user_id must not be empty")
	}
	var total float64
	for i, tp := range s.TakeProfits {
		if tp.Percent <= 0 {
			errs = append(errs, fmt.Sprintf("take_profits[%d].percent must be > 0", i))
		}
		if tp.Ratio <= 0 {
			errs = append(errs, fmt.Sprintf("take_profits[%d].ratio must be > 0", i))
		}
		total += tp.Ratio
	}
	if total > 100.0001 {
		errs = append(errs, fmt.Sprintf("take_profits ratios sum to %.2f%%, must be <= 100%%", total))
	}
	if s.Trailing.Enabled {
		if s.Trailing.ActivationLevel < 1 || s.Trailing.ActivationLevel > len(s.TakeProfits) {
			errs = append(errs, "trailing.activation_level must reference a configured take profit")
		}
	}
	if s.DualSide.Enabled {
		if s.DualSide.TriggerDCA < 1 {
			errs = append(errs, "dual_side.trigger_dca must be >= 1")
		}
		switch s.DualSide.SizeMode {
		case HedgeSizeRatio:
			if s.DualSide.RatioPercent <= 0 {
				errs = append(errs, "dual_side.ratio_percent must be > 0")
			}
		case HedgeSizeFixed:
			if s.DualSide.FixedSize <= 0 {
				errs = append(errs, "dual_side.fixed_size must be > 0")
			}
		default:
			errs = append(errs, fmt.Sprintf("dual_side.size_mode %q unknown", s.DualSide.SizeMode))
		}
	}
	if s.CooldownSeconds < 0 {
		errs = append(errs, "cooldown_seconds must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("domain: settings for %s: %w: %s", s.UserID, ErrSettingsMissing, strings.Join(errs, "; "))
	}
	return nil
}

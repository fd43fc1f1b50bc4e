package domain

import (
	"fmt"
	"math"
	"time"
)

// TrailingMode selects how the trailing offset is derived at activation.
type TrailingMode string

const (
	// TrailingPercent uses a fixed percentage of the activation price.
	TrailingPercent TrailingMode = "percent"
	// TrailingTPDistance uses the absolute distance between two TP prices.
	TrailingTPDistance TrailingMode = "tp_distance"
)

// TrailingStopState is the persisted trailing-stop record for one position.
// An absent record means the engine is inactive for that position.
type TrailingStopState struct {
	Key             PositionKey
	Active          bool
	Offset          float64
	Extreme         float64
	StopPrice       float64
	SubmittedStop   float64
	SLOrderID       string
	ActivatedAt     time.Time
	UpdatedAt       time.Time
	LastSubmittedAt time.Time
}

// TrailingObservation is the result of feeding one price into the machine.
type TrailingObservation struct {
	Moved     bool
	Triggered bool
}

// NewTrailingStop builds an active state with the running extreme at price.
// The initial stop is never looser than currentStop.
func NewTrailingStop(key PositionKey, price, offset, currentStop float64, now time.Time) TrailingStopState {
	s := TrailingStopState{
		Key:         key,
		Active:      true,
		Offset:      offset,
		Extreme:     price,
		ActivatedAt: now,
		UpdatedAt:   now,
	}
	s.StopPrice = Tighter(key.Side, currentStop, s.candidateStop())
	return s
}

func (s *TrailingStopState) candidateStop() float64 {
	if s.Key.Side == SideShort {
		return s.Extreme + s.Offset
	}
	return s.Extreme - s.Offset
}

// Observe applies a price tick. The running extreme only moves in the
// favorable direction and the stop only tightens.
func (s *TrailingStopState) Observe(price float64, now time.Time) TrailingObservation {
	if !s.Active || price <= 0 {
		return TrailingObservation{}
	}
	var obs TrailingObservation
	if Favorable(s.Key.Side, s.Extreme, price) {
		s.Extreme = price
		next := Tighter(s.Key.Side, s.StopPrice, s.candidateStop())
		if next != s.StopPrice {
			s.StopPrice = next
			obs.Moved = true
		}
		s.UpdatedAt = now
	}
	if s.breached(price) {
		obs.Triggered = true
	}
	return obs
}

func (s *TrailingStopState) breached(price float64) bool {
	if s.StopPrice <= 0 {
		return false
	}
	if s.Key.Side == SideShort {
		return price >= s.StopPrice
	}
	return price <= s.StopPrice
}

// NeedsResubmit reports whether the exchange-side stop lags the tracked stop.
func (s *TrailingStopState) NeedsResubmit() bool {
	return s.Active && s.StopPrice > 0 && s.StopPrice != s.SubmittedStop
}

// TrailingOffset computes the trailing distance for activation at price.
func TrailingOffset(cfg TrailingSettings, price float64, ladder []TPLevel) (float64, error) {
	switch cfg.Mode {
	case TrailingPercent, "":
		if cfg.Percent <= 0 {
			return 0, fmt.Errorf("domain: trailing percent %v: %w", cfg.Percent, ErrSettingsMissing)
		}
		return price * cfg.Percent / 100, nil
	case TrailingTPDistance:
		var from, to float64
		for _, tp := range ladder {
			if tp.Level == cfg.FromLevel {
				from = tp.Price
			}
			if tp.Level == cfg.ToLevel {
				to = tp.Price
			}
		}
		if from <= 0 || to <= 0 {
			return 0, fmt.Errorf("domain: trailing tp distance tp%d..tp%d: %w", cfg.FromLevel, cfg.ToLevel, ErrSettingsMissing)
		}
		return math.Abs(to - from), nil
	}
	return 0, fmt.Errorf("domain: trailing mode %q: %w", cfg.Mode, ErrSettingsMissing)
}

package domain

import (
	"sort"
	"time"
)

// TPFill is an observed take-profit fill waiting to be processed in level
// order.
type TPFill struct {
	Level      int       `json:"level"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	OrderID    string    `json:"order_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// TPSequence releases take-profit fills strictly in level order. Next is the
// level expected to be processed next. A fill above Next waits in Pending
// until the gap closes or the grace window expires.
type TPSequence struct {
	Next    int            `json:"next"`
	Pending map[int]TPFill `json:"pending"`
}

// NewTPSequence starts a sequence after the highest level already reached.
func NewTPSequence(tpState int) TPSequence {
	return TPSequence{Next: tpState + 1, Pending: map[int]TPFill{}}
}

// Offer buffers a fill. It returns false when the level is already pending.
func (s *TPSequence) Offer(f TPFill) bool {
	if s.Pending == nil {
		s.Pending = map[int]TPFill{}
	}
	if s.Next < 1 {
		s.Next = 1
	}
	if _, ok := s.Pending[f.Level]; ok {
		return false
	}
	s.Pending[f.Level] = f
	return true
}

// Ready removes and returns the fills that may be processed now, lowest
// level first. Fills below Next (late arrivals after a forced release) are
// returned immediately. A gap older than grace is skipped so higher levels
// are never withheld forever.
func (s *TPSequence) Ready(now time.Time, grace time.Duration) []TPFill {
	if s.Next < 1 {
		s.Next = 1
	}
	var out []TPFill
	for {
		levels := s.pendingLevels()
		if len(levels) == 0 {
			return out
		}
		lowest := levels[0]
		switch {
		case lowest < s.Next:
			out = append(out, s.take(lowest))
		case lowest == s.Next:
			out = append(out, s.take(lowest))
			s.Next++
		case now.Sub(s.Pending[lowest].ObservedAt) >= grace:
			out = append(out, s.take(lowest))
			s.Next = lowest + 1
		default:
			return out
		}
	}
}

// Waiting reports whether any fill is still buffered.
func (s *TPSequence) Waiting() bool {
	return len(s.Pending) > 0
}

func (s *TPSequence) take(level int) TPFill {
	f := s.Pending[level]
	delete(s.Pending, level)
	return f
}

func (s *TPSequence) pendingLevels() []int {
	levels := make([]int, 0, len(s.Pending))
	for l := range s.Pending {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}

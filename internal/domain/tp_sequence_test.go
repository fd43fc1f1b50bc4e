package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func levels(fills []TPFill) []int {
	out := make([]int, 0, len(fills))
	for _, f := range fills {
		out = append(out, f.Level)
	}
	return out
}

func TestTPSequenceOrdersWithinGrace(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	grace := 30 * time.Minute
	seq := NewTPSequence(0)

	seq.Offer(TPFill{Level: 2, ObservedAt: t0})
	assert.Empty(t, seq.Ready(t0.Add(time.Minute), grace))

	seq.Offer(TPFill{Level: 1, ObservedAt: t0.Add(2 * time.Minute)})
	assert.Equal(t, []int{1, 2}, levels(seq.Ready(t0.Add(2*time.Minute), grace)))
	assert.Equal(t, 3, seq.Next)
	assert.False(t, seq.Waiting())
}

func TestTPSequenceForcesAfterGrace(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	grace := 30 * time.Minute
	seq := NewTPSequence(0)

	seq.Offer(TPFill{Level: 2, ObservedAt: t0})
	assert.Equal(t, []int{2}, levels(seq.Ready(t0.Add(grace), grace)))
	assert.Equal(t, 3, seq.Next)

	// A late TP1 is released immediately instead of being dropped.
	seq.Offer(TPFill{Level: 1, ObservedAt: t0.Add(grace + time.Minute)})
	assert.Equal(t, []int{1}, levels(seq.Ready(t0.Add(grace+time.Minute), grace)))
}

func TestTPSequenceResumesFromState(t *testing.T) {
	seq := NewTPSequence(1)
	now := time.Now()
	seq.Offer(TPFill{Level: 2, ObservedAt: now})
	assert.Equal(t, []int{2}, levels(seq.Ready(now, time.Hour)))
}

func TestTPSequenceRejectsDuplicatePending(t *testing.T) {
	seq := NewTPSequence(0)
	assert.True(t, seq.Offer(TPFill{Level: 3}))
	assert.False(t, seq.Offer(TPFill{Level: 3}))
}

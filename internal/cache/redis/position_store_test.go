package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func testPosition() domain.Position {
	return domain.Position{
		Key:        domain.PositionKey{UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideLong},
		Size:       1.5,
		EntryPrice: 100,
		Leverage:   10,
		StopLoss:   95,
		TakeProfits: []domain.TPLevel{
			{Level: 1, Price: 102, SizeFraction: 0.3, Status: domain.TPActive},
			{Level: 2, Price: 105, SizeFraction: 0.3, Status: domain.TPActive},
		},
		DCACount: 1,
		OpenedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestPositionStoreSaveAndGet(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewPositionStore(c)
	ctx := context.Background()

	_, err := s.Get(ctx, testPosition().Key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Save(ctx, testPosition()))
	got, err := s.Get(ctx, testPosition().Key)
	require.NoError(t, err)
	assert.Equal(t, testPosition(), got)
}

func TestPositionStoreUpdate(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewPositionStore(c)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testPosition()))

	got, err := s.Update(ctx, testPosition().Key, func(p *domain.Position) error {
		p.MarkTPFilled(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.TPState)

	stored, err := s.Get(ctx, testPosition().Key)
	require.NoError(t, err)
	assert.Equal(t, domain.TPFilled, stored.TakeProfits[0].Status)

	boom := errors.New("boom")
	_, err = s.Update(ctx, testPosition().Key, func(p *domain.Position) error {
		p.Size = 0
		return boom
	})
	assert.ErrorIs(t, err, boom)
	stored, err = s.Get(ctx, testPosition().Key)
	require.NoError(t, err)
	assert.Equal(t, 1.5, stored.Size)

	missing := testPosition().Key.WithSide(domain.SideShort)
	_, err = s.Update(ctx, missing, func(*domain.Position) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStoreDeleteIfBelow(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewPositionStore(c)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testPosition()))

	deleted, err := s.DeleteIfBelow(ctx, testPosition().Key, 0.001)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Update(ctx, testPosition().Key, func(p *domain.Position) error {
		p.Size = 0.0005
		return nil
	})
	require.NoError(t, err)

	deleted, err = s.DeleteIfBelow(ctx, testPosition().Key, 0.001)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.Get(ctx, testPosition().Key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStoreListByUser(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewPositionStore(c)
	ctx := context.Background()

	long := testPosition()
	short := testPosition()
	short.Key.Side = domain.SideShort
	other := testPosition()
	other.Key.UserID = "u2"
	for _, p := range []domain.Position{long, short, other} {
		require.NoError(t, s.Save(ctx, p))
	}

	got, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

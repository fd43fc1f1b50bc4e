package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/config"
	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type stubUsers struct {
	running []string
	err     error
}

func (s stubUsers) ListRunning(context.Context) ([]string, error) { return s.running, s.err }
func (s stubUsers) Status(context.Context, string) (domain.TradingStatus, error) {
	return domain.StatusRunning, nil
}
func (s stubUsers) SetStatus(context.Context, string, domain.TradingStatus, string) error { return nil }

type stubSettings map[string]domain.TradingSettings

func (s stubSettings) Get(_ context.Context, id string) (domain.TradingSettings, error) {
	st, ok := s[id]
	if !ok {
		return domain.TradingSettings{}, domain.ErrNotFound
	}
	return st, nil
}
func (s stubSettings) Upsert(context.Context, domain.TradingSettings) error     { return nil }
func (s stubSettings) List(context.Context) ([]domain.TradingSettings, error) { return nil, nil }

func TestFeedSymbolsMergesRunningUsers(t *testing.T) {
	settings := stubSettings{
		"u1": {UserID: "u1", Symbols: []string{"ethusdt", "BTCUSDT"}},
		"u2": {UserID: "u2", Symbols: []string{"SOLUSDT"}},
	}
	src := feedSymbols([]string{"BTCUSDT"}, stubUsers{running: []string{"u1", "u3"}}, settings)

	got, err := src(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func TestFeedSymbolsKeepsStaticOnRegistryError(t *testing.T) {
	src := feedSymbols([]string{"BTCUSDT"}, stubUsers{err: errors.New("redis down")}, stubSettings{})

	got, err := src(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, got)
}

func TestMonitorConfigFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	mc := monitorConfig(&cfg)

	assert.Equal(t, 2*time.Second, mc.TickInterval)
	assert.Equal(t, 30*time.Minute, mc.TPGraceWindow)
	assert.Equal(t, 0.001, mc.DustThreshold)
	assert.Equal(t, time.Hour, mc.TrailingResubmitEvery)
	assert.Equal(t, 3, mc.Retry.MaxAttempts)
	assert.Equal(t, 5, mc.MaxRestarts)
}

func TestNeedsGateway(t *testing.T) {
	assert.True(t, needsGateway("monitor"))
	assert.True(t, needsGateway("full"))
	assert.False(t, needsGateway("server"))
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type recordingSender struct {
	name string
	err  error
	got  []domain.Event
}

func (r *recordingSender) Send(_ context.Context, ev domain.Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

type fakeBus struct {
	streams map[string][][]byte
}

func (f *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (f *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if f.streams == nil {
		f.streams = map[string][][]byte{}
	}
	f.streams[stream] = append(f.streams[stream], payload)
	return nil
}

func (f *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersKinds(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"tp_filled", " sl_filled "}, nil, testLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, domain.Event{Kind: domain.EventTPFilled, Title: "TP1"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Kind: domain.EventSLFilled, Title: "SL"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Kind: domain.EventHedgeOpened, Title: "hedge"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Kind: domain.EventOperatorAlert, Title: "halt"}))

	require.Len(t, s.got, 3)
	assert.Equal(t, domain.EventOperatorAlert, s.got[2].Kind)
	assert.False(t, s.got[0].At.IsZero())
}

func TestNotifierContinuesAfterSenderFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, nil, testLogger())

	err := n.Notify(context.Background(), domain.Event{Kind: domain.EventError, Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.got, 1)
}

func TestStreamSenderAppendsJSON(t *testing.T) {
	bus := &fakeBus{}
	s := NewStreamSender(bus, "notify:queue")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.Send(context.Background(), domain.Event{
		Kind: domain.EventTPFilled, UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideLong, Title: "TP1 filled", At: at,
	}))

	require.Len(t, bus.streams["notify:queue"], 1)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(bus.streams["notify:queue"][0], &ev))
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, domain.EventTPFilled, ev.Kind)
	assert.True(t, at.Equal(ev.At))
}

func TestTelegramSender(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("token", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), domain.Event{Title: "SL filled", UserID: "u1", Symbol: "ETHUSDT", Message: "closed"}))

	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "*SL filled*\nuser u1 ETHUSDT\nclosed", body["text"])
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "bad webhook")
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), domain.Event{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotprice-engine/internal/model"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	price := decimal.RequireFromString("1.2345")
	note := Notification{Region: "SE3", Kind: KindDegraded, At: time.Now(), HasData: true, UsingCachedData: true, ConsecutiveFailures: 3, CurrentPrice: &price, Currency: "SEK", Unit: "kWh"}

	require.NoError(t, notifier.Notify(context.Background(), note))
	assert.Equal(t, "chat", received["chat_id"])
	text := received["text"]
	for _, want := range []string{"[spotprice DEGRADED] SE3", "Serving cached prices", "Consecutive failures: 3", "1.2345 SEK/kWh"} {
		assert.Contains(t, text, want)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL}, testLogger())
	err := notifier.Notify(context.Background(), Notification{Region: "SE3", Kind: KindDegraded, At: time.Now()})
	assert.ErrorContains(t, err, "chat not found")
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL}, testLogger())
	assert.Error(t, notifier.Notify(context.Background(), Notification{Region: "SE3"}))
}

func TestWatcherTransitions(t *testing.T) {
	w := NewWatcher(WatcherOptions{FailureThreshold: 2, Cooldown: time.Hour, Channels: []string{"telegram"}})
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	fresh := model.NormalizedResult{Region: "SE3", HasData: true, ActiveSource: "nordpool"}
	cached := model.NormalizedResult{Region: "SE3", HasData: true, UsingCachedData: true}
	empty := model.EmptyResult("SE3", "SEK", "all sources failed", now)

	_, ok := w.Evaluate(fresh, 0, now)
	assert.False(t, ok, "healthy region must not alert")
	_, ok = w.Evaluate(cached, 1, now)
	assert.False(t, ok, "one failure below threshold must not alert")

	note, ok := w.Evaluate(cached, 2, now.Add(30*time.Minute))
	require.True(t, ok)
	assert.Equal(t, KindDegraded, note.Kind)
	assert.Equal(t, 2, note.ConsecutiveFailures)
	assert.Equal(t, []string{"telegram"}, note.Channels)
	assert.True(t, w.Degraded("SE3"))

	_, ok = w.Evaluate(empty, 3, now.Add(time.Hour))
	assert.False(t, ok, "cooldown must suppress repeated alerts")
	note, ok = w.Evaluate(empty, 4, now.Add(2*time.Hour))
	require.True(t, ok, "repeat alert after cooldown")
	assert.False(t, note.HasData)

	note, ok = w.Evaluate(fresh, 0, now.Add(3*time.Hour))
	require.True(t, ok)
	assert.Equal(t, KindRecovered, note.Kind)
	assert.Equal(t, "nordpool", note.ActiveSource)
	assert.False(t, w.Degraded("SE3"))
	assert.Contains(t, RenderMessage(note), "Fresh data from nordpool")
}

func TestWatcherEmptyIsDegradedImmediately(t *testing.T) {
	w := NewWatcher(WatcherOptions{FailureThreshold: 5})
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	note, ok := w.Evaluate(model.EmptyResult("DE", "EUR", "rate limited", now), 1, now)
	require.True(t, ok)
	assert.Equal(t, KindDegraded, note.Kind)
	assert.Contains(t, RenderMessage(note), "No price data available")

	_, ok = w.Evaluate(model.EmptyResult("DE", "EUR", "rate limited", now), 2, now.Add(24*time.Hour))
	assert.False(t, ok, "zero cooldown alerts once per degradation")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/events"
)

func testAlert(level events.AlertLevel, title string) events.AlertPayload {
	return events.AlertPayload{
		Level:     level,
		Title:     title,
		Message:   "daily loss limit breached",
		Context:   map[string]string{"loss_usd": "-120.50", "limit_usd": "100.00"},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// stubNotifier records deliveries on a channel so async tests can wait.
type stubNotifier struct {
	name    string
	enabled bool
	err     error
	got     chan events.AlertPayload
}

func newStubNotifier(name string, enabled bool) *stubNotifier {
	return &stubNotifier{name: name, enabled: enabled, got: make(chan events.AlertPayload, 8)}
}

func (s *stubNotifier) Name() string  { return s.name }
func (s *stubNotifier) Enabled() bool { return s.enabled }
func (s *stubNotifier) Send(_ context.Context, alert events.AlertPayload) error {
	s.got <- alert
	return s.err
}

func waitForAlert(t *testing.T, ch chan events.AlertPayload) events.AlertPayload {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return events.AlertPayload{}
	}
}

func TestManagerDeliversBusAlerts(t *testing.T) {
	bus := events.NewBus()
	stub := newStubNotifier("stub", true)
	m := NewManager(zerolog.Nop(), stub)
	if err := m.Start(bus); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	bus.PublishAlert(events.LevelCritical, "Kill switch engaged", "drawdown 21%", nil)

	alert := waitForAlert(t, stub.got)
	if alert.Title != "Kill switch engaged" || alert.Level != events.LevelCritical {
		t.Errorf("delivered = %+v", alert)
	}
}

func TestManagerSkipsDisabledChannels(t *testing.T) {
	disabled := newStubNotifier("off", false)
	enabled := newStubNotifier("on", true)
	m := NewManager(zerolog.Nop(), disabled, enabled)

	if err := m.Notify(context.Background(), testAlert(events.LevelWarn, "t")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(enabled.got) != 1 {
		t.Errorf("enabled channel got %d alerts, want 1", len(enabled.got))
	}
	if len(disabled.got) != 0 {
		t.Errorf("disabled channel got %d alerts, want 0", len(disabled.got))
	}
}

func TestManagerNotifyReturnsLastError(t *testing.T) {
	failing := newStubNotifier("bad", true)
	failing.err = errors.New("webhook down")
	ok := newStubNotifier("good", true)

	m := NewManager(zerolog.Nop(), failing, ok)
	err := m.Notify(context.Background(), testAlert(events.LevelInfo, "t"))
	if err == nil || !strings.Contains(err.Error(), "webhook down") {
		t.Errorf("Notify err = %v, want webhook down", err)
	}
	if len(ok.got) != 1 {
		t.Error("failure on one channel skipped the others")
	}
}

func TestManagerStopWithNoChannels(t *testing.T) {
	m := NewManager(zerolog.Nop())
	if err := m.Start(events.NewBus()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop() // must not hang
}

// fakeTelegram captures the Chattable handed to Send.
type fakeTelegram struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func TestTelegramSend(t *testing.T) {
	fake := &fakeTelegram{}
	tg := &Telegram{api: fake, chatID: 42, enabled: true}

	if err := tg.Send(context.Background(), testAlert(events.LevelWarn, "Daily loss limit")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fake.sent))
	}
	msg := fake.sent[0]
	if msg.ChatID != 42 {
		t.Errorf("ChatID = %d, want 42", msg.ChatID)
	}
	if msg.ParseMode != "Markdown" {
		t.Errorf("ParseMode = %q", msg.ParseMode)
	}
	if !strings.Contains(msg.Text, "Daily loss limit") || !strings.Contains(msg.Text, "⚠️") {
		t.Errorf("Text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "loss\\_usd: -120.50") {
		t.Errorf("context not rendered: %q", msg.Text)
	}
}

func TestTelegramDisabledConfig(t *testing.T) {
	tg, err := NewTelegram(config.TelegramConfig{Enabled: false, BotToken: "x", ChatID: 1})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if tg.Enabled() {
		t.Error("disabled config produced enabled notifier")
	}
	// Send on an inert notifier is a no-op, not a nil deref.
	if err := tg.Send(context.Background(), testAlert(events.LevelInfo, "t")); err != nil {
		t.Errorf("Send on disabled: %v", err)
	}
}

func TestDiscordSend(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(config.DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	if err := d.Send(context.Background(), testAlert(events.LevelCritical, "Kill switch engaged")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal webhook body: %v", err)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(payload.Embeds))
	}
	embed := payload.Embeds[0]
	if !strings.Contains(embed.Title, "Kill switch engaged") {
		t.Errorf("Title = %q", embed.Title)
	}
	if embed.Color != 0xFF0000 {
		t.Errorf("Color = %#x, want red for critical", embed.Color)
	}
	if len(embed.Fields) != 2 || embed.Fields[0].Name != "limit_usd" {
		t.Errorf("Fields = %+v, want sorted context fields", embed.Fields)
	}
}

func TestDiscordSendRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscord(config.DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	if err := d.Send(context.Background(), testAlert(events.LevelInfo, "t")); err == nil {
		t.Error("Send accepted a 429 response")
	}
}

func TestDiscordDisabledConfig(t *testing.T) {
	d := NewDiscord(config.DiscordConfig{Enabled: true, WebhookURL: ""})
	if d.Enabled() {
		t.Error("missing webhook URL produced enabled notifier")
	}
}

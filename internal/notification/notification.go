// Package notification fans alerts out to chat channels. The manager
// subscribes to the alert topic and delivers off the publisher's goroutine,
// so a slow webhook can never stall trading code.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/events"
)

const (
	deliveryTimeout = 10 * time.Second
	queueSize       = 64
)

// Notifier is one outbound channel.
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert events.AlertPayload) error
}

// Manager owns the alert subscription and the delivery worker.
type Manager struct {
	notifiers []Notifier
	log       zerolog.Logger

	queue    chan events.AlertPayload
	stopChan chan struct{}
	done     chan struct{}
	unsub    func()
}

func NewManager(log zerolog.Logger, notifiers ...Notifier) *Manager {
	active := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n.Enabled() {
			active = append(active, n)
		}
	}
	return &Manager{
		notifiers: active,
		log:       log.With().Str("component", "notification").Logger(),
		queue:     make(chan events.AlertPayload, queueSize),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the alert topic and begins delivering. With no enabled
// channels it subscribes nothing and stays idle.
func (m *Manager) Start(bus *events.Bus) error {
	if len(m.notifiers) == 0 {
		m.log.Debug().Msg("no notification channels enabled")
		close(m.done)
		return nil
	}

	unsub, err := bus.Alerts.Subscribe(m.enqueue)
	if err != nil {
		close(m.done)
		return fmt.Errorf("notification: subscribe alerts: %w", err)
	}
	m.unsub = unsub

	go m.deliverLoop()

	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, n.Name())
	}
	m.log.Info().Strs("channels", names).Msg("Notifications started")
	return nil
}

func (m *Manager) Stop() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	<-m.done
}

// enqueue runs on the publisher's goroutine and must not block. Alerts beyond
// the buffer are dropped; the log is the fallback channel.
func (m *Manager) enqueue(alert events.AlertPayload) {
	select {
	case m.queue <- alert:
	default:
		m.log.Warn().Str("title", alert.Title).Msg("notification queue full, alert dropped")
	}
}

func (m *Manager) deliverLoop() {
	defer close(m.done)
	for {
		select {
		case alert := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			m.deliver(ctx, alert)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) deliver(ctx context.Context, alert events.AlertPayload) {
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			m.log.Error().Err(err).
				Str("channel", n.Name()).
				Str("title", alert.Title).
				Msg("notification delivery failed")
		}
	}
}

// Notify delivers synchronously to every enabled channel and returns the last
// failure. Startup and shutdown messages use it.
func (m *Manager) Notify(ctx context.Context, alert events.AlertPayload) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func levelEmoji(level events.AlertLevel) string {
	switch level {
	case events.LevelCritical:
		return "🚨"
	case events.LevelWarn:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// contextLines renders alert context in a stable order.
func contextLines(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, ctx[k])
	}
	return b.String()
}

// =============================================================================
// TELEGRAM
// =============================================================================

// telegramAPI is the slice of tgbotapi.BotAPI the notifier uses.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	api     telegramAPI
	chatID  int64
	enabled bool
}

// NewTelegram connects the bot when configured. A disabled or incomplete
// config yields an inert notifier, not an error; only a bad token fails.
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChatID == 0 {
		return &Telegram{}, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("notification: telegram connect: %w", err)
	}
	return &Telegram{api: api, chatID: cfg.ChatID, enabled: true}, nil
}

func (t *Telegram) Name() string  { return "telegram" }
func (t *Telegram) Enabled() bool { return t.enabled }

func (t *Telegram) Send(_ context.Context, alert events.AlertPayload) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("%s *%s*\n\n%s%s",
		levelEmoji(alert.Level),
		escapeMarkdown(alert.Title),
		escapeMarkdown(alert.Message),
		escapeMarkdown(contextLines(alert.Context)))

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

// =============================================================================
// DISCORD
// =============================================================================

type Discord struct {
	http    *resty.Client
	url     string
	enabled bool
}

func NewDiscord(cfg config.DiscordConfig) *Discord {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return &Discord{}
	}
	return &Discord{
		http:    resty.New().SetTimeout(deliveryTimeout),
		url:     cfg.WebhookURL,
		enabled: true,
	}
}

func (d *Discord) Name() string  { return "discord" }
func (d *Discord) Enabled() bool { return d.enabled }

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *Discord) Send(ctx context.Context, alert events.AlertPayload) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	switch alert.Level {
	case events.LevelWarn:
		color = 0xFFA500
	case events.LevelCritical:
		color = 0xFF0000
	}

	embed := discordEmbed{
		Title:       fmt.Sprintf("%s %s", levelEmoji(alert.Level), alert.Title),
		Description: alert.Message,
		Color:       color,
		Timestamp:   alert.Timestamp.Format(time.RFC3339),
	}
	keys := make([]string, 0, len(alert.Context))
	for k := range alert.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		embed.Fields = append(embed.Fields, discordField{Name: k, Value: alert.Context[k], Inline: true})
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{"embeds": []discordEmbed{embed}}).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 204 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode())
	}
	return nil
}

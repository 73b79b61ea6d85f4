// Package killswitch holds the engine's circuit-level stop. Once triggered
// it stays triggered across restarts until an operator resets it; the risk
// engine refuses every new entry while the switch is on. State changes are
// written through to the database immediately.
package killswitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/fault"
)

// State is a point-in-time copy of the switch for status reporting.
type State struct {
	Triggered         bool      `json:"triggered"`
	Reason            string    `json:"reason,omitempty"`
	TriggeredAt       time.Time `json:"triggered_at,omitempty"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	SpreadViolations  int       `json:"spread_violations"`
}

// Switch tracks loss streaks, drawdown, spread violations and API error
// pressure, tripping permanently when any limit is crossed.
type Switch struct {
	cfg  config.KillSwitchConfig
	repo *database.Repository
	bus  *events.Bus
	log  zerolog.Logger

	mu               sync.Mutex
	triggered        bool
	reason           string
	triggeredAt      time.Time
	losses           int
	violationTimesMs []int64 // ascending epoch ms

	now func() time.Time
}

// New loads the persisted switch row. A switch that was triggered before
// the restart stays triggered; the process starts anyway and the gates keep
// refusing entries.
func New(ctx context.Context, cfg config.KillSwitchConfig, repo *database.Repository, bus *events.Bus, log zerolog.Logger) (*Switch, error) {
	row, err := repo.LoadKillSwitch(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Degraded, "killswitch.load", err)
	}

	s := &Switch{
		cfg:              cfg,
		repo:             repo,
		bus:              bus,
		log:              log.With().Str("component", "killswitch").Logger(),
		triggered:        row.Triggered,
		reason:           row.Reason,
		triggeredAt:      row.TriggeredAt,
		losses:           row.ConsecutiveLosses,
		violationTimesMs: row.SpreadViolationsMs,
		now:              time.Now,
	}
	if s.triggered {
		s.log.Warn().
			Str("reason", s.reason).
			Time("triggered_at", s.triggeredAt).
			Msg("kill switch is tripped from a previous run, trading stays blocked")
	}
	return s, nil
}

// IsTriggered reports the sticky trip state.
func (s *Switch) IsTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

// Snapshot returns a copy of the current state.
func (s *Switch) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Triggered:         s.triggered,
		Reason:            s.reason,
		TriggeredAt:       s.triggeredAt,
		ConsecutiveLosses: s.losses,
		SpreadViolations:  len(s.violationTimesMs),
	}
}

// Trigger trips the switch. Already-triggered switches keep their original
// reason; the call is a no-op then.
func (s *Switch) Trigger(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerLocked(ctx, reason)
}

// Reset clears the trip and every counter behind it. Manual operator action.
func (s *Switch) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.triggered = false
	s.reason = ""
	s.triggeredAt = time.Time{}
	s.losses = 0
	s.violationTimesMs = nil

	s.log.Info().Msg("kill switch reset")
	if s.bus != nil {
		s.bus.PublishAlert(events.LevelInfo, "Kill switch reset", "trading may resume", nil)
	}
	return s.persistLocked(ctx)
}

// RecordTradeResult feeds a closed trade into the loss streak counter. A win
// resets the streak; a loss extends it and trips the switch at the limit.
func (s *Switch) RecordTradeResult(ctx context.Context, profitable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if profitable {
		s.losses = 0
		return s.persistLocked(ctx)
	}

	s.losses++
	if s.losses >= s.cfg.MaxConsecutiveLosses {
		return s.triggerLocked(ctx, fmt.Sprintf("%d consecutive losing trades (limit %d)", s.losses, s.cfg.MaxConsecutiveLosses))
	}
	return s.persistLocked(ctx)
}

// CheckDrawdown trips when equity has fallen from peak by at least the
// configured percentage.
func (s *Switch) CheckDrawdown(ctx context.Context, equity, peak float64) error {
	if peak <= 0 {
		return nil
	}
	ddPct := (peak - equity) / peak * 100
	if ddPct < s.cfg.MaxDrawdownPct {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerLocked(ctx, fmt.Sprintf("drawdown %.2f%% breached limit %.2f%% (equity %.2f, peak %.2f)",
		ddPct, s.cfg.MaxDrawdownPct, equity, peak))
}

// RecordSpreadViolation appends a violation timestamp, evicts entries older
// than the window, and trips when the window holds the configured limit.
func (s *Switch) RecordSpreadViolation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	cutoff := nowMs - int64(s.cfg.SpreadViolationsWindowMin)*time.Minute.Milliseconds()

	kept := s.violationTimesMs[:0]
	for _, ts := range s.violationTimesMs {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	s.violationTimesMs = append(kept, nowMs)

	if len(s.violationTimesMs) >= s.cfg.SpreadViolationsLimit {
		return s.triggerLocked(ctx, fmt.Sprintf("%d spread violations within %d minutes (limit %d)",
			len(s.violationTimesMs), s.cfg.SpreadViolationsWindowMin, s.cfg.SpreadViolationsLimit))
	}
	return s.persistLocked(ctx)
}

// CheckAPIErrors trips when the caller-maintained error count reaches the
// configured threshold.
func (s *Switch) CheckAPIErrors(ctx context.Context, count int) error {
	if count < s.cfg.APIErrorThreshold {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerLocked(ctx, fmt.Sprintf("%d consecutive exchange API errors (threshold %d)",
		count, s.cfg.APIErrorThreshold))
}

// triggerLocked flips the switch once. The in-memory trip holds even when
// the persistence write fails; the error surfaces so callers can alert.
func (s *Switch) triggerLocked(ctx context.Context, reason string) error {
	if s.triggered {
		return nil
	}
	s.triggered = true
	s.reason = reason
	s.triggeredAt = s.now()

	s.log.Error().Str("reason", reason).Msg("KILL SWITCH TRIGGERED")
	if s.bus != nil {
		s.bus.PublishAlert(events.LevelCritical, "Kill switch triggered", reason, map[string]string{
			"triggered_at": s.triggeredAt.UTC().Format(time.RFC3339),
		})
	}
	return s.persistLocked(ctx)
}

func (s *Switch) persistLocked(ctx context.Context) error {
	row := database.KillSwitchRow{
		Triggered:          s.triggered,
		Reason:             s.reason,
		TriggeredAt:        s.triggeredAt,
		ConsecutiveLosses:  s.losses,
		SpreadViolationsMs: s.violationTimesMs,
	}
	if err := s.repo.SaveKillSwitch(ctx, row); err != nil {
		return fault.Wrap(fault.Degraded, "killswitch.persist", err)
	}
	return nil
}

package database

import "time"

// KillSwitchRow is the single persisted kill-switch record. The spread
// violation timestamps are stored as a JSON array of epoch milliseconds.
type KillSwitchRow struct {
	Triggered          bool
	Reason             string
	TriggeredAt        time.Time
	ConsecutiveLosses  int
	SpreadViolationsMs []int64
}

// PositionRow is one position lifecycle record.
type PositionRow struct {
	ID         string
	Symbol     string
	Side       string
	Quantity   float64
	State      string
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	EntryTime  time.Time
	UpdatedAt  time.Time
}

// JournalEntry is one entry or exit leg, append-only. Slippage is signed
// (filled - requested) / requested in bps.
type JournalEntry struct {
	ID                string
	OrderID           string
	ClientOrderID     string
	Symbol            string
	Side              string
	Leg               string // "entry" or "exit"
	RequestedPrice    float64
	FilledPrice       float64
	SlippageBps       float64
	Quantity          float64
	NotionalUsd       float64
	CommissionUsd     float64
	Confidence        float64
	Reason            string
	RiskDecision      string
	RealizedPnlUsd    float64
	HoldingDurationMs int64
	CreatedAt         time.Time
}

// Journal leg values.
const (
	LegEntry = "entry"
	LegExit  = "exit"
)

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Package model defines the core domain types shared across the challenge engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the stage a challenge is in.
type Phase string

const (
	PhaseChallenge Phase = "challenge"
	PhaseFunded    Phase = "funded"
)

// ChallengeStatus is active until a breach; failed is terminal.
type ChallengeStatus string

const (
	StatusActive ChallengeStatus = "active"
	StatusFailed ChallengeStatus = "failed"
)

// Direction is the outcome a position is held on.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// Valid reports whether d is YES or NO.
func (d Direction) Valid() bool {
	return d == DirectionYes || d == DirectionNo
}

// Side is the trade side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionStatus is OPEN until the last share is sold.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Closure reasons recorded on SELL trades.
const (
	ClosureManual            = "manual"
	ClosurePassLiquidation   = "pass_liquidation"
	ClosureBreachLiquidation = "breach_liquidation"
)

// PayoutStatus tracks a payout through settlement.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// VolumeTier caps order size for markets whose traded volume is at least MinVolume.
type VolumeTier struct {
	MinVolume decimal.Decimal `json:"min_volume"`
	MaxOrder  decimal.Decimal `json:"max_order"`
}

// Rules is the rule snapshot frozen onto a challenge when it is created.
// Percentages are fractions (0.08 = 8%).
type Rules struct {
	Tier                       string          `json:"tier"`
	StartingBalance            decimal.Decimal `json:"starting_balance"`
	ProfitTargetPercent        decimal.Decimal `json:"profit_target_percent"`
	MaxDailyDrawdownPercent    decimal.Decimal `json:"max_daily_drawdown_percent"`
	MaxTotalDrawdownPercent    decimal.Decimal `json:"max_total_drawdown_percent"`
	MaxPositionSizePercent     decimal.Decimal `json:"max_position_size_percent"`
	MaxCategoryExposurePercent decimal.Decimal `json:"max_category_exposure_percent"`
	MaxOpenPositions           int             `json:"max_open_positions"`
	LiquidityDepthFraction     decimal.Decimal `json:"liquidity_depth_fraction"`
	VolumeTiers                []VolumeTier    `json:"volume_tiers"`
	DurationDays               int             `json:"duration_days"`

	// Funded-phase table. Drawdown here is static, measured off StartingBalance.
	FundedMaxDailyDrawdownPercent decimal.Decimal `json:"funded_max_daily_drawdown_percent"`
	FundedMaxTotalDrawdownPercent decimal.Decimal `json:"funded_max_total_drawdown_percent"`
	ProfitSplit                   decimal.Decimal `json:"profit_split"`
	PayoutCap                     decimal.Decimal `json:"payout_cap"`
	MinPayoutTradingDays          int             `json:"min_payout_trading_days"`
}

// User owns challenges.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Challenge is one risk-limited account. At most one per user is active.
type Challenge struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Phase             Phase           `json:"phase"`
	Status            ChallengeStatus `json:"status"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	StartingBalance   decimal.Decimal `json:"starting_balance"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	StartOfDayBalance decimal.Decimal `json:"start_of_day_balance"`
	HighWaterMark     decimal.Decimal `json:"high_water_mark"`
	Rules             Rules           `json:"rules"`
	ProfitSplit       decimal.Decimal `json:"profit_split"`
	PayoutCap         decimal.Decimal `json:"payout_cap"`
	ActiveTradingDays int             `json:"active_trading_days"`
	PayoutCycleStart  *time.Time      `json:"payout_cycle_start,omitempty"`
	EndsAt            *time.Time      `json:"ends_at,omitempty"`
	FundedAt          *time.Time      `json:"funded_at,omitempty"`
	LastTradeAt       *time.Time      `json:"last_trade_at,omitempty"`
	TotalPaidOut      decimal.Decimal `json:"total_paid_out"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Active reports whether the challenge accepts trades.
func (c *Challenge) Active() bool {
	return c.Status == StatusActive
}

// Position is a holding on one outcome of one market. EntryPrice is the price
// paid per share of the held outcome, so SizeAmount ≈ Shares × EntryPrice.
// RealizedPnL accumulates partial closes; PnL is set from it on the final close.
type Position struct {
	ID          string           `json:"id"`
	ChallengeID string           `json:"challenge_id"`
	MarketID    string           `json:"market_id"`
	Category    string           `json:"category"`
	Direction   Direction        `json:"direction"`
	Shares      decimal.Decimal  `json:"shares"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	SizeAmount  decimal.Decimal  `json:"size_amount"`
	RealizedPnL decimal.Decimal  `json:"realized_pnl"`
	Status      PositionStatus   `json:"status"`
	PnL         *decimal.Decimal `json:"pnl,omitempty"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	ClosedPrice *decimal.Decimal `json:"closed_price,omitempty"`
	OpenedAt    time.Time        `json:"opened_at"`
}

// Trade is an immutable record of an execution.
type Trade struct {
	ID            string           `json:"id"`
	ChallengeID   string           `json:"challenge_id"`
	PositionID    string           `json:"position_id"`
	MarketID      string           `json:"market_id"`
	Direction     Direction        `json:"direction"`
	Type          Side             `json:"type"`
	Amount        decimal.Decimal  `json:"amount"`
	Shares        decimal.Decimal  `json:"shares"`
	Price         decimal.Decimal  `json:"price"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty"`
	ClosureReason string           `json:"closure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Payout is a profit-share withdrawal from a funded challenge. Amount is net
// of the split; GrossDeduction is what settlement took off the balance.
type Payout struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	ChallengeID     string          `json:"challenge_id"`
	Amount          decimal.Decimal `json:"amount"`
	Status          PayoutStatus    `json:"status"`
	GrossProfit     decimal.Decimal `json:"gross_profit"`
	ProfitSplit     decimal.Decimal `json:"profit_split"`
	GrossDeduction  decimal.Decimal `json:"gross_deduction"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	RequestedAt     time.Time       `json:"requested_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// DecPtr returns a pointer to a copy of v.
func DecPtr(v decimal.Decimal) *decimal.Decimal {
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

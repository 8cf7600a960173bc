package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestResult is the sole externally visible artifact of a run. Its JSON
// field set is a wire contract consumed by charts and APIs. It holds no
// wall-clock data so replaying the same job yields an equal value; the store
// records when it was saved.
type BacktestResult struct {
	JobID           string          `json:"job_id"`
	StrategyID      string          `json:"strategy_id"`
	StrategyVersion int             `json:"strategy_version"`
	InitialCash     decimal.Decimal `json:"initial_cash"`
	EquityCurve     []EquityPoint   `json:"equity_curve"`
	Trades          []Trade         `json:"trades"`
	Orders          []OrderRecord   `json:"orders"`
	Metrics         Metrics         `json:"metrics"`
	Manifest        Manifest        `json:"manifest"`
}

// Metrics are summary statistics derived from an equity curve and trade log.
// Nil pointers mean "undefined" and are encoded as JSON null.
type Metrics struct {
	TotalReturn          float64          `json:"total_return"`
	AnnualizedReturn     *float64         `json:"annualized_return"`
	AnnualizedVolatility *float64         `json:"annualized_volatility"`
	MaxDrawdown          float64          `json:"max_drawdown"`
	MaxDrawdownStart     *time.Time       `json:"max_drawdown_start"`
	MaxDrawdownEnd       *time.Time       `json:"max_drawdown_end"`
	Sharpe               *float64         `json:"sharpe"`
	Sortino              *float64         `json:"sortino"`
	WinRate              *float64         `json:"win_rate"`
	AvgWin               *decimal.Decimal `json:"avg_win"`
	AvgLoss              *decimal.Decimal `json:"avg_loss"`
	ProfitFactor         *float64         `json:"profit_factor"`
	TradeCount           int              `json:"trade_count"`
	Exposure             float64          `json:"exposure"`
	FinalEquity          decimal.Decimal  `json:"final_equity"`
}

// Manifest records what a result was computed from so it can be reproduced.
type Manifest struct {
	EngineVersion string `json:"engine_version"`
	StrategyHash  string `json:"strategy_hash"`
	ConfigHash    string `json:"config_hash"`
	DataChecksum  string `json:"data_checksum"`
	Bars          int    `json:"bars"`
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy is a stored, versioned strategy definition. A version is never
// modified once written; editing a strategy produces a new version.
type Strategy struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Name        string          `json:"name"`
	Source      string          `json:"source"`
	ParamSchema []ParamSpec     `json:"param_schema"`
	Indicators  []IndicatorSpec `json:"indicators"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ParamType is the type of a strategy parameter.
type ParamType string

const (
	ParamInt   ParamType = "int"
	ParamFloat ParamType = "float"
	ParamBool  ParamType = "bool"
)

// ParamSpec declares one tunable strategy parameter.
type ParamSpec struct {
	Name    string    `json:"name"`
	Type    ParamType `json:"type"`
	Default float64   `json:"default"`
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
}

// IndicatorSpec declares a named technical indicator a strategy reads.
type IndicatorSpec struct {
	Name   string `json:"name"`
	Func   string `json:"fn"`
	Period string `json:"period,omitempty"`
	Input  string `json:"input,omitempty"`
}

// JobState is the lifecycle state of a backtest job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// BacktestJob is one requested run of a pinned strategy version over a
// universe and date range.
type BacktestJob struct {
	ID               string             `json:"id"`
	StrategyID       string             `json:"strategy_id"`
	StrategyVersion  int                `json:"strategy_version"`
	Params           map[string]float64 `json:"params,omitempty"`
	Universe         []string           `json:"universe"`
	Start            time.Time          `json:"start"`
	End              time.Time          `json:"end"`
	InitialCash      decimal.Decimal    `json:"initial_cash"`
	Commission       ModelSpec          `json:"commission"`
	Slippage         ModelSpec          `json:"slippage"`
	AllowMargin      bool               `json:"allow_margin"`
	AllowShort       bool               `json:"allow_short"`
	FractionalShares bool               `json:"fractional_shares"`
	MaxPositionPct   float64            `json:"max_position_pct,omitempty"`
	MaxDailyLossPct  float64            `json:"max_daily_loss_pct,omitempty"`
	RiskFreeRate     float64            `json:"risk_free_rate"`
	State            JobState           `json:"state"`
	Failure          *Failure           `json:"failure,omitempty"`
	CancelRequested  bool               `json:"cancel_requested"`
	ParentJobID      string             `json:"parent_job_id,omitempty"`
	Attempt          int                `json:"attempt"`
	WorkerID         string             `json:"worker_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job so callers never share mutable state
// with a store.
func (j *BacktestJob) Clone() *BacktestJob {
	c := *j
	c.Universe = append([]string(nil), j.Universe...)
	if j.Params != nil {
		c.Params = make(map[string]float64, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	c.Commission = j.Commission.clone()
	c.Slippage = j.Slippage.clone()
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func (m ModelSpec) clone() ModelSpec {
	if m.Params == nil {
		return m
	}
	params := make(map[string]string, len(m.Params))
	for k, v := range m.Params {
		params[k] = v
	}
	return ModelSpec{Name: m.Name, Params: params}
}

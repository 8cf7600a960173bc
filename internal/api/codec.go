package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"backtestd/internal/domain"
	"backtestd/internal/job"
)

// Messages travel as google.protobuf.Struct values holding the JSON form of
// the domain types, so the wire contract is the same as the stored JSON.

// ToStruct converts v to a Struct through its JSON encoding.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through JSON.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

// JobRequest is the wire form of a backtest submission. Omitted fields take
// the server's defaults; an explicit zero or false is kept.
type JobRequest struct {
	StrategyID       string             `json:"strategy_id"`
	StrategyVersion  int                `json:"strategy_version,omitempty"`
	Params           map[string]float64 `json:"params,omitempty"`
	Universe         []string           `json:"universe"`
	Start            string             `json:"start"`
	End              string             `json:"end"`
	InitialCash      string             `json:"initial_cash,omitempty"`
	Commission       *domain.ModelSpec  `json:"commission,omitempty"`
	Slippage         *domain.ModelSpec  `json:"slippage,omitempty"`
	AllowMargin      *bool              `json:"allow_margin,omitempty"`
	AllowShort       *bool              `json:"allow_short,omitempty"`
	FractionalShares *bool              `json:"fractional_shares,omitempty"`
	MaxPositionPct   *float64           `json:"max_position_pct,omitempty"`
	MaxDailyLossPct  *float64           `json:"max_daily_loss_pct,omitempty"`
	RiskFreeRate     *float64           `json:"risk_free_rate,omitempty"`
}

// Job converts the request into an unsubmitted job. Risk settings and
// account flags the request omits are taken from d.
func (r *JobRequest) Job(d job.Defaults) (*domain.BacktestJob, error) {
	start, err := time.Parse(domain.DateLayout, r.Start)
	if err != nil {
		return nil, domain.Errorf(domain.KindConfiguration, "start: %v", err)
	}
	end, err := time.Parse(domain.DateLayout, r.End)
	if err != nil {
		return nil, domain.Errorf(domain.KindConfiguration, "end: %v", err)
	}
	j := &domain.BacktestJob{
		StrategyID:       r.StrategyID,
		StrategyVersion:  r.StrategyVersion,
		Params:           r.Params,
		Universe:         r.Universe,
		Start:            start,
		End:              end,
		AllowMargin:      valueOr(r.AllowMargin, d.AllowMargin),
		AllowShort:       valueOr(r.AllowShort, d.AllowShort),
		FractionalShares: valueOr(r.FractionalShares, d.FractionalShares),
		MaxPositionPct:   valueOr(r.MaxPositionPct, d.MaxPositionPct),
		MaxDailyLossPct:  valueOr(r.MaxDailyLossPct, d.MaxDailyLossPct),
		RiskFreeRate:     valueOr(r.RiskFreeRate, d.RiskFreeRate),
	}
	if r.InitialCash != "" {
		cash, err := decimal.NewFromString(r.InitialCash)
		if err != nil {
			return nil, domain.Errorf(domain.KindConfiguration, "initial_cash: %v", err)
		}
		j.InitialCash = cash
	}
	if r.Commission != nil {
		j.Commission = *r.Commission
	}
	if r.Slippage != nil {
		j.Slippage = *r.Slippage
	}
	return j, nil
}

func valueOr[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}

// StrategyRequest creates a strategy, or a new version of one when ID is set.
type StrategyRequest struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
}

// IDRequest names a job or strategy.
type IDRequest struct {
	ID      string `json:"id"`
	Version int    `json:"version,omitempty"`
}

// ListRequest filters ListJobs.
type ListRequest struct {
	State domain.JobState `json:"state,omitempty"`
	Limit int             `json:"limit,omitempty"`
}

// JobList is the ListJobs response.
type JobList struct {
	Jobs []domain.BacktestJob `json:"jobs"`
}

package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"backtestd/internal/broker"
	"backtestd/internal/domain"
)

var validate = validator.New()

// jobRules carries the declarative constraints on a job request.
type jobRules struct {
	StrategyID      string   `validate:"required"`
	StrategyVersion int      `validate:"gte=1"`
	Universe        []string `validate:"required,min=1,unique,dive,required,max=32"`
	MaxPositionPct  float64  `validate:"gte=0,lte=1"`
	MaxDailyLossPct float64  `validate:"gte=0,lte=1"`
	RiskFreeRate    float64  `validate:"gte=0,lt=1"`
}

// ValidateJob checks a job request before it is queued or run. Every problem
// is reported as a configuration error.
func ValidateJob(job *domain.BacktestJob) error {
	var problems []string

	err := validate.Struct(jobRules{
		StrategyID:      job.StrategyID,
		StrategyVersion: job.StrategyVersion,
		Universe:        job.Universe,
		MaxPositionPct:  job.MaxPositionPct,
		MaxDailyLossPct: job.MaxDailyLossPct,
		RiskFreeRate:    job.RiskFreeRate,
	})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	} else if err != nil {
		return domain.Wrap(domain.KindConfiguration, "validating job", err)
	}

	switch {
	case job.Start.IsZero() || job.End.IsZero():
		problems = append(problems, "start and end dates are required")
	case job.End.Before(job.Start):
		problems = append(problems, fmt.Sprintf("end %s is before start %s",
			job.End.Format(domain.DateLayout), job.Start.Format(domain.DateLayout)))
	}
	if !job.InitialCash.IsPositive() {
		problems = append(problems, "initial_cash must be positive")
	}
	if _, err := broker.NewCommission(job.Commission); err != nil {
		problems = append(problems, "commission: "+err.Error())
	}
	if _, err := broker.NewSlippage(job.Slippage); err != nil {
		problems = append(problems, "slippage: "+err.Error())
	}

	if len(problems) > 0 {
		return domain.Errorf(domain.KindConfiguration, "invalid job: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Namespace())
	field = strings.TrimPrefix(field, "jobrules.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "unique":
		return field + " contains duplicates"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be below %s", field, fe.Param())
	}
	return fmt.Sprintf("%s fails %s", field, fe.Tag())
}

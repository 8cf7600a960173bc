// Package sandbox validates untrusted strategy source and turns it into
// bound strategy handles. Rules strategies are compiled against a closed
// expression environment; builtin strategies are looked up in a registry.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"backtestd/internal/broker"
	"backtestd/internal/domain"
	"backtestd/internal/engine"
	"backtestd/internal/strategy"
	"backtestd/internal/util"
)

var _ engine.Instantiator = (*Sandbox)(nil)

// Options configures a Sandbox.
type Options struct {
	// Registry holds the builtin strategies source may name.
	Registry *strategy.Registry
	// DryRunBars is the length of the synthetic series Validate replays.
	DryRunBars int
	// MaxExprNodes bounds the size of each compiled expression.
	MaxExprNodes uint
	Logger       *slog.Logger
}

// Sandbox validates and instantiates strategy source. It is safe for
// concurrent use.
type Sandbox struct {
	opts Options
}

// New creates a Sandbox.
func New(opts Options) *Sandbox {
	if opts.Registry == nil {
		opts.Registry = strategy.NewRegistry()
	}
	if opts.DryRunBars <= 0 {
		opts.DryRunBars = 60
	}
	if opts.MaxExprNodes == 0 {
		opts.MaxExprNodes = 2000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sandbox{opts: opts}
}

// ValidationResult reports whether source is acceptable and why not. On
// success it also carries what a stored strategy records about the source.
type ValidationResult struct {
	OK          bool                   `json:"ok"`
	Diagnostics []strategy.Diagnostic  `json:"diagnostics"`
	Name        string                 `json:"name,omitempty"`
	ParamSchema []domain.ParamSpec     `json:"param_schema,omitempty"`
	Indicators  []domain.IndicatorSpec `json:"indicators,omitempty"`
}

// compiled is source that passed every static check.
type compiled struct {
	name    string
	factory strategy.Factory
	schema  []domain.ParamSpec
	doc     *strategy.Document
}

// Validate runs the static checks and then a capped dry run against a
// synthetic series with default parameters.
func (s *Sandbox) Validate(ctx context.Context, source string) ValidationResult {
	c, diags := s.compile(source)
	if len(diags) > 0 {
		return ValidationResult{Diagnostics: diags}
	}
	if d := s.dryRun(ctx, c); d != nil {
		return ValidationResult{Diagnostics: []strategy.Diagnostic{*d}}
	}
	return ValidationResult{
		OK:          true,
		Diagnostics: []strategy.Diagnostic{},
		Name:        c.name,
		ParamSchema: c.schema,
		Indicators:  c.doc.IndicatorSpecs(),
	}
}

// Instantiate binds params into a fresh strategy instance. Any failure is a
// strategy load error.
func (s *Sandbox) Instantiate(ctx context.Context, source string, params map[string]float64) (*strategy.Handle, error) {
	c, diags := s.compile(source)
	if len(diags) > 0 {
		return nil, domain.Wrap(domain.KindStrategyLoad, "compiling strategy", strategy.DiagnosticsError(diags))
	}
	bound, err := strategy.BindParams(c.schema, params)
	if err != nil {
		return nil, domain.Wrap(domain.KindStrategyLoad, "binding parameters", err)
	}
	return strategy.Bind(ctx, c.factory(), bound)
}

func (s *Sandbox) compile(source string) (*compiled, []strategy.Diagnostic) {
	doc, diags := strategy.Parse(source)
	if len(diags) > 0 {
		return nil, diags
	}
	if diags := doc.Check(); len(diags) > 0 {
		return nil, diags
	}

	if doc.Kind == strategy.KindBuiltin {
		return s.builtin(doc)
	}

	rs, diags := strategy.CompileRules(doc, s.opts.MaxExprNodes)
	if len(diags) > 0 {
		return nil, diags
	}
	name := doc.Name
	if name == "" {
		name = "rules"
	}
	return &compiled{name: name, factory: rs.New, schema: rs.Schema(), doc: doc}, nil
}

// builtin resolves a builtin document. Declared params may override the
// defaults and bounds of the builtin's own parameters but not add new ones.
func (s *Sandbox) builtin(doc *strategy.Document) (*compiled, []strategy.Diagnostic) {
	schema, ok := s.opts.Registry.Schema(doc.Builtin)
	if !ok {
		return nil, []strategy.Diagnostic{{
			Kind:     strategy.DiagSyntax,
			Message:  fmt.Sprintf("unknown builtin strategy %q", doc.Builtin),
			Location: strategy.Location{Section: "builtin"},
		}}
	}

	merged := append([]domain.ParamSpec(nil), schema...)
	var diags []strategy.Diagnostic
	for _, decl := range doc.Params {
		spec := decl.Spec()
		i := indexOf(merged, spec.Name)
		switch {
		case i < 0:
			diags = append(diags, paramDiag(decl.Line, "%s has no parameter %q", doc.Builtin, spec.Name))
		case merged[i].Type != spec.Type:
			diags = append(diags, paramDiag(decl.Line, "parameter %q is %s in %s", spec.Name, merged[i].Type, doc.Builtin))
		default:
			merged[i] = spec
		}
	}
	if len(diags) > 0 {
		return nil, diags
	}

	name := doc.Name
	if name == "" {
		name = doc.Builtin
	}
	reg := s.opts.Registry
	factory := func() strategy.Strategy {
		st, _ := reg.New(doc.Builtin)
		return st
	}
	return &compiled{name: name, factory: factory, schema: merged, doc: doc}, nil
}

func indexOf(schema []domain.ParamSpec, name string) int {
	for i, ps := range schema {
		if ps.Name == name {
			return i
		}
	}
	return -1
}

func paramDiag(line int, format string, args ...any) strategy.Diagnostic {
	return strategy.Diagnostic{
		Kind:     strategy.DiagSyntax,
		Message:  fmt.Sprintf(format, args...),
		Location: strategy.Location{Section: "params", Line: line},
	}
}

// Synthetic dry-run universe.
var dryRunSymbols = []string{"SYNA", "SYNB"}

// dryRun replays c with default parameters over a synthetic series. It
// returns a runtime-error diagnostic when the strategy fails to initialise
// or faults on any bar.
func (s *Sandbox) dryRun(ctx context.Context, c *compiled) *strategy.Diagnostic {
	fail := func(section string, err error) *strategy.Diagnostic {
		return &strategy.Diagnostic{
			Kind:     strategy.DiagRuntimeError,
			Message:  faultMessage(err),
			Location: strategy.Location{Section: section},
		}
	}

	params, err := strategy.BindParams(c.schema, nil)
	if err != nil {
		return fail("params", err)
	}
	h, err := strategy.Bind(ctx, c.factory(), params)
	if err != nil {
		return fail("params", err)
	}

	_, err = engine.Replay(ctx, engine.ReplayConfig{
		JobID:    "dry-run",
		Universe: dryRunSymbols,
		Series:   SyntheticSeries(dryRunSymbols, s.opts.DryRunBars),
		Strategy: h,
		Simulator: broker.NewSimulator(broker.Config{
			InitialCash: decimal.NewFromInt(100000),
		}),
	})
	if err != nil {
		s.opts.Logger.Debug("dry run failed", "strategy", c.name, "error", err)
		return fail("on_bar", err)
	}
	return nil
}

func faultMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Msg
	}
	return err.Error()
}

// SyntheticSeries returns n deterministic weekday bars per symbol. Each
// symbol follows a drifting wave with its own phase so that trend and
// crossover rules get exercised.
func SyntheticSeries(symbols []string, n int) map[string][]domain.PriceBar {
	days := util.NewTradingCalendar(time.UTC).Sessions(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), n)
	out := make(map[string][]domain.PriceBar, len(symbols))
	for k, sym := range symbols {
		bars := make([]domain.PriceBar, n)
		prev := 100.0
		for i, d := range days {
			x := float64(i) + float64(k)*7
			c := 100 + 0.05*float64(i) + 8*math.Sin(x/6) + 2*math.Sin(x/1.7)
			o := prev
			hi := math.Max(o, c) + 0.5
			lo := math.Min(o, c) - 0.5
			bars[i] = domain.PriceBar{
				Symbol: sym,
				Date:   d,
				Open:   decimal.NewFromFloat(o).Round(2),
				High:   decimal.NewFromFloat(hi).Round(2),
				Low:    decimal.NewFromFloat(lo).Round(2),
				Close:  decimal.NewFromFloat(c).Round(2),
				Volume: int64(10000 + 100*(i%7)),
			}
			prev = c
		}
		out[sym] = bars
	}
	return out
}

package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

const prevSuffix = "_prev"

// The granted expression surface. Anything else an expression names is a
// disallowed capability.
var (
	barVars       = []string{"open", "high", "low", "close", "volume", "symbol", "bar_index"}
	portfolioVars = []string{"cash", "equity", "position", "avg_cost"}
	mathFuncs     = map[string]any{
		"sqrt": math.Sqrt,
		"log":  math.Log,
		"exp":  math.Exp,
		"pow":  math.Pow,
	}
	allowedBuiltins = []string{"abs", "ceil", "floor", "round", "max", "min", "int", "float"}
	// Builtins that read the wall clock.
	clockBuiltins = []string{"now", "date", "duration", "timezone"}
	keywords      = []string{"true", "false", "nil", "and", "or", "not", "in", "matches", "let", "if", "else"}
)

func reservedName(name string) bool {
	if _, ok := mathFuncs[name]; ok {
		return true
	}
	return slices.Contains(barVars, name) || slices.Contains(portfolioVars, name) ||
		slices.Contains(allowedBuiltins, name) || slices.Contains(clockBuiltins, name) ||
		slices.Contains(keywords, name)
}

// RuleSet is a compiled rules strategy. It is immutable and may be shared;
// New creates independent stateful instances.
type RuleSet struct {
	name       string
	schema     []domain.ParamSpec
	indicators []IndicatorDecl
	rules      []compiledRule
}

type compiledRule struct {
	when *vm.Program
	size *vm.Program
	side domain.OrderSide
	// needs lists indicator slots the rule reads; the rule is skipped until
	// all of them have warmed up.
	needs []indicatorRef
}

type indicatorRef struct {
	slot int
	prev bool
}

// CompileRules compiles every expression of a rules document. maxNodes caps
// expression size; zero leaves the library default.
func CompileRules(doc *Document, maxNodes uint) (*RuleSet, []Diagnostic) {
	rs := &RuleSet{
		name:       doc.Name,
		schema:     doc.ParamSchema(),
		indicators: doc.Indicators,
	}
	if rs.name == "" {
		rs.name = "rules"
	}

	slots := make(map[string]int, len(doc.Indicators))
	for i, ind := range doc.Indicators {
		slots[ind.Name] = i
	}
	c := &compiler{
		env:      sampleEnv(rs.schema, doc.Indicators),
		slots:    slots,
		maxNodes: maxNodes,
	}

	var diags []Diagnostic
	for i, r := range doc.OnBar {
		section := fmt.Sprintf("on_bar[%d]", i)
		cr := compiledRule{side: domain.OrderSideBuy}
		sizeSrc, sizeKey := r.Buy, "buy"
		if strings.TrimSpace(r.Sell.Value) != "" {
			cr.side, sizeSrc, sizeKey = domain.OrderSideSell, r.Sell, "sell"
		}

		when, needsWhen, d := c.compile(section+".when", r.When, true)
		diags = append(diags, d...)
		size, needsSize, d := c.compile(section+"."+sizeKey, sizeSrc, false)
		diags = append(diags, d...)
		if when == nil || size == nil {
			continue
		}
		cr.when, cr.size = when, size
		cr.needs = mergeRefs(needsWhen, needsSize)
		rs.rules = append(rs.rules, cr)
	}
	if len(diags) > 0 {
		return nil, diags
	}
	return rs, nil
}

// Schema returns the rule set's parameter schema.
func (rs *RuleSet) Schema() []domain.ParamSpec { return rs.schema }

// New returns a fresh, uninitialised strategy instance.
func (rs *RuleSet) New() Strategy { return &Rules{set: rs} }

type compiler struct {
	env      map[string]any
	slots    map[string]int
	maxNodes uint
}

func (c *compiler) compile(section string, src Scalar, cond bool) (*vm.Program, []indicatorRef, []Diagnostic) {
	loc := func(col int) Location {
		return Location{Section: section, Line: src.Line, Column: col}
	}

	tree, err := parser.Parse(src.Value)
	if err != nil {
		return nil, nil, []Diagnostic{exprDiagnostic(err, loc(0), src.Line)}
	}

	scan := &capabilityScan{locals: map[string]bool{}}
	ast.Walk(&tree.Node, &declScan{locals: scan.locals})
	ast.Walk(&tree.Node, scan)

	var diags []Diagnostic
	var refs []indicatorRef
	for _, name := range scan.names {
		if scan.locals[name] {
			continue
		}
		if slices.Contains(clockBuiltins, name) {
			diags = append(diags, Diagnostic{
				Kind:     DiagDisallowedCapability,
				Message:  fmt.Sprintf("%s reads the wall clock", name),
				Location: loc(identColumn(src.Value, name)),
			})
			continue
		}
		if _, ok := c.env[name]; !ok && !slices.Contains(allowedBuiltins, name) {
			diags = append(diags, Diagnostic{
				Kind:     DiagDisallowedCapability,
				Message:  fmt.Sprintf("%q is not part of the strategy surface", name),
				Location: loc(identColumn(src.Value, name)),
			})
			continue
		}
		base, prev := strings.CutSuffix(name, prevSuffix)
		if slot, ok := c.slots[base]; ok && (prev || base == name) {
			refs = append(refs, indicatorRef{slot: slot, prev: prev})
		}
	}
	if len(diags) > 0 {
		return nil, nil, diags
	}

	opts := []expr.Option{expr.Env(c.env)}
	for _, name := range clockBuiltins {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	if c.maxNodes > 0 {
		opts = append(opts, expr.MaxNodes(c.maxNodes))
	}
	if cond {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(src.Value, opts...)
	if err != nil {
		return nil, nil, []Diagnostic{exprDiagnostic(err, loc(0), src.Line)}
	}
	return program, refs, nil
}

func exprDiagnostic(err error, loc Location, baseLine int) Diagnostic {
	d := Diagnostic{Kind: DiagSyntax, Message: err.Error(), Location: loc}
	var fe *file.Error
	if errors.As(err, &fe) {
		d.Message = fe.Message
		if fe.Line > 1 {
			d.Location.Line = baseLine + fe.Line - 1
		}
		d.Location.Column = fe.Column + 1
	}
	return d
}

// declScan records names bound with let so they are not mistaken for
// environment lookups.
type declScan struct {
	locals map[string]bool
}

func (s *declScan) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.VariableDeclaratorNode); ok {
		s.locals[n.Name] = true
	}
}

// capabilityScan collects every name an expression reaches for.
type capabilityScan struct {
	locals map[string]bool
	names  []string
}

func (s *capabilityScan) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		s.add(n.Value)
	case *ast.BuiltinNode:
		s.add(n.Name)
	}
}

func (s *capabilityScan) add(name string) {
	if !slices.Contains(s.names, name) {
		s.names = append(s.names, name)
	}
}

// identColumn returns the 1-based column of the first whole-word occurrence
// of name in src, or 0.
func identColumn(src, name string) int {
	isWord := func(r rune) bool { return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r) }
	runes := []rune(src)
	target := []rune(name)
	for i := 0; i+len(target) <= len(runes); i++ {
		if string(runes[i:i+len(target)]) != name {
			continue
		}
		if i > 0 && isWord(runes[i-1]) {
			continue
		}
		if end := i + len(target); end < len(runes) && isWord(runes[end]) {
			continue
		}
		return i + 1
	}
	return 0
}

func mergeRefs(a, b []indicatorRef) []indicatorRef {
	out := append([]indicatorRef(nil), a...)
	for _, r := range b {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// sampleEnv is the typed environment expressions are checked against.
func sampleEnv(schema []domain.ParamSpec, indicators []IndicatorDecl) map[string]any {
	env := map[string]any{
		"symbol":    "",
		"bar_index": 0,
	}
	for k, fn := range mathFuncs {
		env[k] = fn
	}
	for _, k := range barVars {
		if _, ok := env[k]; !ok {
			env[k] = 0.0
		}
	}
	for _, k := range portfolioVars {
		env[k] = 0.0
	}
	for _, p := range schema {
		env[p.Name] = 0.0
	}
	for _, ind := range indicators {
		env[ind.Name] = 0.0
		env[ind.Name+prevSuffix] = 0.0
	}
	return env
}

// Rules is a running instance of a RuleSet with per-symbol indicator state.
type Rules struct {
	set     *RuleSet
	params  Params
	periods []int
	symbols map[string]*symbolState
}

type symbolState struct {
	inds          []Indicator
	cur, prev     []float64
	curOK, prevOK []bool
}

func (r *Rules) Name() string { return r.set.name }

func (r *Rules) Params() []domain.ParamSpec { return r.set.schema }

func (r *Rules) Init(_ context.Context, params Params) error {
	schema := make(map[string]domain.ParamSpec, len(r.set.schema))
	for _, ps := range r.set.schema {
		schema[ps.Name] = ps
	}
	r.params = params
	r.periods = make([]int, len(r.set.indicators))
	for i, ind := range r.set.indicators {
		p, err := ResolvePeriod(ind.Period.Value, schema, params)
		if err != nil {
			return fmt.Errorf("indicator %q: %w", ind.Name, err)
		}
		if _, err := NewIndicator(ind.Fn, p, ind.Input); err != nil {
			return fmt.Errorf("indicator %q: %w", ind.Name, err)
		}
		r.periods[i] = p
	}
	r.symbols = make(map[string]*symbolState)
	return nil
}

func (r *Rules) state(symbol string) *symbolState {
	if st, ok := r.symbols[symbol]; ok {
		return st
	}
	n := len(r.set.indicators)
	st := &symbolState{
		inds:   make([]Indicator, n),
		cur:    make([]float64, n),
		prev:   make([]float64, n),
		curOK:  make([]bool, n),
		prevOK: make([]bool, n),
	}
	for i, ind := range r.set.indicators {
		// Validated in Init.
		st.inds[i], _ = NewIndicator(ind.Fn, r.periods[i], ind.Input)
	}
	r.symbols[symbol] = st
	return st
}

func (r *Rules) OnBar(_ context.Context, ms MarketState) ([]domain.OrderIntent, error) {
	var intents []domain.OrderIntent
	cash := ms.Cash().InexactFloat64()
	equity := ms.Equity().InexactFloat64()

	for _, sym := range ms.Symbols() {
		bar, ok := ms.Bar(sym)
		if !ok {
			continue
		}
		st := r.state(sym)
		for i, ind := range st.inds {
			st.prev[i], st.prevOK[i] = st.cur[i], st.curOK[i]
			ind.Update(bar)
			st.cur[i], st.curOK[i] = ind.Value()
		}

		pos := ms.Position(sym)
		env := make(map[string]any, len(barVars)+len(portfolioVars)+len(mathFuncs)+len(r.params)+2*len(st.inds))
		for k, fn := range mathFuncs {
			env[k] = fn
		}
		env["open"] = bar.Open.InexactFloat64()
		env["high"] = bar.High.InexactFloat64()
		env["low"] = bar.Low.InexactFloat64()
		env["close"] = bar.Close.InexactFloat64()
		env["volume"] = float64(bar.Volume)
		env["symbol"] = sym
		env["bar_index"] = ms.BarIndex()
		env["cash"] = cash
		env["equity"] = equity
		env["position"] = pos.Qty.InexactFloat64()
		env["avg_cost"] = pos.AvgCost.InexactFloat64()
		for k, v := range r.params {
			env[k] = v
		}
		for i, ind := range r.set.indicators {
			env[ind.Name] = valueOrNaN(st.cur[i], st.curOK[i])
			env[ind.Name+prevSuffix] = valueOrNaN(st.prev[i], st.prevOK[i])
		}

		intent, err := r.evaluate(sym, st, env)
		if err != nil {
			return nil, err
		}
		if intent != nil {
			intents = append(intents, *intent)
		}
	}
	return intents, nil
}

// evaluate fires the first rule whose condition holds for symbol.
func (r *Rules) evaluate(sym string, st *symbolState, env map[string]any) (*domain.OrderIntent, error) {
	for i, rule := range r.set.rules {
		if !ready(rule.needs, st) {
			continue
		}
		out, err := expr.Run(rule.when, env)
		if err != nil {
			return nil, fmt.Errorf("%s: on_bar[%d].when: %w", sym, i, err)
		}
		if hit, _ := out.(bool); !hit {
			continue
		}
		out, err = expr.Run(rule.size, env)
		if err != nil {
			return nil, fmt.Errorf("%s: on_bar[%d] size: %w", sym, i, err)
		}
		qty, ok := toFloat(out)
		if !ok {
			return nil, fmt.Errorf("%s: on_bar[%d] size: expected a number, got %T", sym, i, out)
		}
		if math.IsNaN(qty) || math.IsInf(qty, 0) {
			return nil, fmt.Errorf("%s: on_bar[%d] size: not a finite number", sym, i)
		}
		return &domain.OrderIntent{Symbol: sym, Side: rule.side, Qty: decimal.NewFromFloat(qty)}, nil
	}
	return nil, nil
}

func ready(needs []indicatorRef, st *symbolState) bool {
	for _, n := range needs {
		if n.prev && !st.prevOK[n.slot] || !n.prev && !st.curOK[n.slot] {
			return false
		}
	}
	return true
}

func valueOrNaN(v float64, ok bool) float64 {
	if !ok {
		return math.NaN()
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

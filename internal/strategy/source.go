package strategy

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"backtestd/internal/domain"
)

// Source document kinds.
const (
	KindRules   = "rules"
	KindBuiltin = "builtin"
)

// DiagnosticKind classifies a validation finding.
type DiagnosticKind string

const (
	DiagSyntax               DiagnosticKind = "syntax"
	DiagDisallowedCapability DiagnosticKind = "disallowed-capability"
	DiagRuntimeError         DiagnosticKind = "runtime-error"
)

// Location points into a strategy source document. Line is the YAML line;
// Column is the position within the expression when one applies, otherwise
// the YAML column.
type Location struct {
	Section string `json:"section,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (l Location) String() string {
	switch {
	case l.Line > 0 && l.Column > 0:
		return fmt.Sprintf("%s:%d:%d", l.Section, l.Line, l.Column)
	case l.Line > 0:
		return fmt.Sprintf("%s:%d", l.Section, l.Line)
	}
	return l.Section
}

// Diagnostic is one validation finding.
type Diagnostic struct {
	Kind     DiagnosticKind `json:"kind"`
	Message  string         `json:"message"`
	Location Location       `json:"location"`
}

func (d Diagnostic) String() string {
	if loc := d.Location.String(); loc != "" {
		return fmt.Sprintf("%s: %s: %s", loc, d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// DiagnosticsError joins diagnostics into an error.
func DiagnosticsError(diags []Diagnostic) error {
	msgs := make([]string, len(diags))
	for i, d := range diags {
		msgs[i] = d.String()
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Scalar is a YAML scalar together with its position.
type Scalar struct {
	Value  string
	Line   int
	Column int
}

func (s *Scalar) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", n.Line)
	}
	*s = Scalar{Value: n.Value, Line: n.Line, Column: n.Column}
	return nil
}

// ParamDecl declares a parameter in a source document.
type ParamDecl struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Default float64  `yaml:"default"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Line    int      `yaml:"-"`
}

func (p *ParamDecl) UnmarshalYAML(n *yaml.Node) error {
	type plain ParamDecl
	var v plain
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = ParamDecl(v)
	p.Line = n.Line
	return nil
}

// Spec converts the declaration to its stored form.
func (p ParamDecl) Spec() domain.ParamSpec {
	t := domain.ParamType(p.Type)
	if t == "" {
		t = domain.ParamFloat
	}
	return domain.ParamSpec{Name: p.Name, Type: t, Default: p.Default, Min: p.Min, Max: p.Max}
}

// IndicatorDecl declares a named indicator. Period is either a positive
// integer or the name of an int parameter.
type IndicatorDecl struct {
	Name   string `yaml:"name"`
	Fn     string `yaml:"fn"`
	Period Scalar `yaml:"period"`
	Input  string `yaml:"input"`
	Line   int    `yaml:"-"`
}

func (d *IndicatorDecl) UnmarshalYAML(n *yaml.Node) error {
	type plain IndicatorDecl
	var v plain
	if err := n.Decode(&v); err != nil {
		return err
	}
	*d = IndicatorDecl(v)
	d.Line = n.Line
	return nil
}

// Spec converts the declaration to its stored form.
func (d IndicatorDecl) Spec() domain.IndicatorSpec {
	return domain.IndicatorSpec{Name: d.Name, Func: d.Fn, Period: d.Period.Value, Input: d.Input}
}

// RuleDecl is one on_bar rule: when the condition holds, buy or sell the
// sized quantity of the current symbol.
type RuleDecl struct {
	When Scalar `yaml:"when"`
	Buy  Scalar `yaml:"buy"`
	Sell Scalar `yaml:"sell"`
	Line int    `yaml:"-"`
}

func (r *RuleDecl) UnmarshalYAML(n *yaml.Node) error {
	type plain RuleDecl
	var v plain
	if err := n.Decode(&v); err != nil {
		return err
	}
	*r = RuleDecl(v)
	r.Line = n.Line
	return nil
}

// Document is a parsed strategy source.
type Document struct {
	Kind       string          `yaml:"kind"`
	Name       string          `yaml:"name"`
	Builtin    string          `yaml:"builtin"`
	Params     []ParamDecl     `yaml:"params"`
	Indicators []IndicatorDecl `yaml:"indicators"`
	OnBar      []RuleDecl      `yaml:"on_bar"`
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

// Parse decodes a strategy source. Malformed YAML yields a single syntax
// diagnostic.
func Parse(source string) (*Document, []Diagnostic) {
	var doc Document
	dec := yaml.NewDecoder(strings.NewReader(source))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		msg := strings.TrimPrefix(err.Error(), "yaml: ")
		d := Diagnostic{Kind: DiagSyntax, Message: msg, Location: Location{Section: "source"}}
		if m := yamlLineRe.FindStringSubmatch(msg); m != nil {
			d.Location.Line, _ = strconv.Atoi(m[1])
		}
		return nil, []Diagnostic{d}
	}
	return &doc, nil
}

// ParamSchema returns the declared parameters in stored form.
func (d *Document) ParamSchema() []domain.ParamSpec {
	out := make([]domain.ParamSpec, len(d.Params))
	for i, p := range d.Params {
		out[i] = p.Spec()
	}
	return out
}

// IndicatorSpecs returns the declared indicators in stored form.
func (d *Document) IndicatorSpecs() []domain.IndicatorSpec {
	out := make([]domain.IndicatorSpec, len(d.Indicators))
	for i, ind := range d.Indicators {
		out[i] = ind.Spec()
	}
	return out
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Check performs the structural checks that need no compilation: required
// entry points, parameter schema sanity and indicator declarations.
func (d *Document) Check() []Diagnostic {
	var diags []Diagnostic
	add := func(section string, line int, format string, args ...any) {
		diags = append(diags, Diagnostic{
			Kind:     DiagSyntax,
			Message:  fmt.Sprintf(format, args...),
			Location: Location{Section: section, Line: line},
		})
	}

	switch d.Kind {
	case KindRules:
		if len(d.OnBar) == 0 {
			add("on_bar", 0, "rules strategy has no on_bar rules")
		}
		if d.Builtin != "" {
			add("builtin", 0, "builtin is only valid with kind: builtin")
		}
	case KindBuiltin:
		if d.Builtin == "" {
			add("builtin", 0, "builtin strategy name is required")
		}
		if len(d.OnBar) > 0 || len(d.Indicators) > 0 {
			add("on_bar", 0, "builtin strategies cannot declare rules or indicators")
		}
	case "":
		add("kind", 0, "kind is required (rules or builtin)")
	default:
		add("kind", 0, "unknown kind %q", d.Kind)
	}

	params := map[string]domain.ParamSpec{}
	for _, p := range d.Params {
		switch {
		case !identRe.MatchString(p.Name):
			add("params", p.Line, "invalid parameter name %q", p.Name)
			continue
		case reservedName(p.Name):
			add("params", p.Line, "parameter name %q is reserved", p.Name)
			continue
		}
		if _, dup := params[p.Name]; dup {
			add("params", p.Line, "duplicate parameter %q", p.Name)
			continue
		}
		spec := p.Spec()
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			add("params", p.Line, "parameter %q: min above max", p.Name)
		}
		if err := CheckParam(spec, spec.Default); err != nil {
			add("params", p.Line, "default: %v", err)
		}
		params[p.Name] = spec
	}

	seen := map[string]bool{}
	for _, ind := range d.Indicators {
		switch {
		case !identRe.MatchString(ind.Name):
			add("indicators", ind.Line, "invalid indicator name %q", ind.Name)
			continue
		case reservedName(ind.Name) || strings.HasSuffix(ind.Name, prevSuffix):
			add("indicators", ind.Line, "indicator name %q is reserved", ind.Name)
			continue
		case seen[ind.Name] || params[ind.Name].Name != "":
			add("indicators", ind.Line, "duplicate name %q", ind.Name)
			continue
		}
		seen[ind.Name] = true
		if !slices.Contains(IndicatorFuncs, ind.Fn) {
			add("indicators", ind.Line, "indicator %q: unknown function %q", ind.Name, ind.Fn)
		}
		if ind.Input != "" && !slices.Contains(IndicatorInputs, ind.Input) {
			add("indicators", ind.Line, "indicator %q: unknown input %q", ind.Name, ind.Input)
		}
		if _, err := ResolvePeriod(ind.Period.Value, params, nil); err != nil {
			add("indicators", ind.Line, "indicator %q: %v", ind.Name, err)
		}
	}

	for i, r := range d.OnBar {
		section := fmt.Sprintf("on_bar[%d]", i)
		if strings.TrimSpace(r.When.Value) == "" {
			add(section, r.Line, "rule has no when condition")
		}
		hasBuy, hasSell := strings.TrimSpace(r.Buy.Value) != "", strings.TrimSpace(r.Sell.Value) != ""
		if hasBuy == hasSell {
			add(section, r.Line, "rule needs exactly one of buy or sell")
		}
	}
	return diags
}

// ResolvePeriod turns an indicator period into an int. The period may name
// an int parameter; bound values override the parameter's default.
func ResolvePeriod(period string, schema map[string]domain.ParamSpec, bound Params) (int, error) {
	if period == "" {
		return 0, errors.New("period is required")
	}
	if n, err := strconv.Atoi(period); err == nil {
		if n < 1 {
			return 0, fmt.Errorf("period must be at least 1, got %d", n)
		}
		return n, nil
	}
	ps, ok := schema[period]
	if !ok {
		return 0, fmt.Errorf("period %q is neither an integer nor a declared parameter", period)
	}
	if ps.Type != domain.ParamInt {
		return 0, fmt.Errorf("period parameter %q must be an int", period)
	}
	v := ps.Default
	if bv, ok := bound[period]; ok {
		v = bv
	}
	if v < 1 {
		return 0, fmt.Errorf("period %q must be at least 1, got %v", period, v)
	}
	return int(v), nil
}

package strategy

import (
	"fmt"
	"math"

	"backtestd/internal/domain"
)

// Indicator is a technical indicator computed incrementally, one bar at a
// time, from data up to the latest update only.
type Indicator interface {
	Update(b domain.PriceBar)
	// Value returns the current reading; ok is false during warm-up.
	Value() (v float64, ok bool)
}

// IndicatorFuncs lists the supported indicator functions.
var IndicatorFuncs = []string{"sma", "ema", "rsi", "highest", "lowest", "stddev", "roc", "atr"}

// IndicatorInputs lists the bar fields an indicator may read.
var IndicatorInputs = []string{"close", "open", "high", "low", "volume"}

// NewIndicator builds the named indicator over period bars of input. An
// empty input means close. atr always reads high, low and close.
func NewIndicator(fn string, period int, input string) (Indicator, error) {
	if period < 1 {
		return nil, fmt.Errorf("%s: period must be at least 1, got %d", fn, period)
	}
	src, err := inputFunc(input)
	if err != nil {
		return nil, err
	}
	switch fn {
	case "sma":
		return &sma{src: src, w: newWindow(period)}, nil
	case "ema":
		return &ema{src: src, period: period, alpha: 2 / float64(period+1)}, nil
	case "rsi":
		return &rsi{src: src, period: period}, nil
	case "highest":
		return &extreme{src: src, w: newWindow(period), better: func(a, b float64) bool { return a > b }}, nil
	case "lowest":
		return &extreme{src: src, w: newWindow(period), better: func(a, b float64) bool { return a < b }}, nil
	case "stddev":
		return &stddev{src: src, w: newWindow(period)}, nil
	case "roc":
		return &roc{src: src, w: newWindow(period + 1)}, nil
	case "atr":
		return &atr{period: period}, nil
	}
	return nil, fmt.Errorf("unknown indicator function %q", fn)
}

func inputFunc(input string) (func(domain.PriceBar) float64, error) {
	switch input {
	case "", "close":
		return func(b domain.PriceBar) float64 { return b.Close.InexactFloat64() }, nil
	case "open":
		return func(b domain.PriceBar) float64 { return b.Open.InexactFloat64() }, nil
	case "high":
		return func(b domain.PriceBar) float64 { return b.High.InexactFloat64() }, nil
	case "low":
		return func(b domain.PriceBar) float64 { return b.Low.InexactFloat64() }, nil
	case "volume":
		return func(b domain.PriceBar) float64 { return float64(b.Volume) }, nil
	}
	return nil, fmt.Errorf("unknown indicator input %q", input)
}

// window is a fixed-size ring buffer of the most recent values.
type window struct {
	buf  []float64
	next int
	n    int
}

func newWindow(size int) *window { return &window{buf: make([]float64, size)} }

func (w *window) push(v float64) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

func (w *window) full() bool { return w.n == len(w.buf) }

// oldest returns the value pushed len(buf)-1 updates ago. Only valid when full.
func (w *window) oldest() float64 { return w.buf[w.next] }

// each visits values oldest first.
func (w *window) each(fn func(float64)) {
	start := 0
	if w.full() {
		start = w.next
	}
	for i := 0; i < w.n; i++ {
		fn(w.buf[(start+i)%len(w.buf)])
	}
}

type sma struct {
	src func(domain.PriceBar) float64
	w   *window
}

func (s *sma) Update(b domain.PriceBar) { s.w.push(s.src(b)) }

func (s *sma) Value() (float64, bool) {
	if !s.w.full() {
		return 0, false
	}
	sum := 0.0
	s.w.each(func(v float64) { sum += v })
	return sum / float64(s.w.n), true
}

// ema is seeded with the simple average of its first period values.
type ema struct {
	src    func(domain.PriceBar) float64
	period int
	alpha  float64
	n      int
	seed   float64
	value  float64
}

func (e *ema) Update(b domain.PriceBar) {
	v := e.src(b)
	e.n++
	switch {
	case e.n < e.period:
		e.seed += v
	case e.n == e.period:
		e.value = (e.seed + v) / float64(e.period)
	default:
		e.value = e.alpha*v + (1-e.alpha)*e.value
	}
}

func (e *ema) Value() (float64, bool) { return e.value, e.n >= e.period }

// rsi uses Wilder smoothing.
type rsi struct {
	src     func(domain.PriceBar) float64
	period  int
	n       int
	prev    float64
	gain    float64
	loss    float64
	changes int
}

func (r *rsi) Update(b domain.PriceBar) {
	v := r.src(b)
	r.n++
	if r.n == 1 {
		r.prev = v
		return
	}
	ch := v - r.prev
	r.prev = v
	up, down := math.Max(ch, 0), math.Max(-ch, 0)
	r.changes++
	p := float64(r.period)
	if r.changes <= r.period {
		r.gain += up / p
		r.loss += down / p
		return
	}
	r.gain = (r.gain*(p-1) + up) / p
	r.loss = (r.loss*(p-1) + down) / p
}

func (r *rsi) Value() (float64, bool) {
	if r.changes < r.period {
		return 0, false
	}
	if r.loss == 0 {
		if r.gain == 0 {
			return 50, true
		}
		return 100, true
	}
	return 100 - 100/(1+r.gain/r.loss), true
}

type extreme struct {
	src    func(domain.PriceBar) float64
	w      *window
	better func(a, b float64) bool
}

func (x *extreme) Update(b domain.PriceBar) { x.w.push(x.src(b)) }

func (x *extreme) Value() (float64, bool) {
	if !x.w.full() {
		return 0, false
	}
	first := true
	var best float64
	x.w.each(func(v float64) {
		if first || x.better(v, best) {
			best, first = v, false
		}
	})
	return best, true
}

// stddev is the population standard deviation over the window.
type stddev struct {
	src func(domain.PriceBar) float64
	w   *window
}

func (s *stddev) Update(b domain.PriceBar) { s.w.push(s.src(b)) }

func (s *stddev) Value() (float64, bool) {
	if !s.w.full() {
		return 0, false
	}
	n := float64(s.w.n)
	mean := 0.0
	s.w.each(func(v float64) { mean += v })
	mean /= n
	ss := 0.0
	s.w.each(func(v float64) { ss += (v - mean) * (v - mean) })
	return math.Sqrt(ss / n), true
}

// roc is the percentage change over period bars.
type roc struct {
	src    func(domain.PriceBar) float64
	w      *window
	latest float64
}

func (r *roc) Update(b domain.PriceBar) {
	r.latest = r.src(b)
	r.w.push(r.latest)
}

func (r *roc) Value() (float64, bool) {
	if !r.w.full() {
		return 0, false
	}
	base := r.w.oldest()
	if base == 0 {
		return 0, false
	}
	return (r.latest - base) / base * 100, true
}

// atr is the Wilder-smoothed average true range.
type atr struct {
	period    int
	n         int
	prevClose float64
	value     float64
}

func (a *atr) Update(b domain.PriceBar) {
	h, l, c := b.High.InexactFloat64(), b.Low.InexactFloat64(), b.Close.InexactFloat64()
	tr := h - l
	if a.n > 0 {
		tr = math.Max(tr, math.Max(math.Abs(h-a.prevClose), math.Abs(l-a.prevClose)))
	}
	a.prevClose = c
	a.n++
	p := float64(a.period)
	if a.n <= a.period {
		a.value += tr / p
		return
	}
	a.value = (a.value*(p-1) + tr) / p
}

func (a *atr) Value() (float64, bool) { return a.value, a.n >= a.period }

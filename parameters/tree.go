/*
Package parameters holds the time-versioned legislation tree and evaluates
it at an instant.

PURPOSE:
  Legal constants change over time: a tax rate of 14% in 2014 becomes 15% in
  2015. The legislation is a tree whose leaves carry such histories. Formulas
  never look at histories directly; they ask for the tree "as of" an instant
  and get a CompactNode whose leaves are plain values or ready-to-use scales.

KEY CONCEPTS:
  Node:       named children, in declaration order.
  Parameter:  sorted, non-overlapping list of dated values. A value without an
              explicit stop runs until the day before the next value starts,
              or forever when it is the last one.
  Scale:      brackets of dated thresholds plus rates or amounts. A bracket
              only exists at an instant when all its series are defined.
  Legislation: a root node plus a memo of CompactNodes by instant.

  Values are stored as decimals so legal constants round-trip exactly. They
  are converted to float64 only when a CompactNode hands them to a formula.

SEE ALSO:
  - compact.go: evaluation at an instant, ParameterNotFoundError
  - scale.go: MarginalRateScale and AmountScale
*/
package parameters

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/microsim/periods"
)

var (
	// ErrInvalidParameter is returned when a tree is malformed: overlapping
	// values, a bracket without rate or amount, a duplicate child name.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Metadata is the documentation carried by any item of the tree.
type Metadata struct {
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Documentation string `json:"documentation,omitempty" yaml:"documentation,omitempty"`
	Unit          string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Reference     string `json:"reference,omitempty" yaml:"reference,omitempty"`
	Source        string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Item is one of *Node, *Parameter or *Scale.
type Item interface {
	Name() string
	Meta() *Metadata
	cloneItem() Item
}

// =============================================================================
// NODE
// =============================================================================

// Node is an inner node of the legislation tree.
type Node struct {
	name     string
	Metadata Metadata
	children map[string]Item
	order    []string
}

// NewNode creates an empty node.
func NewNode(name string) *Node {
	return &Node{name: name, children: make(map[string]Item)}
}

func (n *Node) Name() string    { return n.name }
func (n *Node) Meta() *Metadata { return &n.Metadata }

// Add appends a child. Names must be unique within a node and must not
// contain dots.
func (n *Node) Add(child Item) error {
	name := child.Name()
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("%w: bad child name %q under %q", ErrInvalidParameter, name, n.name)
	}
	if _, exists := n.children[name]; exists {
		return fmt.Errorf("%w: duplicate child %q under %q", ErrInvalidParameter, name, n.name)
	}
	n.children[name] = child
	n.order = append(n.order, name)
	return nil
}

// Keys returns child names in declaration order.
func (n *Node) Keys() []string { return append([]string(nil), n.order...) }

// Child resolves a dotted path relative to n.
func (n *Node) Child(path string) (Item, bool) {
	var cur Item = n
	if path == "" {
		return n, true
	}
	for _, key := range strings.Split(path, ".") {
		node, ok := cur.(*Node)
		if !ok {
			return nil, false
		}
		cur, ok = node.children[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Parameter resolves path to a *Parameter.
func (n *Node) Parameter(path string) (*Parameter, error) {
	item, ok := n.Child(path)
	if !ok {
		return nil, fmt.Errorf("%w: no item at %q", ErrInvalidParameter, path)
	}
	p, ok := item.(*Parameter)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a parameter", ErrInvalidParameter, path)
	}
	return p, nil
}

// Scale resolves path to a *Scale.
func (n *Node) Scale(path string) (*Scale, error) {
	item, ok := n.Child(path)
	if !ok {
		return nil, fmt.Errorf("%w: no item at %q", ErrInvalidParameter, path)
	}
	s, ok := item.(*Scale)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a scale", ErrInvalidParameter, path)
	}
	return s, nil
}

// Walk visits every item below n depth first, in declaration order, with its
// dotted path relative to n.
func (n *Node) Walk(fn func(path string, item Item)) {
	n.walk("", fn)
}

func (n *Node) walk(prefix string, fn func(string, Item)) {
	for _, key := range n.order {
		child := n.children[key]
		path := joinPath(prefix, key)
		fn(path, child)
		if sub, ok := child.(*Node); ok {
			sub.walk(path, fn)
		}
	}
}

// Clone returns a deep copy of n. Reforms modify clones, never the tree a
// running simulation reads.
func (n *Node) Clone() *Node { return n.cloneItem().(*Node) }

func (n *Node) cloneItem() Item {
	out := &Node{name: n.name, Metadata: n.Metadata, children: make(map[string]Item, len(n.children))}
	out.order = append(out.order, n.order...)
	for k, v := range n.children {
		out.children[k] = v.cloneItem()
	}
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// =============================================================================
// PARAMETER
// =============================================================================

// Format is the value type of a parameter.
type Format int

const (
	FormatFloat Format = iota
	FormatBool
	FormatInt
	FormatRate
)

func (f Format) String() string {
	switch f {
	case FormatBool:
		return "boolean"
	case FormatInt:
		return "integer"
	case FormatRate:
		return "rate"
	default:
		return "float"
	}
}

// ParseFormat accepts the names produced by Format.String. Empty means float.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "float", "amount":
		return FormatFloat, nil
	case "boolean", "bool":
		return FormatBool, nil
	case "integer", "int":
		return FormatInt, nil
	case "rate", "percent":
		return FormatRate, nil
	}
	return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidParameter, s)
}

// Value is one dated value of a parameter. A zero Stop means open-ended.
type Value struct {
	Start periods.Instant
	Stop  periods.Instant
	Value decimal.Decimal
}

// Parameter is a leaf with a history of values.
type Parameter struct {
	name     string
	Metadata Metadata
	Format   Format
	values   []Value
}

// NewParameter builds a parameter from values in any order. Implicit stops
// are filled in from the following start; explicit stops that overlap the
// next value are rejected.
func NewParameter(name string, format Format, values ...Value) (*Parameter, error) {
	p := &Parameter{name: name, Format: format}
	if err := p.setValues(values); err != nil {
		return nil, err
	}
	return p, nil
}

// MustParameter is NewParameter for literals known to be valid.
func MustParameter(name string, format Format, values ...Value) *Parameter {
	p, err := NewParameter(name, format, values...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Parameter) Name() string    { return p.name }
func (p *Parameter) Meta() *Metadata { return &p.Metadata }

// Values returns the normalized history, oldest first. Open-ended values
// have a zero Stop.
func (p *Parameter) Values() []Value { return append([]Value(nil), p.values...) }

func (p *Parameter) setValues(values []Value) error {
	sorted := append([]Value(nil), values...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	for i := range sorted {
		v := &sorted[i]
		if v.Start.IsZero() {
			return fmt.Errorf("%w: %s: value without start", ErrInvalidParameter, p.name)
		}
		if !v.Stop.IsZero() && v.Stop.Before(v.Start) {
			return fmt.Errorf("%w: %s: stop %s before start %s", ErrInvalidParameter, p.name, v.Stop, v.Start)
		}
		if i+1 == len(sorted) {
			continue
		}
		next := sorted[i+1].Start
		if !next.After(v.Start) {
			return fmt.Errorf("%w: %s: two values start on %s", ErrInvalidParameter, p.name, v.Start)
		}
		if v.Stop.IsZero() {
			v.Stop = next.AddDays(-1)
		} else if !v.Stop.Before(next) {
			return fmt.Errorf("%w: %s: value starting %s overlaps %s", ErrInvalidParameter, p.name, v.Start, next)
		}
	}
	p.values = sorted
	return nil
}

// At returns the value in force at instant.
func (p *Parameter) At(instant periods.Instant) (decimal.Decimal, bool) {
	// last value starting on or before instant
	i := sort.Search(len(p.values), func(i int) bool { return p.values[i].Start.After(instant) }) - 1
	if i < 0 {
		return decimal.Decimal{}, false
	}
	v := p.values[i]
	if !v.Stop.IsZero() && v.Stop.Before(instant) {
		return decimal.Decimal{}, false
	}
	return v.Value, true
}

// Update sets value over [start, stop], a zero stop meaning open-ended.
// Existing values are trimmed or split around the new interval.
func (p *Parameter) Update(start, stop periods.Instant, value decimal.Decimal) error {
	if !stop.IsZero() && stop.Before(start) {
		return fmt.Errorf("%w: %s: update stop %s before start %s", ErrInvalidParameter, p.name, stop, start)
	}
	var kept []Value
	for _, v := range p.values {
		end := v.Stop
		if end.IsZero() {
			end = periods.EternityInstant
		}
		if v.Start.Before(start) {
			head := v
			if !end.Before(start) {
				head.Stop = start.AddDays(-1)
			}
			kept = append(kept, head)
		}
		if !stop.IsZero() && end.After(stop) {
			tail := v
			if !v.Start.After(stop) {
				tail.Start = stop.AddDays(1)
			}
			kept = append(kept, tail)
		}
	}
	kept = append(kept, Value{Start: start, Stop: stop, Value: value})
	return p.setValues(kept)
}

func (p *Parameter) cloneItem() Item {
	out := *p
	out.values = append([]Value(nil), p.values...)
	return &out
}

// =============================================================================
// SCALE
// =============================================================================

// ScaleKind selects how a scale is evaluated.
type ScaleKind int

const (
	// MarginalRate scales apply each bracket's rate to the slice of the base
	// falling inside it.
	MarginalRate ScaleKind = iota
	// SingleAmount scales return the amount of the highest bracket reached.
	SingleAmount
	// MarginalAmount scales add up the amounts of every bracket crossed.
	MarginalAmount
)

func (k ScaleKind) String() string {
	switch k {
	case SingleAmount:
		return "single_amount"
	case MarginalAmount:
		return "marginal_amount"
	default:
		return "marginal_rate"
	}
}

// ParseScaleKind accepts the names produced by ScaleKind.String.
func ParseScaleKind(s string) (ScaleKind, error) {
	switch s {
	case "", "marginal_rate":
		return MarginalRate, nil
	case "single_amount":
		return SingleAmount, nil
	case "marginal_amount":
		return MarginalAmount, nil
	}
	return 0, fmt.Errorf("%w: unknown scale type %q", ErrInvalidParameter, s)
}

// Bracket holds the series of one scale bracket. Rate scales need Rate,
// amount scales need Amount; Base is an optional multiplier of the rate.
type Bracket struct {
	Threshold *Parameter
	Rate      *Parameter
	Amount    *Parameter
	Base      *Parameter
}

// Scale is a progressive structure of brackets.
type Scale struct {
	name     string
	Metadata Metadata
	Kind     ScaleKind
	Brackets []*Bracket
}

// NewScale checks that every bracket carries the series its kind needs.
func NewScale(name string, kind ScaleKind, brackets ...*Bracket) (*Scale, error) {
	for i, b := range brackets {
		if b.Threshold == nil {
			return nil, fmt.Errorf("%w: %s: bracket %d has no threshold", ErrInvalidParameter, name, i)
		}
		if kind == MarginalRate && b.Rate == nil {
			return nil, fmt.Errorf("%w: %s: bracket %d has no rate", ErrInvalidParameter, name, i)
		}
		if kind != MarginalRate && b.Amount == nil {
			return nil, fmt.Errorf("%w: %s: bracket %d has no amount", ErrInvalidParameter, name, i)
		}
	}
	return &Scale{name: name, Kind: kind, Brackets: brackets}, nil
}

func (s *Scale) Name() string    { return s.name }
func (s *Scale) Meta() *Metadata { return &s.Metadata }

func (s *Scale) cloneItem() Item {
	out := *s
	out.Brackets = make([]*Bracket, len(s.Brackets))
	for i, b := range s.Brackets {
		out.Brackets[i] = &Bracket{
			Threshold: cloneParam(b.Threshold),
			Rate:      cloneParam(b.Rate),
			Amount:    cloneParam(b.Amount),
			Base:      cloneParam(b.Base),
		}
	}
	return &out
}

func cloneParam(p *Parameter) *Parameter {
	if p == nil {
		return nil
	}
	return p.cloneItem().(*Parameter)
}

// at projects the scale on instant. Brackets missing a series are skipped.
func (s *Scale) at(instant periods.Instant) any {
	type row struct{ threshold, value float64 }
	var rows []row
	for _, b := range s.Brackets {
		t, ok := b.Threshold.At(instant)
		if !ok {
			continue
		}
		var v decimal.Decimal
		if s.Kind == MarginalRate {
			v, ok = b.Rate.At(instant)
			if !ok {
				continue
			}
			if b.Base != nil {
				base, ok := b.Base.At(instant)
				if !ok {
					continue
				}
				v = v.Mul(base)
			}
		} else {
			v, ok = b.Amount.At(instant)
			if !ok {
				continue
			}
		}
		rows = append(rows, row{t.InexactFloat64(), v.InexactFloat64()})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].threshold < rows[j].threshold })

	thresholds := make([]float64, len(rows))
	values := make([]float64, len(rows))
	for i, r := range rows {
		thresholds[i], values[i] = r.threshold, r.value
	}
	if s.Kind == MarginalRate {
		return &MarginalRateScale{Name: s.name, Thresholds: thresholds, Rates: values}
	}
	return &AmountScale{Name: s.name, Thresholds: thresholds, Amounts: values, Marginal: s.Kind == MarginalAmount}
}

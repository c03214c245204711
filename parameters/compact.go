package parameters

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warp/microsim/periods"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrParameterNotFound is the sentinel behind ParameterNotFoundError.
var ErrParameterNotFound = errors.New("parameter not found")

// ParameterNotFoundError reports a path with no value at an instant.
// VariableName is filled in by the engine when the lookup happened inside a
// formula.
type ParameterNotFoundError struct {
	Path         string
	Instant      periods.Instant
	VariableName string
}

func (e *ParameterNotFoundError) Error() string {
	msg := fmt.Sprintf("parameter %q not found at %s", e.Path, e.Instant)
	if e.VariableName != "" {
		msg += fmt.Sprintf(" (while computing %q)", e.VariableName)
	}
	return msg
}

func (e *ParameterNotFoundError) Unwrap() error { return ErrParameterNotFound }

// =============================================================================
// LEGISLATION
// =============================================================================

// Legislation is a parameter tree plus the memo of its evaluations. The memo
// is shared by every simulation that shares the Legislation.
type Legislation struct {
	root *Node

	mu   sync.Mutex
	memo map[periods.Instant]*CompactNode
}

// NewLegislation wraps root. root must not be modified afterwards; clone it
// and build a new Legislation instead.
func NewLegislation(root *Node) *Legislation {
	if root == nil {
		root = NewNode("")
	}
	return &Legislation{root: root, memo: make(map[periods.Instant]*CompactNode)}
}

// Root returns the underlying tree. Callers must treat it as read-only.
func (l *Legislation) Root() *Node { return l.root }

// At returns the tree as of instant. Repeated calls with the same instant
// return the same CompactNode.
func (l *Legislation) At(instant periods.Instant) *CompactNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.memo[instant]; ok {
		return c
	}
	c := &CompactNode{
		node:    l.root,
		instant: instant,
		cache:   &leafCache{values: make(map[string]any)},
	}
	l.memo[instant] = c
	return c
}

// =============================================================================
// COMPACT NODE
// =============================================================================

// Observer is told about every leaf a formula reads.
type Observer func(path string, value any)

type leafCache struct {
	mu     sync.Mutex
	values map[string]any
}

// CompactNode is a parameter node evaluated at one instant. Leaves resolve
// lazily: a missing value only fails the formula that asks for it.
//
// Leaf values are float64 (float and rate formats), int64, bool,
// *MarginalRateScale or *AmountScale. Inner nodes come back as *CompactNode.
type CompactNode struct {
	node     *Node
	prefix   string
	instant  periods.Instant
	cache    *leafCache
	observer Observer
}

// Instant returns the evaluation instant.
func (c *CompactNode) Instant() periods.Instant { return c.instant }

// Path returns the dotted path of c from the root.
func (c *CompactNode) Path() string { return c.prefix }

// Keys lists the children of c.
func (c *CompactNode) Keys() []string { return c.node.Keys() }

// WithObserver returns a view of c reporting reads to fn. The view shares
// the leaf cache with c.
func (c *CompactNode) WithObserver(fn Observer) *CompactNode {
	out := *c
	out.observer = fn
	return &out
}

// Get resolves a dotted path relative to c.
func (c *CompactNode) Get(path string) (any, error) {
	full := joinPath(c.prefix, path)
	item, ok := c.node.Child(path)
	if !ok {
		return nil, &ParameterNotFoundError{Path: full, Instant: c.instant}
	}
	if node, ok := item.(*Node); ok {
		out := *c
		out.node = node
		out.prefix = full
		return &out, nil
	}

	c.cache.mu.Lock()
	v, cached := c.cache.values[full]
	c.cache.mu.Unlock()
	if !cached {
		var err error
		v, err = c.resolve(full, item)
		if err != nil {
			return nil, err
		}
		c.cache.mu.Lock()
		c.cache.values[full] = v
		c.cache.mu.Unlock()
	}
	if c.observer != nil {
		c.observer(full, v)
	}
	return v, nil
}

func (c *CompactNode) resolve(full string, item Item) (any, error) {
	switch it := item.(type) {
	case *Parameter:
		d, ok := it.At(c.instant)
		if !ok {
			return nil, &ParameterNotFoundError{Path: full, Instant: c.instant}
		}
		switch it.Format {
		case FormatBool:
			return !d.IsZero(), nil
		case FormatInt:
			return d.IntPart(), nil
		default:
			return d.InexactFloat64(), nil
		}
	case *Scale:
		return it.at(c.instant), nil
	}
	return nil, fmt.Errorf("%w: unexpected item %T at %q", ErrInvalidParameter, item, full)
}

// Float reads a numeric leaf. Int and bool leaves are widened.
func (c *CompactNode) Float(path string) (float64, error) {
	v, err := c.Get(path)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %q is a %T, not a number", ErrInvalidParameter, joinPath(c.prefix, path), v)
}

// Bool reads a boolean leaf. Numeric leaves are true when non-zero.
func (c *CompactNode) Bool(path string) (bool, error) {
	v, err := c.Get(path)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	}
	return false, fmt.Errorf("%w: %q is a %T, not a boolean", ErrInvalidParameter, joinPath(c.prefix, path), v)
}

// MarginalRate reads a marginal rate scale.
func (c *CompactNode) MarginalRate(path string) (*MarginalRateScale, error) {
	v, err := c.Get(path)
	if err != nil {
		return nil, err
	}
	s, ok := v.(*MarginalRateScale)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %T, not a rate scale", ErrInvalidParameter, joinPath(c.prefix, path), v)
	}
	return s, nil
}

// Amount reads an amount scale.
func (c *CompactNode) Amount(path string) (*AmountScale, error) {
	v, err := c.Get(path)
	if err != nil {
		return nil, err
	}
	s, ok := v.(*AmountScale)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %T, not an amount scale", ErrInvalidParameter, joinPath(c.prefix, path), v)
	}
	return s, nil
}

// Node reads an inner node.
func (c *CompactNode) Node(path string) (*CompactNode, error) {
	v, err := c.Get(path)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*CompactNode)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a leaf", ErrInvalidParameter, joinPath(c.prefix, path))
	}
	return n, nil
}

// TryParameter probes a leaf without failing: ok is false when the path is
// unknown or undefined at the instant.
func (c *CompactNode) TryParameter(path string) (any, bool) {
	v, err := c.Get(path)
	if err != nil {
		return nil, false
	}
	return v, true
}

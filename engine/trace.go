package engine

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/periods"
)

// =============================================================================
// TRACE - Calculation tree of a traced simulation
// =============================================================================

// ParameterRead is one parameter leaf consumed by a formula.
type ParameterRead struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// TraceNode records one calculation: the variable and period asked for, the
// parameters its formula read, the calculations it triggered (Children), and
// its outcome.
type TraceNode struct {
	Variable   string          `json:"variable"`
	Period     periods.Period  `json:"period"`
	Extra      string          `json:"extra,omitempty"`
	Parameters []ParameterRead `json:"parameters,omitempty"`
	Children   []*TraceNode    `json:"children,omitempty"`
	Result     string          `json:"result,omitempty"`
	Cached     bool            `json:"cached,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration_ns"`

	started time.Time
}

func (n *TraceNode) recordParameter(path string, value any) {
	n.Parameters = append(n.Parameters, ParameterRead{Path: path, Value: fmt.Sprint(value)})
}

// Tracer builds the calculation tree. Its methods accept a nil receiver so
// untraced simulations pay nothing.
type Tracer struct {
	roots []*TraceNode
	stack []*TraceNode
}

func (t *Tracer) enter(name string, period periods.Period, extra string) *TraceNode {
	if t == nil {
		return nil
	}
	node := &TraceNode{Variable: name, Period: period, Extra: extra, started: time.Now()}
	if len(t.stack) == 0 {
		t.roots = append(t.roots, node)
	} else {
		parent := t.stack[len(t.stack)-1]
		parent.Children = append(parent.Children, node)
	}
	t.stack = append(t.stack, node)
	return node
}

func (t *Tracer) exit(node *TraceNode, result array.Array, err error, cached bool) {
	if t == nil || node == nil {
		return
	}
	node.Duration = time.Since(node.started)
	node.Cached = cached
	if err != nil {
		node.Error = err.Error()
	} else {
		node.Result = array.Summary(result)
	}
	t.stack = t.stack[:len(t.stack)-1]
}

func (t *Tracer) current() *TraceNode {
	if t == nil || len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// Roots returns one tree per top-level calculation, in call order.
func (t *Tracer) Roots() []*TraceNode {
	if t == nil {
		return nil
	}
	return t.roots
}

// Reset forgets the recorded trees.
func (t *Tracer) Reset() {
	if t != nil {
		t.roots = nil
	}
}

// Print writes the trees as indented lines:
//
//	income_tax<2015> >> [18000]
//	  net_salary<2015-01> >> [10000] (cached)
//	  tax.rate = 0.15
func (t *Tracer) Print(w io.Writer) error {
	for _, root := range t.Roots() {
		if err := printNode(w, root, 0); err != nil {
			return err
		}
	}
	return nil
}

func printNode(w io.Writer, n *TraceNode, depth int) error {
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%s%s<%s>", indent, n.Variable, n.Period)
	if n.Extra != "" {
		line += "(" + strings.ReplaceAll(n.Extra, "\x1f", ", ") + ")"
	}
	switch {
	case n.Error != "":
		line += " !! " + n.Error
	default:
		line += " >> " + n.Result
	}
	if n.Cached {
		line += " (cached)"
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}
	for _, p := range n.Parameters {
		if _, err := fmt.Fprintf(w, "%s  %s = %s\n", indent, p.Path, p.Value); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := printNode(w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

package decomposition

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// =============================================================================
// HCL FORMAT
// =============================================================================
//
// A decomposition file holds exactly one root node. Nodes nest:
//
//	node "disposable_income" {
//	  label = "Disposable income (${var.currency})"
//	  node "net_salary" { label = "Net salary" }
//	  node "income_tax" {
//	    label = "Income tax"
//	    color = "#d62728"
//	  }
//	}
//
// Attribute expressions see the variables passed to Parse as var.<name>.

type hclFile struct {
	Nodes []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	Code     string     `hcl:"code,label"`
	Label    *string    `hcl:"label,optional"`
	Color    *string    `hcl:"color,optional"`
	Children []*hclNode `hcl:"node,block"`
}

func (h *hclNode) toNode() *Node {
	n := &Node{Code: h.Code, Label: h.Code}
	if h.Label != nil {
		n.Label = *h.Label
	}
	if h.Color != nil {
		n.Color = *h.Color
	}
	for _, c := range h.Children {
		n.Children = append(n.Children, c.toNode())
	}
	return n
}

// evalContext exposes vars as var.<name>.
func evalContext(vars map[string]string) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		values[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(values)},
	}
}

// Parse decodes a decomposition from HCL source. filename is used in
// diagnostics only.
func Parse(src []byte, filename string, vars map[string]string) (*Node, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse decomposition %s: %w", filename, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, evalContext(vars), &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode decomposition %s: %w", filename, diags)
	}
	if len(parsed.Nodes) != 1 {
		return nil, fmt.Errorf("%w: %s must hold exactly one root node, found %d", ErrInvalidTree, filename, len(parsed.Nodes))
	}
	root := parsed.Nodes[0].toNode()
	if err := root.Validate(nil); err != nil {
		return nil, err
	}
	return root, nil
}

// Load reads and parses a decomposition file.
func Load(path string, vars map[string]string) (*Node, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read decomposition: %w", err)
	}
	return Parse(src, path, vars)
}

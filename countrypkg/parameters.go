/*
parameters.go - Legislation tree from a directory of YAML files

LAYOUT:
  parameters/
    index.yaml                 metadata of the root node
    taxes/
      index.yaml               metadata of "taxes"
      income_tax_rate.yaml     parameter "taxes.income_tax_rate"
      contribution.yaml        scale "taxes.contribution"
    benefits.yaml              node "benefits" with inline children

  A file is a parameter when it has "values", a scale when it has
  "brackets", and a node otherwise. Node files hold their children inline.

VALUES:
  values:
    2015-01-01: 0.15             # shorthand
    2013-01-01: {value: 0.14}
    2020-01-01: {value: null}    # the parameter is undefined from here on

  Each value runs until the day before the next dated entry. Numbers are
  read from the YAML source text, so 0.1 stays exactly 0.1.
*/
package countrypkg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
	"gopkg.in/yaml.v3"
)

var metadataKeys = map[string]bool{
	"description": true, "documentation": true, "reference": true,
	"source": true, "unit": true, "metadata": true,
}

// LoadParameters reads the legislation tree rooted at dir.
func LoadParameters(dir string) (*parameters.Node, error) {
	return loadDir("", dir)
}

func loadDir(name, dir string) (*parameters.Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading parameters: %w", err)
	}
	node := parameters.NewNode(name)
	// os.ReadDir sorts by file name
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			child, err := loadDir(e.Name(), path)
			if err != nil {
				return nil, err
			}
			if err := node.Add(child); err != nil {
				return nil, err
			}
			continue
		}
		stem, ok := yamlStem(e.Name())
		if !ok {
			continue
		}
		doc, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		if stem == "index" {
			if err := decodeMetadata(doc, &node.Metadata); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			continue
		}
		item, err := decodeItem(stem, doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := node.Add(item); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func yamlStem(file string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml"} {
		if strings.HasSuffix(file, ext) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return "", false
}

// readYAML returns the top mapping of a YAML file.
func readYAML(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode}, nil
	}
	return doc.Content[0], nil
}

// ParseParameter decodes a single item document, as found in one file.
func ParseParameter(name string, src []byte) (parameters.Item, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: %s: empty document", parameters.ErrInvalidParameter, name)
	}
	return decodeItem(name, doc.Content[0])
}

// =============================================================================
// ITEMS
// =============================================================================

// fields returns the key/value pairs of a mapping node.
func fields(n *yaml.Node) (map[string]*yaml.Node, []string, error) {
	if n.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("%w: line %d: expected a mapping", parameters.ErrInvalidParameter, n.Line)
	}
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	var order []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i].Value
		out[k] = n.Content[i+1]
		order = append(order, k)
	}
	return out, order, nil
}

func decodeItem(name string, n *yaml.Node) (parameters.Item, error) {
	f, order, err := fields(n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	switch {
	case f["values"] != nil:
		format, err := parameterFormat(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		p, err := decodeSeries(name, format, f["values"])
		if err != nil {
			return nil, err
		}
		if err := decodeMetadata(n, &p.Metadata); err != nil {
			return nil, err
		}
		return p, nil
	case f["brackets"] != nil:
		return decodeScale(name, n, f)
	}

	node := parameters.NewNode(name)
	if err := decodeMetadata(n, &node.Metadata); err != nil {
		return nil, err
	}
	for _, key := range order {
		if metadataKeys[key] {
			continue
		}
		child, err := decodeItem(key, f[key])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := node.Add(child); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func decodeMetadata(n *yaml.Node, m *parameters.Metadata) error {
	f, _, err := fields(n)
	if err != nil {
		return err
	}
	m.Description = text(f["description"])
	m.Documentation = text(f["documentation"])
	m.Reference = text(f["reference"])
	m.Source = text(f["source"])
	m.Unit = text(f["unit"])
	if meta := f["metadata"]; meta != nil && meta.Kind == yaml.MappingNode {
		mf, _, _ := fields(meta)
		if m.Unit == "" {
			m.Unit = text(mf["unit"])
		}
		if m.Reference == "" {
			m.Reference = text(mf["reference"])
		}
	}
	return nil
}

// text flattens a scalar or a list of scalars. References are often lists.
func text(n *yaml.Node) string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value
	case yaml.SequenceNode, yaml.MappingNode:
		var parts []string
		for _, c := range n.Content {
			if s := text(c); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func parameterFormat(f map[string]*yaml.Node) (parameters.Format, error) {
	unit := text(f["unit"])
	if meta := f["metadata"]; meta != nil && meta.Kind == yaml.MappingNode {
		mf, _, _ := fields(meta)
		if s := text(mf["format"]); s != "" {
			return parameters.ParseFormat(s)
		}
		if unit == "" {
			unit = text(mf["unit"])
		}
	}
	if unit == "/1" {
		return parameters.FormatRate, nil
	}
	values := f["values"]
	for i := 1; i < len(values.Content); i += 2 {
		v := values.Content[i]
		if v.Kind == yaml.MappingNode {
			vf, _, _ := fields(v)
			v = vf["value"]
		}
		if v != nil && v.Tag == "!!bool" {
			return parameters.FormatBool, nil
		}
	}
	return parameters.FormatFloat, nil
}

// decodeSeries reads a date -> value mapping.
func decodeSeries(name string, format parameters.Format, n *yaml.Node) (*parameters.Parameter, error) {
	f, _, err := fields(n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	type entry struct {
		start periods.Instant
		value *decimal.Decimal
	}
	var entries []entry
	for key, raw := range f {
		start, err := periods.ParseInstant(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", parameters.ErrInvalidParameter, name, err)
		}
		if raw.Kind == yaml.MappingNode {
			vf, _, _ := fields(raw)
			raw = vf["value"]
		}
		d, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s at %s: %v", parameters.ErrInvalidParameter, name, key, err)
		}
		entries = append(entries, entry{start, d})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start.Before(entries[j].start) })

	var values []parameters.Value
	for i, e := range entries {
		if e.value == nil {
			continue
		}
		v := parameters.Value{Start: e.start, Value: *e.value}
		if i+1 < len(entries) {
			v.Stop = entries[i+1].start.AddDays(-1)
		}
		values = append(values, v)
	}
	return parameters.NewParameter(name, format, values...)
}

// decodeValue returns nil for a null value.
func decodeValue(n *yaml.Node) (*decimal.Decimal, error) {
	if n == nil || n.Tag == "!!null" {
		return nil, nil
	}
	if n.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("line %d: expected a scalar", n.Line)
	}
	if n.Tag == "!!bool" {
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, err
		}
		d := decimal.Zero
		if b {
			d = decimal.NewFromInt(1)
		}
		return &d, nil
	}
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return nil, fmt.Errorf("line %d: %q is not a number", n.Line, n.Value)
	}
	return &d, nil
}

func decodeScale(name string, n *yaml.Node, f map[string]*yaml.Node) (*parameters.Scale, error) {
	kindName := text(f["type"])
	if meta := f["metadata"]; meta != nil && meta.Kind == yaml.MappingNode {
		mf, _, _ := fields(meta)
		if s := text(mf["type"]); s != "" {
			kindName = s
		}
	}
	kind, err := parameters.ParseScaleKind(kindName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	brackets := f["brackets"]
	if brackets.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: %s: brackets must be a list", parameters.ErrInvalidParameter, name)
	}

	var out []*parameters.Bracket
	for i, bn := range brackets.Content {
		bf, _, err := fields(bn)
		if err != nil {
			return nil, fmt.Errorf("%s bracket %d: %w", name, i, err)
		}
		b := &parameters.Bracket{}
		for key, dst := range map[string]**parameters.Parameter{
			"threshold": &b.Threshold, "rate": &b.Rate, "amount": &b.Amount, "base": &b.Base,
		} {
			series := bf[key]
			if series == nil {
				continue
			}
			format := parameters.FormatFloat
			if key == "rate" {
				format = parameters.FormatRate
			}
			p, err := decodeSeries(fmt.Sprintf("%s.%d.%s", name, i, key), format, series)
			if err != nil {
				return nil, err
			}
			*dst = p
		}
		out = append(out, b)
	}
	s, err := parameters.NewScale(name, kind, out...)
	if err != nil {
		return nil, err
	}
	if err := decodeMetadata(n, &s.Metadata); err != nil {
		return nil, err
	}
	return s, nil
}

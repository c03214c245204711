/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Legislation:
    VariableDTO, FormulaDTO, ParameterDTO, ValueDTO, BracketDTO, ReformDTO

  Calculations:
    CalculateRequest, CalculateResponse, TraceResponse,
    DecompositionRequest, DatasetCalculateRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/microsim/decomposition"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"
)

// =============================================================================
// LEGISLATION
// =============================================================================

// VariableDTO describes a variable declaration.
type VariableDTO struct {
	Name             string       `json:"name"`
	ValueType        string       `json:"value_type"`
	Entity           string       `json:"entity"`
	DefinitionPeriod string       `json:"definition_period"`
	SetInput         string       `json:"set_input"`
	BaseFunction     string       `json:"base_function"`
	Default          any          `json:"default"`
	PossibleValues   []string     `json:"possible_values,omitempty"`
	End              string       `json:"end,omitempty"`
	Label            string       `json:"label,omitempty"`
	Unit             string       `json:"unit,omitempty"`
	Documentation    string       `json:"documentation,omitempty"`
	Source           string       `json:"source,omitempty"`
	Formulas         []FormulaDTO `json:"formulas,omitempty"`
}

// FormulaDTO is the validity window of one dated formula.
type FormulaDTO struct {
	Start string `json:"start,omitempty"`
	Stop  string `json:"stop,omitempty"`
}

// VariableSummaryDTO is a variable in list responses.
type VariableSummaryDTO struct {
	Name   string `json:"name"`
	Entity string `json:"entity"`
	Label  string `json:"label,omitempty"`
}

func toVariableDTO(v *engine.Variable) VariableDTO {
	dto := VariableDTO{
		Name:             v.Name,
		ValueType:        v.ValueType.String(),
		Entity:           v.Entity,
		DefinitionPeriod: v.DefinitionPeriod.String(),
		SetInput:         v.SetInput.String(),
		BaseFunction:     v.EffectiveBase().String(),
		Default:          scenario.Display(v, v.DefaultArray(1), 0),
		PossibleValues:   v.PossibleValues,
		Label:            v.Label,
		Unit:             v.Unit,
		Documentation:    v.Doc,
		Source:           v.Source,
	}
	if !v.End.IsZero() {
		dto.End = v.End.String()
	}
	for _, f := range v.Formulas {
		var fd FormulaDTO
		if !f.Start.IsZero() {
			fd.Start = f.Start.String()
		}
		if !f.Stop.IsZero() {
			fd.Stop = f.Stop.String()
		}
		dto.Formulas = append(dto.Formulas, fd)
	}
	return dto
}

// ParameterDTO describes one item of the legislation tree. Value is the
// evaluation at the requested instant, when one was given.
type ParameterDTO struct {
	Path     string               `json:"path"`
	Type     string               `json:"type"` // node, parameter, scale
	Metadata *parameters.Metadata `json:"metadata,omitempty"`
	Children []string             `json:"children,omitempty"`
	Format   string               `json:"format,omitempty"`
	Values   []ValueDTO           `json:"values,omitempty"`
	Kind     string               `json:"kind,omitempty"`
	Brackets []BracketDTO         `json:"brackets,omitempty"`
	Instant  string               `json:"instant,omitempty"`
	Value    any                  `json:"value,omitempty"`
}

// ValueDTO is one entry of a parameter history. Values are decimal strings.
type ValueDTO struct {
	Start string `json:"start"`
	Stop  string `json:"stop,omitempty"`
	Value string `json:"value"`
}

// BracketDTO is one scale bracket.
type BracketDTO struct {
	Threshold []ValueDTO `json:"threshold"`
	Rate      []ValueDTO `json:"rate,omitempty"`
	Amount    []ValueDTO `json:"amount,omitempty"`
	Base      []ValueDTO `json:"base,omitempty"`
}

func toValueDTOs(p *parameters.Parameter) []ValueDTO {
	if p == nil {
		return nil
	}
	values := p.Values()
	out := make([]ValueDTO, len(values))
	for i, v := range values {
		out[i] = ValueDTO{Start: v.Start.String(), Value: v.Value.String()}
		if !v.Stop.IsZero() {
			out[i].Stop = v.Stop.String()
		}
	}
	return out
}

// ReformDTO describes a registered reform.
type ReformDTO struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// CalculateRequest asks for variables over a situation. Input is either a
// situation keyed by entity plurals or a flat map of one person's values.
type CalculateRequest struct {
	Period    string         `json:"period"`
	Input     map[string]any `json:"input"`
	Variables []string       `json:"variables"`
	Reforms   []string       `json:"reforms,omitempty"`
	MaxCycles *int           `json:"max_cycles,omitempty"`
}

// CalculateResponse holds the results keyed by entity plural, entity id and
// variable name.
type CalculateResponse struct {
	Period  string                               `json:"period"`
	Results map[string]map[string]map[string]any `json:"results"`
}

// TraceResponse is a calculation with its calculation tree.
type TraceResponse struct {
	CalculateResponse
	Trace []*engine.TraceNode `json:"trace"`
	Text  string              `json:"text"`
}

// DecompositionRequest computes the country's decomposition tree for every
// entity of kind Entity (the person kind when empty).
type DecompositionRequest struct {
	Period  string         `json:"period"`
	Input   map[string]any `json:"input"`
	Entity  string         `json:"entity,omitempty"`
	Reforms []string       `json:"reforms,omitempty"`
}

// DecompositionResponse pairs the tree with the ids of its columns.
type DecompositionResponse struct {
	Period string                `json:"period"`
	IDs    []string              `json:"ids"`
	Tree   *decomposition.Result `json:"tree"`
}

// DatasetCalculateRequest runs variables over a stored dataset.
type DatasetCalculateRequest struct {
	Period    string   `json:"period"`
	Variables []string `json:"variables"`
	Reforms   []string `json:"reforms,omitempty"`
}

// HealthDTO reports the loaded legislation.
type HealthDTO struct {
	Status    string `json:"status"`
	Country   string `json:"country"`
	Variables int    `json:"variables"`
	LoadedAt  string `json:"loaded_at"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// DescribeParameter builds the DTO of the item at path (the root when
// empty). With a non-empty instant, a parameter is also evaluated on that
// date.
func DescribeParameter(legislation *parameters.Legislation, path, instant string) (ParameterDTO, error) {
	var item parameters.Item = legislation.Root()
	if path != "" {
		child, ok := legislation.Root().Child(path)
		if !ok {
			return ParameterDTO{}, &parameters.ParameterNotFoundError{Path: path}
		}
		item = child
	}

	dto := ParameterDTO{Path: path}
	if meta := *item.Meta(); meta != (parameters.Metadata{}) {
		dto.Metadata = &meta
	}
	switch it := item.(type) {
	case *parameters.Node:
		dto.Type = "node"
		dto.Children = it.Keys()
	case *parameters.Parameter:
		dto.Type = "parameter"
		dto.Format = it.Format.String()
		dto.Values = toValueDTOs(it)
	case *parameters.Scale:
		dto.Type = "scale"
		dto.Kind = it.Kind.String()
		for _, b := range it.Brackets {
			dto.Brackets = append(dto.Brackets, BracketDTO{
				Threshold: toValueDTOs(b.Threshold),
				Rate:      toValueDTOs(b.Rate),
				Amount:    toValueDTOs(b.Amount),
				Base:      toValueDTOs(b.Base),
			})
		}
	}

	if instant == "" {
		return dto, nil
	}
	at, err := periods.ParseInstant(instant)
	if err != nil {
		return dto, err
	}
	dto.Instant = at.String()
	if _, ok := item.(*parameters.Parameter); ok {
		if dto.Value, err = legislation.At(at).Get(path); err != nil {
			return dto, err
		}
	}
	return dto, nil
}

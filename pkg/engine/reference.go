package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Reference is a typed pointer from one step's input to another step's
// output, parsed once at plan creation from its symbolic string form
// "step.<id>.output.<dotted-path>". Modeling references as a sum type
// instead of runtime string templates lets validation catch unknown
// references before any step runs.
type Reference struct {
	// StepID is the referenced step.
	StepID string `json:"step_id"`

	// Path is the dotted path into the referenced artifact's payload.
	Path string `json:"path"`
}

// String returns the symbolic string form of the reference.
func (r Reference) String() string {
	if r.Path == "" {
		return fmt.Sprintf("step.%s.output", r.StepID)
	}
	return fmt.Sprintf("step.%s.output.%s", r.StepID, r.Path)
}

// Input is one declared step input: either a literal value or a reference
// to another step's output. Exactly one of Literal and Ref is meaningful;
// Ref wins when set.
type Input struct {
	// Literal is the literal value, used when Ref is nil.
	Literal interface{}

	// Ref is the reference to another step's output, nil for literals.
	Ref *Reference
}

// LiteralInput returns an Input holding a literal value.
func LiteralInput(v interface{}) Input {
	return Input{Literal: v}
}

// RefInput returns an Input referencing another step's output.
func RefInput(stepID, path string) Input {
	return Input{Ref: &Reference{StepID: stepID, Path: path}}
}

// referencePattern matches the symbolic reference form. The step ID may not
// contain dots; everything after "output." is the payload path, and a bare
// "step.<id>.output" references the whole payload.
var referencePattern = regexp.MustCompile(`^step\.([A-Za-z0-9_-]+)\.output(?:\.(.+))?$`)

// ParseInput converts a raw declared input value into an Input. Strings of
// the reference form become references; everything else passes through as a
// literal.
func ParseInput(raw interface{}) Input {
	s, ok := raw.(string)
	if !ok {
		return LiteralInput(raw)
	}
	m := referencePattern.FindStringSubmatch(s)
	if m == nil {
		return LiteralInput(raw)
	}
	return RefInput(m[1], m[2])
}

// ParseInputs converts a raw input mapping into typed Inputs.
func ParseInputs(raw map[string]interface{}) map[string]Input {
	if raw == nil {
		return nil
	}
	inputs := make(map[string]Input, len(raw))
	for name, v := range raw {
		inputs[name] = ParseInput(v)
	}
	return inputs
}

// MarshalJSON serializes a literal as its value and a reference as its
// symbolic string form, so stored plans round-trip through the same
// representation the compiler produces.
func (in Input) MarshalJSON() ([]byte, error) {
	if in.Ref != nil {
		return json.Marshal(in.Ref.String())
	}
	return json.Marshal(in.Literal)
}

// UnmarshalJSON parses the stored form back into a literal or reference.
func (in *Input) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*in = ParseInput(raw)
	return nil
}

// splitPath splits a dotted payload path into its segments.
func splitPath(path string) []string {
	return strings.Split(path, ".")
}

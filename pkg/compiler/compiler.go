// Package compiler turns a goal, a template, and input series into the
// initial step DAG a plan executes. Templates are declared in YAML; the
// engine re-validates whatever this package emits, so the compiler only has
// to produce well-formed steps, not a proven DAG.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/planweave/planweave/pkg/engine"
	"github.com/planweave/planweave/pkg/telemetry"
)

// seriesPrefix marks a template input bound to a named input series at
// compile time, e.g. "$series.demand". The optional form "$series?.floor"
// drops the input instead of failing compilation when the series is absent.
const (
	seriesPrefix         = "$series."
	optionalSeriesPrefix = "$series?."
)

// Template declares the step DAG a plan is compiled from.
type Template struct {
	// ID is the template identifier requests select by.
	ID string `yaml:"id" json:"id"`

	// Description explains what plans from this template compute.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps are the step declarations in order.
	Steps []TemplateStep `yaml:"steps" json:"steps"`
}

// TemplateStep is one declared step in a template.
type TemplateStep struct {
	// ID is the step identifier, unique within the template.
	ID string `yaml:"id" json:"id"`

	// Type is the step type name.
	Type string `yaml:"type" json:"type"`

	// Required marks steps whose failure makes the whole plan unusable.
	Required bool `yaml:"required" json:"required"`

	// Timeout overrides the per-type default budget when positive.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Inputs maps parameter names to literals, reference strings of the
	// form "step.<id>.output.<path>", or series bindings of the form
	// "$series.<name>".
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// UnmarshalYAML decodes a step declaration, accepting the timeout as a Go
// duration string such as "30s".
func (s *TemplateStep) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ID       string                 `yaml:"id"`
		Type     string                 `yaml:"type"`
		Required bool                   `yaml:"required"`
		Timeout  string                 `yaml:"timeout"`
		Inputs   map[string]interface{} `yaml:"inputs"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	s.ID = raw.ID
	s.Type = raw.Type
	s.Required = raw.Required
	s.Inputs = raw.Inputs
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("step %s: invalid timeout %q: %w", raw.ID, raw.Timeout, err)
		}
		s.Timeout = d
	}
	return nil
}

// TemplateCompiler compiles plans from a set of registered templates. It
// satisfies engine.Compiler.
type TemplateCompiler struct {
	mu        sync.RWMutex
	templates map[string]*Template
	log       *telemetry.Logger
}

// New creates a compiler preloaded with the built-in templates.
func New(log *telemetry.Logger) *TemplateCompiler {
	c := &TemplateCompiler{
		templates: make(map[string]*Template),
		log:       log.NewComponentLogger("compiler"),
	}
	for _, tpl := range builtinTemplates() {
		c.templates[tpl.ID] = tpl
	}
	return c
}

// Register adds or replaces a template.
func (c *TemplateCompiler) Register(tpl *Template) error {
	if err := validateTemplate(tpl); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[tpl.ID] = tpl
	return nil
}

// LoadDir registers every *.yaml and *.yml template under dir.
func (c *TemplateCompiler) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}

		tpl := &Template{}
		if err := yaml.Unmarshal(data, tpl); err != nil {
			return fmt.Errorf("failed to parse template %s: %w", entry.Name(), err)
		}
		if err := c.Register(tpl); err != nil {
			return fmt.Errorf("invalid template %s: %w", entry.Name(), err)
		}
		c.log.Debugf("loaded template %s from %s", tpl.ID, entry.Name())
	}

	return nil
}

// Templates returns the IDs of all registered templates, sorted.
func (c *TemplateCompiler) Templates() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Compile builds the declared steps for a new plan: series bindings are
// substituted with the request's input series, reference strings are parsed
// into typed references, and everything else passes through as a literal.
func (c *TemplateCompiler) Compile(ctx context.Context, req engine.CompileRequest) ([]engine.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	tpl, ok := c.templates[req.TemplateID]
	c.mu.RUnlock()
	if !ok {
		return nil, engine.NewNotFoundError("template", req.TemplateID)
	}

	steps := make([]engine.Step, 0, len(tpl.Steps))
	for _, decl := range tpl.Steps {
		inputs, err := c.compileInputs(decl, req)
		if err != nil {
			return nil, err
		}

		steps = append(steps, engine.Step{
			ID:       decl.ID,
			Type:     engine.StepType(decl.Type),
			Inputs:   inputs,
			Required: decl.Required,
			Timeout:  decl.Timeout,
			Status:   engine.StepStatusNotStarted,
		})
	}

	return steps, nil
}

// compileInputs resolves one step's declared inputs against the request.
func (c *TemplateCompiler) compileInputs(decl TemplateStep, req engine.CompileRequest) (map[string]engine.Input, error) {
	if decl.Inputs == nil {
		return nil, nil
	}

	inputs := make(map[string]engine.Input, len(decl.Inputs))
	for name, raw := range decl.Inputs {
		s, isString := raw.(string)
		switch {
		case isString && strings.HasPrefix(s, optionalSeriesPrefix):
			seriesName := strings.TrimPrefix(s, optionalSeriesPrefix)
			if _, provided := req.InputSeries[seriesName]; !provided {
				continue
			}
			value, err := decodeSeries(req.InputSeries, seriesName)
			if err != nil {
				return nil, engine.NewValidationError(
					fmt.Sprintf("step %s input %s: %s", decl.ID, name, err), nil)
			}
			inputs[name] = engine.LiteralInput(value)
		case isString && strings.HasPrefix(s, seriesPrefix):
			seriesName := strings.TrimPrefix(s, seriesPrefix)
			value, err := decodeSeries(req.InputSeries, seriesName)
			if err != nil {
				return nil, engine.NewValidationError(
					fmt.Sprintf("step %s input %s: %s", decl.ID, name, err), nil)
			}
			inputs[name] = engine.LiteralInput(value)
		default:
			inputs[name] = engine.ParseInput(raw)
		}
	}
	return inputs, nil
}

// decodeSeries fetches and decodes one named input series.
func decodeSeries(series map[string]json.RawMessage, name string) (interface{}, error) {
	raw, ok := series[name]
	if !ok {
		return nil, fmt.Errorf("input series %q was not provided", name)
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("input series %q is not valid JSON: %v", name, err)
	}
	return value, nil
}

// ValidateGraph checks a template without a concrete request: series
// bindings become placeholder literals and the resulting steps run through
// full DAG validation. Authoring tools use this to catch cycles and unknown
// references before any plan is created.
func ValidateGraph(tpl *Template) (*engine.ExecutionGraph, error) {
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}

	steps := make([]engine.Step, 0, len(tpl.Steps))
	for _, decl := range tpl.Steps {
		var inputs map[string]engine.Input
		if decl.Inputs != nil {
			inputs = make(map[string]engine.Input, len(decl.Inputs))
			for name, raw := range decl.Inputs {
				if s, ok := raw.(string); ok &&
					(strings.HasPrefix(s, seriesPrefix) || strings.HasPrefix(s, optionalSeriesPrefix)) {
					inputs[name] = engine.LiteralInput(nil)
					continue
				}
				inputs[name] = engine.ParseInput(raw)
			}
		}
		steps = append(steps, engine.Step{
			ID:       decl.ID,
			Type:     engine.StepType(decl.Type),
			Inputs:   inputs,
			Required: decl.Required,
			Timeout:  decl.Timeout,
			Status:   engine.StepStatusNotStarted,
		})
	}

	return engine.NewDAGBuilder().BuildGraph(steps)
}

// validateTemplate checks the declaration-level invariants the engine's DAG
// validator cannot see, such as template identity and step type names.
func validateTemplate(tpl *Template) error {
	if tpl.ID == "" {
		return engine.NewValidationError("template id is required", nil)
	}
	if len(tpl.Steps) == 0 {
		return engine.NewValidationError("template declares no steps", nil)
	}

	seen := make(map[string]bool, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if step.ID == "" {
			return engine.NewValidationError(
				fmt.Sprintf("template %s declares a step without an id", tpl.ID), nil)
		}
		if seen[step.ID] {
			return engine.NewValidationError(
				fmt.Sprintf("template %s declares duplicate step id %s", tpl.ID, step.ID), nil)
		}
		seen[step.ID] = true

		if err := engine.StepType(step.Type).Validate(); err != nil {
			return engine.NewValidationError(
				fmt.Sprintf("template %s step %s: %v", tpl.ID, step.ID, err), nil)
		}
	}
	return nil
}

// Package team holds the declarative agent definitions and the assembled
// TeamDefinition the engine consumes. Teams are built once at construction
// and passed by reference; there are no process-wide registries.
package team

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/latticehq/conduct/knowledge"
	"github.com/latticehq/conduct/resilience"
	"github.com/latticehq/conduct/tool"
)

// Mode selects the execution topology a team runs under.
type Mode string

const (
	ModeSequential   Mode = "sequential"
	ModeDynamic      Mode = "dynamic"
	ModeHierarchical Mode = "hierarchical"
	ModeMapReduce    Mode = "mapreduce"
	ModeReact        Mode = "react"
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// AgentSpec declares one agent: its prompt, tools, delegation allowlist,
// deliverable prototype, and limits.
type AgentSpec struct {
	ID           string
	Name         string
	Description  string
	SystemPrompt string
	Tools        []tool.Tool
	// DelegateTo lists teammate ids this agent may hand off to. The mode
	// rewrite narrows or widens it at assembly.
	DelegateTo []string
	// Deliverable is a prototype struct reflected into the agent's output
	// schema. Required.
	Deliverable any
	MaxSteps    int
	Temperature *float64
	Timeout     time.Duration
	ToolTimeout time.Duration
	Retry       resilience.RetryPolicy
	Knowledge   *knowledge.Binding
}

func (s *AgentSpec) normalize() {
	if s.MaxSteps <= 0 {
		s.MaxSteps = 6
	}
	if s.Timeout <= 0 {
		s.Timeout = 120 * time.Second
	}
	if s.ToolTimeout <= 0 {
		s.ToolTimeout = 30 * time.Second
	}
	s.Retry = resilience.NormalizeRetryPolicy(s.Retry)
}

// Agent is an assembled spec with its compiled deliverable schema.
type Agent struct {
	Spec   AgentSpec
	Schema map[string]any

	validator *gojsonschema.Schema
}

// ValidateDeliverable checks raw against the agent's output schema.
func (a *Agent) ValidateDeliverable(raw json.RawMessage) error {
	if a == nil || a.validator == nil {
		return nil
	}
	result, err := a.validator.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("deliverable validation: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("deliverable invalid: %s", errs[0].String())
		}
		return fmt.Errorf("deliverable invalid")
	}
	return nil
}

// Definition is an immutable assembled team.
type Definition struct {
	mode     Mode
	order    []string
	agents   map[string]*Agent
	warnings []string
}

// New assembles and validates a team. The first spec is the entry agent.
// Unknown delegation targets are dropped with a warning, never a failure.
func New(mode Mode, specs ...AgentSpec) (*Definition, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("team: at least one agent is required")
	}
	switch mode {
	case ModeSequential, ModeDynamic, ModeHierarchical, ModeMapReduce, ModeReact:
	default:
		return nil, fmt.Errorf("team: unknown mode %q", mode)
	}

	def := &Definition{
		mode:   mode,
		agents: make(map[string]*Agent, len(specs)),
	}
	for _, spec := range specs {
		if !idPattern.MatchString(spec.ID) {
			return nil, fmt.Errorf("team: agent id %q must match %s", spec.ID, idPattern)
		}
		if _, dup := def.agents[spec.ID]; dup {
			return nil, fmt.Errorf("team: duplicate agent id %q", spec.ID)
		}
		if spec.Deliverable == nil {
			return nil, fmt.Errorf("team: agent %q has no deliverable prototype", spec.ID)
		}
		spec.normalize()

		schemaMap, validator, err := compileSchema(spec.Deliverable)
		if err != nil {
			return nil, fmt.Errorf("team: agent %q schema: %w", spec.ID, err)
		}
		def.agents[spec.ID] = &Agent{Spec: spec, Schema: schemaMap, validator: validator}
		def.order = append(def.order, spec.ID)
	}

	def.rewriteAllowlists()
	return def, nil
}

// rewriteAllowlists applies the mode policy: sequential and map-reduce
// agents never delegate, dynamic agents may reach every teammate, and in a
// hierarchy only the entry agent delegates.
func (d *Definition) rewriteAllowlists() {
	entry := d.order[0]
	for id, a := range d.agents {
		switch d.mode {
		case ModeSequential, ModeMapReduce, ModeReact:
			a.Spec.DelegateTo = nil
		case ModeDynamic:
			a.Spec.DelegateTo = d.teammatesOf(id)
		case ModeHierarchical:
			if id == entry {
				a.Spec.DelegateTo = d.teammatesOf(id)
			} else {
				a.Spec.DelegateTo = nil
			}
		}
	}
	// Declared targets that survived the rewrite are still checked against
	// the roster; unknown ids are dropped with a warning.
	for id, a := range d.agents {
		kept := a.Spec.DelegateTo[:0]
		for _, target := range a.Spec.DelegateTo {
			if _, ok := d.agents[target]; !ok || target == id {
				d.warnings = append(d.warnings,
					fmt.Sprintf("agent %q: dropping unknown delegation target %q", id, target))
				continue
			}
			kept = append(kept, target)
		}
		a.Spec.DelegateTo = kept
	}
}

func (d *Definition) teammatesOf(id string) []string {
	out := make([]string, 0, len(d.order)-1)
	for _, other := range d.order {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

func (d *Definition) Mode() Mode { return d.mode }

// Entry returns the id of the entry agent (first declared).
func (d *Definition) Entry() string { return d.order[0] }

// Agent looks up an assembled agent by id.
func (d *Definition) Agent(id string) (*Agent, bool) {
	a, ok := d.agents[id]
	return a, ok
}

// Order returns agent ids in declaration order.
func (d *Definition) Order() []string {
	return append([]string(nil), d.order...)
}

// Warnings returns assembly-time validation notes.
func (d *Definition) Warnings() []string {
	return append([]string(nil), d.warnings...)
}

// CanDelegate reports whether from may hand off to target.
func (d *Definition) CanDelegate(from, target string) bool {
	a, ok := d.agents[from]
	if !ok {
		return false
	}
	for _, t := range a.Spec.DelegateTo {
		if t == target {
			return true
		}
	}
	return false
}

func compileSchema(prototype any) (map[string]any, *gojsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	reflected := reflector.Reflect(prototype)
	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(raw, &schemaMap); err != nil {
		return nil, nil, fmt.Errorf("decode reflected schema: %w", err)
	}
	validator, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("compile schema: %w", err)
	}
	return schemaMap, validator, nil
}

package schema

import (
	"encoding/json"
	"fmt"
)

// StepType enumerates the kinds of steps in an ensemble flow.
type StepType string

const (
	StepTypeAgent     StepType = "agent"
	StepTypeParallel  StepType = "parallel"
	StepTypeBranch    StepType = "branch"
	StepTypeForeach   StepType = "foreach"
	StepTypeTry       StepType = "try"
	StepTypeSwitch    StepType = "switch"
	StepTypeWhile     StepType = "while"
	StepTypeMapReduce StepType = "map-reduce"
)

// FlowStep is one node of an ensemble flow. The set of implementations is
// closed: the flow controller switches over every variant.
type FlowStep interface {
	StepType() StepType
	StepName() string
	flowStep()
}

// AgentStep invokes a single agent.
type AgentStep struct {
	Name      string           `json:"name"`
	Agent     string           `json:"agent"`
	Input     map[string]any   `json:"input,omitempty"`
	Config    map[string]any   `json:"config,omitempty"`
	Condition string           `json:"condition,omitempty"`
	When      string           `json:"when,omitempty"`
	DependsOn []string         `json:"depends_on,omitempty"`
	Retry     *RetryConfig     `json:"retry,omitempty"`
	Cache     *CacheConfig     `json:"cache,omitempty"`
	Timeout   int64            `json:"timeout,omitempty"` // ms
	OnTimeout *OnTimeoutConfig `json:"onTimeout,omitempty"`
	Scoring   *ScoringConfig   `json:"scoring,omitempty"`
	State     *StateAccess     `json:"state,omitempty"`
}

// WaitMode controls when a parallel step resolves.
type WaitMode string

const (
	WaitAll   WaitMode = "all"
	WaitAny   WaitMode = "any"
	WaitFirst WaitMode = "first"
)

// ParallelStep runs its children concurrently.
type ParallelStep struct {
	Name           string   `json:"name,omitempty"`
	Steps          StepList `json:"steps"`
	WaitFor        WaitMode `json:"waitFor,omitempty"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
}

// BranchStep runs Then or Else depending on Condition.
type BranchStep struct {
	Name      string   `json:"name,omitempty"`
	Condition string   `json:"condition"`
	Then      StepList `json:"then"`
	Else      StepList `json:"else,omitempty"`
}

// ForeachStep runs Steps once per element of Items. Inside the body the
// element is bound to ${item} and its position to ${index}.
type ForeachStep struct {
	Name           string   `json:"name,omitempty"`
	Items          string   `json:"items"`
	Steps          StepList `json:"steps"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
	BreakWhen      string   `json:"breakWhen,omitempty"`
}

// TryStep runs Steps, then Catch on failure, then Finally.
type TryStep struct {
	Name    string   `json:"name,omitempty"`
	Steps   StepList `json:"steps"`
	Catch   StepList `json:"catch,omitempty"`
	Finally StepList `json:"finally,omitempty"`
}

// SwitchStep runs the case whose key equals the stringified Value.
type SwitchStep struct {
	Name    string              `json:"name,omitempty"`
	Value   string              `json:"value"`
	Cases   map[string]StepList `json:"cases"`
	Default StepList            `json:"default,omitempty"`
}

// WhileStep repeats Steps while Condition is truthy.
type WhileStep struct {
	Name          string   `json:"name,omitempty"`
	Condition     string   `json:"condition"`
	Steps         StepList `json:"steps"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

// MapReduceStep runs Map once per element of Items, then Reduce once with
// the collected outputs bound to ${results}.
type MapReduceStep struct {
	Name           string     `json:"name,omitempty"`
	Items          string     `json:"items"`
	Map            *AgentStep `json:"map"`
	Reduce         *AgentStep `json:"reduce"`
	MaxConcurrency int        `json:"maxConcurrency,omitempty"`
}

func (*AgentStep) StepType() StepType     { return StepTypeAgent }
func (*ParallelStep) StepType() StepType  { return StepTypeParallel }
func (*BranchStep) StepType() StepType    { return StepTypeBranch }
func (*ForeachStep) StepType() StepType   { return StepTypeForeach }
func (*TryStep) StepType() StepType       { return StepTypeTry }
func (*SwitchStep) StepType() StepType    { return StepTypeSwitch }
func (*WhileStep) StepType() StepType     { return StepTypeWhile }
func (*MapReduceStep) StepType() StepType { return StepTypeMapReduce }

func (s *AgentStep) StepName() string     { return s.Name }
func (s *ParallelStep) StepName() string  { return s.Name }
func (s *BranchStep) StepName() string    { return s.Name }
func (s *ForeachStep) StepName() string   { return s.Name }
func (s *TryStep) StepName() string       { return s.Name }
func (s *SwitchStep) StepName() string    { return s.Name }
func (s *WhileStep) StepName() string     { return s.Name }
func (s *MapReduceStep) StepName() string { return s.Name }

func (*AgentStep) flowStep()     {}
func (*ParallelStep) flowStep()  {}
func (*BranchStep) flowStep()    {}
func (*ForeachStep) flowStep()   {}
func (*TryStep) flowStep()       {}
func (*SwitchStep) flowStep()    {}
func (*WhileStep) flowStep()     {}
func (*MapReduceStep) flowStep() {}

// StepList is an ordered list of flow steps. On the wire every element
// carries a "type" discriminator; a missing type means "agent".
type StepList []FlowStep

func (l StepList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, s := range l {
		raw, err := EncodeStep(s)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (l *StepList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	steps := make(StepList, 0, len(raws))
	for i, raw := range raws {
		s, err := DecodeStep(raw)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	*l = steps
	return nil
}

// EncodeStep marshals a step with its type discriminator.
func EncodeStep(s FlowStep) (json.RawMessage, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(s.StepType())
	return json.Marshal(fields)
}

// DecodeStep unmarshals one step, dispatching on its "type" field.
func DecodeStep(raw json.RawMessage) (FlowStep, error) {
	var probe struct {
		Type StepType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	var step FlowStep
	switch probe.Type {
	case "", StepTypeAgent:
		step = &AgentStep{}
	case StepTypeParallel:
		step = &ParallelStep{}
	case StepTypeBranch:
		step = &BranchStep{}
	case StepTypeForeach:
		step = &ForeachStep{}
	case StepTypeTry:
		step = &TryStep{}
	case StepTypeSwitch:
		step = &SwitchStep{}
	case StepTypeWhile:
		step = &WhileStep{}
	case StepTypeMapReduce:
		step = &MapReduceStep{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown step type %q", probe.Type)
	}
	if err := json.Unmarshal(raw, step); err != nil {
		return nil, err
	}
	return step, nil
}

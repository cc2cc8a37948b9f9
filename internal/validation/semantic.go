package validation

import (
	"fmt"

	"github.com/rendis/ensemble/pkg/schema"
)

// reservedNames are expression roots; a step with one of these names would
// shadow them in ${...} lookups.
var reservedNames = map[string]bool{
	"input": true, "state": true, "env": true, "execution": true,
	"previousOutputs": true, "item": true, "index": true, "results": true, "error": true,
}

// semanticChecker walks the whole flow tree once.
type semanticChecker struct {
	lookup   Lookup
	declared map[string]bool
	names    map[string]string // step name -> first path
	result   *schema.ValidationResult
}

func validateSemantic(e *schema.Ensemble, lookup Lookup) *schema.ValidationResult {
	c := &semanticChecker{
		lookup:   lookup,
		declared: declaredState(e.State),
		names:    map[string]string{},
		result:   &schema.ValidationResult{},
	}
	c.stepList(e.Flow, "flow")

	for i, d := range e.Output {
		path := fmt.Sprintf("output[%d]", i)
		kinds := 0
		if d.Body != nil {
			kinds++
		}
		if d.RawBody != nil {
			kinds++
		}
		if d.Redirect != nil {
			kinds++
		}
		if kinds > 1 {
			c.result.AddError(path, schema.ErrCodeValidation, "at most one of body, rawBody and redirect may be set")
		}
		if d.When == "" && i < len(e.Output)-1 {
			c.result.AddWarning(path, schema.ErrCodeValidation, "descriptor without 'when' shadows every later descriptor")
		}
	}

	for i, n := range e.Notifications {
		path := fmt.Sprintf("notifications[%d]", i)
		if (n.Type == "webhook" || n.Type == "slack") && n.URL == "" {
			c.result.AddError(path+".url", schema.ErrCodeValidation, n.Type+" notification requires a url")
		}
	}
	return c.result
}

func (c *semanticChecker) stepList(steps schema.StepList, path string) {
	for i, s := range steps {
		c.step(s, fmt.Sprintf("%s[%d]", path, i))
	}
	validateDependsOn(steps, path, c.result)
}

func (c *semanticChecker) name(n, path string) {
	if n == "" {
		return
	}
	if reservedNames[n] {
		c.result.AddError(path+".name", schema.ErrCodeValidation, fmt.Sprintf("step name %q is reserved", n))
	}
	if first, dup := c.names[n]; dup {
		c.result.AddError(path+".name", schema.ErrCodeValidation,
			fmt.Sprintf("duplicate step name %q (first declared at %s)", n, first))
		return
	}
	c.names[n] = path
}

func (c *semanticChecker) step(s schema.FlowStep, path string) {
	if s == nil {
		c.result.AddError(path, schema.ErrCodeValidation, "step is null")
		return
	}
	c.name(s.StepName(), path)

	switch st := s.(type) {
	case *schema.AgentStep:
		c.agent(st, path)
	case *schema.ParallelStep:
		if len(st.Steps) == 0 {
			c.result.AddError(path+".steps", schema.ErrCodeValidation, "parallel step has no children")
		}
		c.stepList(st.Steps, path+".steps")
	case *schema.BranchStep:
		c.stepList(st.Then, path+".then")
		c.stepList(st.Else, path+".else")
	case *schema.ForeachStep:
		c.stepList(st.Steps, path+".steps")
	case *schema.TryStep:
		c.stepList(st.Steps, path+".steps")
		c.stepList(st.Catch, path+".catch")
		c.stepList(st.Finally, path+".finally")
	case *schema.SwitchStep:
		for k, cs := range st.Cases {
			c.stepList(cs, fmt.Sprintf("%s.cases[%s]", path, k))
		}
		c.stepList(st.Default, path+".default")
	case *schema.WhileStep:
		if st.MaxIterations > 10000 {
			c.result.AddWarning(path+".maxIterations", schema.ErrCodeValidation,
				fmt.Sprintf("high iteration cap (%d)", st.MaxIterations))
		}
		c.stepList(st.Steps, path+".steps")
	case *schema.MapReduceStep:
		if st.Map == nil || st.Reduce == nil {
			c.result.AddError(path, schema.ErrCodeValidation, "map-reduce requires both map and reduce steps")
			return
		}
		c.name(st.Map.Name, path+".map")
		c.agent(st.Map, path+".map")
		c.name(st.Reduce.Name, path+".reduce")
		c.agent(st.Reduce, path+".reduce")
	default:
		c.result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("unsupported step type %q", s.StepType()))
	}
}

func (c *semanticChecker) agent(s *schema.AgentStep, path string) {
	if s.Name == "" {
		c.result.AddError(path+".name", schema.ErrCodeValidation, "agent step requires a name")
	}
	if s.Agent == "" {
		c.result.AddError(path+".agent", schema.ErrCodeValidation, "agent step requires an agent")
	} else if c.lookup != nil && !c.lookup.HasAgent(s.Agent) {
		c.result.AddError(path+".agent", schema.ErrCodeAgentUnavailable,
			fmt.Sprintf("agent %q not registered", s.Agent))
	}

	if s.Retry != nil {
		if s.Retry.MaxDelay > 0 && s.Retry.InitialDelay > s.Retry.MaxDelay {
			c.result.AddError(path+".retry", schema.ErrCodeValidation, "initialDelay exceeds maxDelay")
		}
		if s.Retry.Attempts > 10 {
			c.result.AddWarning(path+".retry.attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", s.Retry.Attempts))
		}
	}

	if s.OnTimeout != nil && s.Timeout <= 0 {
		c.result.AddWarning(path+".onTimeout", schema.ErrCodeValidation, "onTimeout has no effect without a timeout")
	}

	if sc := s.Scoring; sc != nil {
		if c.lookup != nil && sc.Evaluator != "" && !c.lookup.HasEvaluator(sc.Evaluator) {
			c.result.AddError(path+".scoring.evaluator", schema.ErrCodeAgentUnavailable,
				fmt.Sprintf("evaluator %q not registered", sc.Evaluator))
		}
		if sc.Thresholds.Target > 0 && sc.Thresholds.Target < sc.Thresholds.Minimum {
			c.result.AddError(path+".scoring.thresholds", schema.ErrCodeValidation, "target below minimum")
		}
		if sc.OnFailure == schema.OnFailureRetry && sc.RetryLimit == 0 {
			c.result.AddWarning(path+".scoring.retryLimit", schema.ErrCodeValidation,
				"onFailure=retry with retryLimit 0 never re-runs the step")
		}
	}

	if s.State != nil {
		for _, f := range s.State.Set {
			if !c.declared[f] {
				c.result.AddError(path+".state.set", schema.ErrCodeValidation,
					fmt.Sprintf("writes undeclared state field %q", f))
			}
		}
		for _, f := range s.State.Use {
			if !c.declared[f] {
				c.result.AddWarning(path+".state.use", schema.ErrCodeValidation,
					fmt.Sprintf("reads undeclared state field %q", f))
			}
		}
	}
}

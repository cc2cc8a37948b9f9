package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/ensemble/pkg/schema"
)

// validateDependsOn checks the depends_on edges of one sibling list: every
// reference names an agent step in the same list and the graph is acyclic.
// The edges never reorder execution.
func validateDependsOn(steps schema.StepList, path string, result *schema.ValidationResult) {
	names := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.StepName() != "" {
			names[s.StepName()] = true
		}
	}

	edges := make(map[string][]string)
	reverse := make(map[string][]string)
	for i, s := range steps {
		agent, ok := s.(*schema.AgentStep)
		if !ok {
			continue
		}
		seen := map[string]bool{}
		for j, dep := range agent.DependsOn {
			if !names[dep] {
				result.AddError(fmt.Sprintf("%s[%d].depends_on[%d]", path, i, j), schema.ErrCodeValidation,
					fmt.Sprintf("references unknown sibling step %q", dep))
				continue
			}
			if dep == agent.Name {
				result.AddError(fmt.Sprintf("%s[%d].depends_on[%d]", path, i, j), schema.ErrCodeCycleDetected,
					fmt.Sprintf("step %q depends on itself", dep))
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			edges[agent.Name] = append(edges[agent.Name], dep)
			reverse[dep] = append(reverse[dep], agent.Name)
		}
	}
	if len(edges) == 0 {
		return
	}

	// Kahn's algorithm.
	inDegree := make(map[string]int, len(names))
	for n := range names {
		inDegree[n] = len(edges[n])
	}
	queue := make([]string, 0, len(names))
	for n, d := range inDegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range reverse[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(names) {
		var cyclic []string
		for n, d := range inDegree {
			if d > 0 {
				cyclic = append(cyclic, n)
			}
		}
		sort.Strings(cyclic)
		result.AddError(path, schema.ErrCodeCycleDetected,
			fmt.Sprintf("depends_on cycle among steps %v", cyclic))
	}
}

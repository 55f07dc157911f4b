package envsys

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"mvdan.cc/sh/v3/syntax"
)

// Lint statically checks a parsed environment list without running anything. It verifies
// that dependencies only refer to declared environments, that the dependency graph is
// acyclic, that every inline command parses as shell and that passenv and setenv entries
// are well-formed. If knownTools is not nil, every tool reference has to appear in it.
// All problems are collected and returned as a single combined error.
func Lint(envs EnvList, knownTools []string) error {
	var result error

	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	sort.Strings(names)

	var toolSet map[string]bool
	if knownTools != nil {
		toolSet = make(map[string]bool, len(knownTools))
		for _, name := range knownTools {
			toolSet[name] = true
		}
	}

	parser := syntax.NewParser()
	for _, name := range names {
		env := envs[name]

		for _, dep := range env.Deps {
			if _, found := envs[dep]; !found {
				result = multierr.Append(result, eris.Errorf("environment %s depends on %s which is not declared", name, dep))
			}
		}

		for _, tool := range env.Tools {
			if tool == "" {
				result = multierr.Append(result, eris.Errorf("environment %s lists an empty tool name", name))
			} else if toolSet != nil && !toolSet[tool] {
				result = multierr.Append(result, eris.Errorf("environment %s needs tool %s which is not in the tools manifest", name, tool))
			}
		}

		for _, pattern := range env.PassEnv {
			if pattern == "" {
				result = multierr.Append(result, eris.Errorf("environment %s lists an empty passenv pattern", name))
			} else if strings.Contains(pattern, "=") {
				result = multierr.Append(result, eris.Errorf("environment %s passes %s but passenv entries are variable names, not assignments", name, pattern))
			}
		}

		for key := range env.SetEnv {
			if key == "" {
				result = multierr.Append(result, eris.Errorf("environment %s sets a variable with an empty name", name))
			} else if strings.Contains(key, "=") {
				result = multierr.Append(result, eris.Errorf("environment %s sets %s but setenv keys must not contain =", name, key))
			}
		}

		for _, cmd := range env.Cmds {
			script, ok := cmd.(EnvCmdScript)
			if !ok {
				continue
			}

			_, err := script.ToShellStmts(parser)
			if err != nil {
				result = multierr.Append(result, eris.Wrapf(err, "environment %s command #%d does not parse", name, script.Index))
			}
		}
	}

	if cycle := findCycle(envs, names); cycle != nil {
		result = multierr.Append(result, eris.Errorf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	return result
}

// findCycle runs a DFS over the dependency graph in canonical name order and returns a
// single stable cycle witness, or nil if the graph is acyclic. Edges that point at
// undeclared environments are skipped here since they are reported separately.
func findCycle(envs EnvList, names []string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	index := make(map[string]int, len(names))
	for idx, name := range names {
		index[name] = idx
	}

	outgoing := make([][]int, len(names))
	for idx, name := range names {
		env := envs[name]
		targets := make([]string, 0, len(env.Deps))
		targets = append(targets, env.Deps...)
		for _, cmd := range env.Cmds {
			ref, err := cmd.ToEnv()
			if err == nil && ref != nil {
				targets = append(targets, ref.Name)
			}
		}
		sort.Strings(targets)

		for _, target := range targets {
			if targetIdx, found := index[target]; found {
				outgoing[idx] = append(outgoing[idx], targetIdx)
			}
		}
	}

	color := make([]int, len(names))
	parent := make([]int, len(names))
	for idx := range parent {
		parent[idx] = -1
	}

	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// back-edge u -> v, walk the parents back to v for the witness
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for idx := range names {
		if color[idx] != white {
			continue
		}
		if dfs(idx) {
			break
		}
	}

	if len(cycle) == 0 {
		return nil
	}

	result := make([]string, 0, len(cycle))
	for idx := len(cycle) - 1; idx >= 0; idx-- {
		result = append(result, names[cycle[idx]])
	}
	return result
}

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ngld/testenv/pkg/envsys"
)

func TestCollectTools(t *testing.T) {
	t.Parallel()

	helper := &envsys.Env{Name: "auto#gen", Tools: []string{"protoc"}}
	envs := envsys.EnvList{
		"clean": {Name: "clean"},
		"docs":  {Name: "docs", Deps: []string{"notebooks"}, Tools: []string{"pandoc"}},
		"notebooks": {
			Name:  "notebooks",
			Tools: []string{"jupytext", "pandoc"},
			Cmds:  []envsys.EnvCmd{envsys.EnvCmdRef{Env: helper}},
		},
		"other": {Name: "other", Tools: []string{"shellcheck"}},
	}

	assert.Equal(t, []string{"jupytext", "pandoc", "protoc"}, collectTools(envs, []string{"docs"}))
	assert.Empty(t, collectTools(envs, []string{"clean"}))

	// unknown names are ignored, provisioning reports them later if they matter
	assert.Equal(t, []string{"shellcheck"}, collectTools(envs, []string{"other", "missing"}))
}

func TestCollectToolsHiddenRefs(t *testing.T) {
	t.Parallel()

	// named hidden environments never end up in the list, they are only reachable
	// through the refs that embed them
	render := &envsys.Env{Name: "render", Hidden: true, Tools: []string{"pandoc"}}
	prepare := &envsys.Env{
		Name:   "prepare",
		Hidden: true,
		Deps:   []string{"fetch"},
		Tools:  []string{"jupytext"},
		Cmds:   []envsys.EnvCmd{envsys.EnvCmdRef{Env: render}},
	}
	envs := envsys.EnvList{
		"fetch": {Name: "fetch", Tools: []string{"wget"}},
		"docs":  {Name: "docs", Cmds: []envsys.EnvCmd{envsys.EnvCmdRef{Env: prepare}}},
	}

	assert.Equal(t, []string{"jupytext", "pandoc", "wget"}, collectTools(envs, []string{"docs"}))
}

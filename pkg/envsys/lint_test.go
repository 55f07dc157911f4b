package envsys

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLintUndeclaredDependency(t *testing.T) {
	t.Parallel()

	envs := EnvList{
		"a": testEnv("a", ".", []string{"ghost"}, "echo a"),
	}

	err := Lint(envs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment a depends on ghost which is not declared")
}

func TestLintCycleWitness(t *testing.T) {
	t.Parallel()

	envs := EnvList{
		"a": testEnv("a", ".", []string{"b"}, "echo a"),
		"b": testEnv("b", ".", []string{"c"}, "echo b"),
		"c": testEnv("c", ".", []string{"a"}, "echo c"),
	}

	err := Lint(envs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle: a -> b -> c -> a")
}

func TestLintSelfCycle(t *testing.T) {
	t.Parallel()

	envs := EnvList{
		"loop": testEnv("loop", ".", []string{"loop"}, "echo loop"),
	}

	err := Lint(envs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle: loop -> loop")
}

func TestLintMalformedEntries(t *testing.T) {
	t.Parallel()

	env := testEnv("messy", ".", nil, "echo 'unterminated")
	env.PassEnv = []string{"FOO=bar"}
	env.SetEnv = map[string]string{"X=Y": "z"}
	envs := EnvList{"messy": env}

	err := Lint(envs, nil)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Contains(t, err.Error(), "passenv entries are variable names, not assignments")
	assert.Contains(t, err.Error(), "setenv keys must not contain =")
	assert.Contains(t, err.Error(), "command #0 does not parse")
}

func TestLintToolReferences(t *testing.T) {
	t.Parallel()

	env := testEnv("docs", ".", nil, "sphinx-build docs docs/_build")
	env.Tools = []string{"pandoc"}
	envs := EnvList{"docs": env}

	// nil means no manifest is available, so tool names can't be checked
	assert.NoError(t, Lint(envs, nil))

	err := Lint(envs, []string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment docs needs tool pandoc which is not in the tools manifest")

	assert.NoError(t, Lint(envs, []string{"pandoc"}))
}

func TestLintCleanList(t *testing.T) {
	t.Parallel()

	envs := EnvList{
		"dep": testEnv("dep", ".", nil, "echo dep"),
		"top": testEnv("top", ".", []string{"dep"}, "echo top"),
	}

	assert.NoError(t, Lint(envs, nil))
}

func TestLintMatrixScript(t *testing.T) {
	t.Parallel()

	scriptPath := filepath.Join("testdata", "matrix", "envs.star")
	envs, _, err := RunScript(context.Background(), scriptPath, filepath.Dir(scriptPath), nil, true)
	require.NoError(t, err)

	assert.NoError(t, Lint(envs, []string{"pandoc"}))
}

package envsys

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(name, base string, deps []string, cmds ...string) *Env {
	env := &Env{
		Name:   name,
		Base:   base,
		Deps:   deps,
		SetEnv: map[string]string{},
		Cmds:   make([]EnvCmd, 0, len(cmds)),
	}
	for idx, cmd := range cmds {
		env.Cmds = append(env.Cmds, EnvCmdScript{EnvName: name, Content: cmd, Index: idx})
	}
	return env
}

func readLines(t *testing.T, path string) []string {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(content), "\n"), "\n") {
		lines = append(lines, line)
	}
	return lines
}

func reportFor(t *testing.T, reports []RunReport, name string) RunReport {
	t.Helper()

	for _, report := range reports {
		if report.Env == name {
			return report
		}
	}

	t.Fatalf("no report for environment %s in %+v", name, reports)
	return RunReport{}
}

func TestRunEnvsDependencyOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envs := EnvList{
		"dep": testEnv("dep", dir, nil, "echo dep >> order.txt"),
		"top": testEnv("top", dir, []string{"dep"}, "echo top >> order.txt"),
	}

	reports, err := RunEnvs(context.Background(), dir, []string{"top"}, envs, false, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"dep", "top"}, readLines(t, filepath.Join(dir, "order.txt")))
	require.Len(t, reports, 2)
	assert.Equal(t, "dep", reports[0].Env)
	assert.Equal(t, StatusOk, reports[0].Status)
	assert.Equal(t, "top", reports[1].Env)
	assert.Equal(t, StatusOk, reports[1].Status)
}

func TestRunEnvsSharedDependencyRunsOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envs := EnvList{
		"shared": testEnv("shared", dir, nil, "echo shared >> shared.txt"),
		"a":      testEnv("a", dir, []string{"shared"}, "echo a >> shared.txt"),
		"b":      testEnv("b", dir, []string{"shared"}, "echo b >> shared.txt"),
	}

	reports, err := RunEnvs(context.Background(), dir, []string{"a", "b"}, envs, false, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"shared", "a", "b"}, readLines(t, filepath.Join(dir, "shared.txt")))
	assert.Len(t, reports, 3)
}

func TestRunEnvsStopsOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envs := EnvList{
		"bad":   testEnv("bad", dir, nil, "false"),
		"top":   testEnv("top", dir, []string{"bad"}, "echo top > top.txt"),
		"later": testEnv("later", dir, nil, "echo later > later.txt"),
	}

	reports, err := RunEnvs(context.Background(), dir, []string{"top", "later"}, envs, false, false)
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "top.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "later.txt"))

	bad := reportFor(t, reports, "bad")
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, "command false exited with status 1", bad.Reason)

	top := reportFor(t, reports, "top")
	assert.Equal(t, StatusFailed, top.Status)
	assert.Equal(t, "dependency bad failed", top.Reason)
}

func TestRunEnvsSkipIfExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	env := testEnv("build", dir, nil, "echo built >> result.txt")
	env.SkipIfExists = []string{"marker.txt"}
	envs := EnvList{"build": env}

	reports, err := RunEnvs(context.Background(), dir, []string{"build"}, envs, false, false)
	require.NoError(t, err)
	assert.Equal(t, StatusOk, reports[0].Status)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0600))

	reports, err = RunEnvs(context.Background(), dir, []string{"build"}, envs, false, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, StatusSkipped, reports[0].Status)
	assert.Equal(t, "all skip files exist", reports[0].Reason)
	assert.Equal(t, []string{"built"}, readLines(t, filepath.Join(dir, "result.txt")))

	// force overrides the skip list
	reports, err = RunEnvs(context.Background(), dir, []string{"build"}, envs, false, true)
	require.NoError(t, err)
	assert.Equal(t, StatusOk, reports[0].Status)
	assert.Equal(t, []string{"built", "built"}, readLines(t, filepath.Join(dir, "result.txt")))
}

func TestRunEnvsInputsOutputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := filepath.Join(dir, "in.txt")
	output := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(input, []byte("in"), 0600))
	require.NoError(t, os.WriteFile(output, []byte("out"), 0600))

	env := testEnv("gen", dir, nil, "echo fresh > out.txt")
	env.Inputs = []string{"in.txt"}
	env.Outputs = []string{"out.txt"}
	envs := EnvList{"gen": env}

	now := time.Now()
	require.NoError(t, os.Chtimes(input, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(output, now.Add(-time.Hour), now.Add(-time.Hour)))

	reports, err := RunEnvs(context.Background(), dir, []string{"gen"}, envs, false, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, StatusSkipped, reports[0].Status)
	assert.Equal(t, "outputs are newer than inputs", reports[0].Reason)

	require.NoError(t, os.Chtimes(input, now, now))

	reports, err = RunEnvs(context.Background(), dir, []string{"gen"}, envs, false, false)
	require.NoError(t, err)
	assert.Equal(t, StatusOk, reports[0].Status)
	assert.Equal(t, []string{"fresh"}, readLines(t, output))
}

func TestRunEnvsDryRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envs := EnvList{
		"dep": testEnv("dep", dir, nil, "echo dep > dep.txt"),
		"top": testEnv("top", dir, []string{"dep"}, "echo top > top.txt"),
	}

	reports, err := RunEnvs(context.Background(), dir, []string{"top"}, envs, true, false)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "dep.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "top.txt"))
	require.Len(t, reports, 2)
	assert.Equal(t, StatusDry, reports[0].Status)
	assert.Equal(t, StatusDry, reports[1].Status)
}

func TestRunEnvsDetectsRecursion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envs := EnvList{
		"a": testEnv("a", dir, []string{"b"}, "echo a"),
		"b": testEnv("b", dir, []string{"a"}, "echo b"),
	}

	_, err := RunEnvs(context.Background(), dir, []string{"a"}, envs, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "was called recursively")
}

func TestRunEnvsEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TESTENV_RUNNER_SECRET", "hush")

	env := testEnv("probe", dir, nil,
		"echo secret=$TESTENV_RUNNER_SECRET >> env.txt",
		"echo marker=$MARKER >> env.txt",
	)
	env.SetEnv = map[string]string{"MARKER": "yes"}
	envs := EnvList{"probe": env}

	_, err := RunEnvs(context.Background(), dir, []string{"probe"}, envs, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"secret=", "marker=yes"}, readLines(t, filepath.Join(dir, "env.txt")))

	require.NoError(t, os.Remove(filepath.Join(dir, "env.txt")))
	env.PassEnv = []string{"TESTENV_RUNNER_SECRET"}

	_, err = RunEnvs(context.Background(), dir, []string{"probe"}, envs, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"secret=hush", "marker=yes"}, readLines(t, filepath.Join(dir, "env.txt")))
}

func TestRunEnvsNestedEnvironment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	helper := testEnv("auto#helper", dir, nil, "echo helper >> nested.txt")
	helper.Hidden = true

	top := testEnv("top", dir, nil, "echo top >> nested.txt")
	top.Cmds = append([]EnvCmd{EnvCmdRef{Env: helper}}, top.Cmds...)

	envs := EnvList{"top": top}

	reports, err := RunEnvs(context.Background(), dir, []string{"top"}, envs, false, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"helper", "top"}, readLines(t, filepath.Join(dir, "nested.txt")))
	require.Len(t, reports, 2)
	assert.Equal(t, "auto#helper", reports[0].Env)
	assert.Equal(t, "top", reports[1].Env)
}

func TestRunEnvsUnknownEnvironment(t *testing.T) {
	t.Parallel()

	_, err := RunEnvs(context.Background(), t.TempDir(), []string{"nope"}, EnvList{}, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment nope not found")
}

func TestRunEnvsExplicitExit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envs := EnvList{
		"early": testEnv("early", dir, nil,
			"echo one > one.txt",
			"exit 0",
			"echo two > two.txt",
		),
		"broken": testEnv("broken", dir, nil, "exit 3"),
	}

	reports, err := RunEnvs(context.Background(), dir, []string{"early"}, envs, false, false)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "one.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "two.txt"))
	assert.Equal(t, StatusOk, reports[0].Status)

	reports, err = RunEnvs(context.Background(), dir, []string{"broken"}, envs, false, false)
	require.Error(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, StatusFailed, reports[0].Status)
	assert.Equal(t, "command exit 3 exited with status 3", reports[0].Reason)
}

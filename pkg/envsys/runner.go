package envsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// RunStatus describes the outcome of a single environment
type RunStatus string

const (
	StatusOk      RunStatus = "ok"
	StatusFailed  RunStatus = "failed"
	StatusSkipped RunStatus = "skipped"
	StatusDry     RunStatus = "dry"
)

// RunReport records the outcome of one environment during a run
type RunReport struct {
	Env      string
	Status   RunStatus
	Reason   string
	Started  time.Time
	Duration time.Duration
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runEnvs     map[string]bool
		projectRoot string
		toolsDir    string
		reports     []RunReport
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

func (rctx *runtimeCtx) report(name string, status RunStatus, started time.Time, reason string) {
	rctx.reports = append(rctx.reports, RunReport{
		Env:      name,
		Status:   status,
		Reason:   reason,
		Started:  started,
		Duration: time.Since(started).Round(time.Millisecond),
	})
}

func getEnvEnviron(rctx *runtimeCtx, env *Env) expand.Environ {
	vars := passEnviron(env)
	if len(env.Tools) > 0 {
		vars = prependEnvPath(vars, rctx.toolsDir)
	}

	return expand.ListEnviron(vars...)
}

func prependEnvPath(vars []string, dir string) []string {
	for idx, item := range vars {
		if strings.HasPrefix(item, "PATH=") {
			vars[idx] = "PATH=" + dir + string(os.PathListSeparator) + item[len("PATH="):]
			return vars
		}
	}

	return append(vars, "PATH="+dir)
}

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv", "rm", "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			self, err := os.Executable()
			if err != nil {
				self = "testenv"
			}

			args = append([]string{self}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func resolvePatternLists(ctx context.Context, base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	parserCtx := &parserCtx{
		filepath:    "invalid",
		projectRoot: getRuntimeCtx(ctx).projectRoot,
	}

	for _, item := range patterns {
		item = normalizePath(parserCtx, base, item)
		item = filepath.ToSlash(item)

		words := make([]*syntax.Word, 0)
		parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// If a pattern didn't match anything, it's returned as a result. Skip those results.
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// RunEnv executes a single environment and everything it depends on.
func RunEnv(ctx context.Context, projectRoot, name string, envs EnvList, dryRun, force bool) ([]RunReport, error) {
	return RunEnvs(ctx, projectRoot, []string{name}, envs, dryRun, force)
}

// RunEnvs executes the given environments in order. Dependencies always run before the
// environment that declared them and no environment runs more than once per call, even
// if several of the requested environments depend on it. The returned reports contain
// one entry for every environment that was visited, in completion order. Execution
// stops at the first failure.
func RunEnvs(ctx context.Context, projectRoot string, names []string, envs EnvList, dryRun, force bool) ([]RunReport, error) {
	rctx := runtimeCtx{
		projectRoot: projectRoot,
		toolsDir:    filepath.Join(projectRoot, ".tools", "bin"),
		runEnvs:     make(map[string]bool),
	}

	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)

	for _, name := range names {
		env, found := envs[name]
		if !found {
			return rctx.reports, eris.Errorf("environment %s not found", name)
		}

		err := runEnvInternal(ctx, env, envs, dryRun, force, true)
		if err != nil {
			return rctx.reports, err
		}
	}

	return rctx.reports, nil
}

func runEnvInternal(ctx context.Context, env *Env, envs EnvList, dryRun, force, canSkip bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, ok := rctx.runEnvs[env.Name]
	if ok {
		if status {
			// this environment has already run
			log(ctx).Debug().Msgf("environment %s already run", env.Name)
			return nil
		}

		return eris.Errorf("environment %s was called recursively", env.Name)
	}

	rctx.runEnvs[env.Name] = false
	started := time.Now()

	for _, dep := range env.Deps {
		if !rctx.runEnvs[dep] {
			depEnv, ok := envs[dep]
			if !ok {
				rctx.report(env.Name, StatusFailed, started, "dependency "+dep+" not found")
				return eris.Errorf("environment %s not found", dep)
			}

			err := runEnvInternal(ctx, depEnv, envs, dryRun, false, true)
			if err != nil {
				rctx.report(env.Name, StatusFailed, started, "dependency "+dep+" failed")
				return eris.Wrapf(err, "environment %s failed due to its dependency %s", env.Name, dep)
			}
		}
	}

	if canSkip && !force {
		skipList, err := resolvePatternLists(ctx, env.Base, env.SkipIfExists)
		if err != nil {
			return eris.Wrap(err, "failed to resolve skip_if_exists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			log(ctx).Info().
				Str("env", env.Name).
				Msg("skipped because all skip files exist")

			rctx.runEnvs[env.Name] = true
			rctx.report(env.Name, StatusSkipped, started, "all skip files exist")
			return nil
		}
	}

	if !force {
		var newestInput time.Time
		inputList, err := resolvePatternLists(ctx, env.Base, env.Inputs)
		if err != nil {
			return eris.Wrap(err, "failed to resolve inputs")
		}

		outputList, err := resolvePatternLists(ctx, env.Base, env.Outputs)
		if err != nil {
			return eris.Wrap(err, "failed to resolve output list")
		}

		for _, item := range inputList {
			info, err := os.Stat(item)
			if err != nil {
				return eris.Wrapf(err, "failed to check input %s", item)
			}

			if info.ModTime().Sub(newestInput) > 0 {
				newestInput = info.ModTime()
			}
		}

		if !newestInput.IsZero() {
			var newestOutput time.Time
			oldestOutput := time.Now()

			for _, item := range outputList {
				info, err := os.Stat(item)
				if err != nil && !eris.Is(err, os.ErrNotExist) {
					return eris.Wrapf(err, "failed to check output %s", item)
				}

				if err == nil {
					mt := info.ModTime()
					if mt.Sub(newestOutput) > 0 {
						newestOutput = mt
					}

					if oldestOutput.Sub(mt) > 0 {
						oldestOutput = mt
					}
				}
			}

			if newestOutput.Sub(oldestOutput) > 10*time.Minute {
				log(ctx).Warn().
					Str("env", env.Name).
					Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
			}

			if newestOutput.Sub(newestInput) > 0 {
				log(ctx).Info().
					Str("env", env.Name).
					Msgf("nothing to do (output is %f seconds newer)", newestOutput.Sub(newestInput).Seconds())

				rctx.runEnvs[env.Name] = true
				rctx.report(env.Name, StatusSkipped, started, "outputs are newer than inputs")
				return nil
			}
		}
	}

	// With the skip and input/output checks done, we can finally start executing
	runner, err := interp.New(
		interp.Dir(env.Base),
		interp.Env(getEnvEnviron(rctx, env)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}

	for _, item := range env.Cmds {
		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			rctx.report(env.Name, StatusFailed, started, err.Error())
			return eris.Wrap(err, "failed to parse shell script")
		}
		if stmts != nil {
			for _, stm := range stmts {
				strBuffer.Reset()
				printer.Print(&strBuffer, stm)
				log(ctx).Info().
					Str("env", env.Name).
					Bool("command", true).
					Msg(strBuffer.String())

				if !dryRun {
					err = runner.Run(ctx, stm)
					if err != nil {
						reason := "command failed"
						if code, isExit := interp.IsExitStatus(err); isExit {
							reason = fmt.Sprintf("command %s exited with status %d", strBuffer.String(), code)
						}

						rctx.runEnvs[env.Name] = true
						rctx.report(env.Name, StatusFailed, started, reason)
						return eris.Wrapf(err, "environment %s failed", env.Name)
					}

					if runner.Exited() {
						rctx.runEnvs[env.Name] = true
						rctx.report(env.Name, StatusOk, started, "")
						return nil
					}
				}
			}
		} else {
			subEnv, err := item.ToEnv()
			if err != nil {
				return eris.Wrap(err, "failed to retrieve environment ref")
			}

			if subEnv != nil {
				err = runEnvInternal(ctx, subEnv, envs, dryRun, force, true)
				if err != nil {
					rctx.report(env.Name, StatusFailed, started, "nested environment "+subEnv.Name+" failed")
					return err
				}
			} else {
				return eris.Errorf("unexpected environment command %+v", item)
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	rctx.runEnvs[env.Name] = true
	if dryRun {
		rctx.report(env.Name, StatusDry, started, "")
	} else {
		rctx.report(env.Name, StatusOk, started, "")
	}
	return nil
}

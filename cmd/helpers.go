package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ngld/testenv/pkg"
	"github.com/ngld/testenv/pkg/envsys"
)

// findProject locates the configuration script, starting in the working directory and
// walking up. It returns the script path and the directory containing it.
func findProject() (string, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", "", eris.Wrap(err, "failed to retrieve the current working directory")
	}

	return pkg.FindScript(wd, cfg.Script)
}

func stateDirFor(projectRoot string) string {
	if filepath.IsAbs(cfg.StateDir) {
		return cfg.StateDir
	}

	return filepath.Join(projectRoot, cfg.StateDir)
}

// loadEnvs parses the configuration script and returns the declared environments. Parse
// results are cached below the state dir together with the option values they were
// parsed with, so a later invocation without options picks up the pinned values. The
// cache is only used while it's newer than the script itself.
func loadEnvs(ctx context.Context, scriptPath, projectRoot string, options map[string]string, noCache bool) (envsys.EnvList, error) {
	stateDir := stateDirFor(projectRoot)
	cachePath := filepath.Join(stateDir, "envcache.gob")

	if !noCache && len(options) == 0 {
		cacheInfo, err := os.Stat(cachePath)
		if err == nil {
			scriptInfo, err := os.Stat(scriptPath)
			if err == nil && cacheInfo.ModTime().After(scriptInfo.ModTime()) {
				_, envs, err := envsys.ReadCache(cachePath)
				if err == nil {
					return envs, nil
				}

				logger.Debug().Err(err).Msg("ignoring stale environment cache")
			}
		}
	}

	envs, _, err := envsys.RunScript(ctx, scriptPath, projectRoot, options, true)
	if err != nil {
		return nil, err
	}

	if !noCache {
		err = os.MkdirAll(stateDir, os.FileMode(0770))
		if err == nil {
			err = envsys.WriteCache(cachePath, options, envs)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("failed to write environment cache")
		}
	}

	return envs, nil
}

// collectTools gathers the tools needed by the given environments and everything they
// depend on, sorted and without duplicates. Referenced environments are followed
// through their pointers since hidden ones aren't necessarily part of the list.
func collectTools(envs envsys.EnvList, names []string) []string {
	seen := map[string]bool{}
	tools := map[string]bool{}

	var visit func(env *envsys.Env)
	visit = func(env *envsys.Env) {
		if env == nil || seen[env.Name] {
			return
		}
		seen[env.Name] = true

		for _, tool := range env.Tools {
			tools[tool] = true
		}
		for _, dep := range env.Deps {
			visit(envs[dep])
		}
		for _, cmd := range env.Cmds {
			ref, err := cmd.ToEnv()
			if err == nil && ref != nil {
				visit(ref)
			}
		}
	}

	for _, name := range names {
		visit(envs[name])
	}

	result := make([]string, 0, len(tools))
	for tool := range tools {
		result = append(result, tool)
	}
	sort.Strings(result)
	return result
}

// printEnvList prints the visible environments in a sorted, aligned table
func printEnvList(envs envsys.EnvList, all bool) {
	maxNameLen := 0
	sortedNames := make([]string, 0, len(envs))
	for _, env := range envs {
		if env.Hidden && !all {
			continue
		}

		if len(env.Name) > maxNameLen {
			maxNameLen = len(env.Name)
		}

		sortedNames = append(sortedNames, env.Name)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		desc := envs[name].Desc
		if desc == "" && len(envs[name].Deps) > 0 {
			desc = "depends on " + strings.Join(envs[name].Deps, ", ")
		}

		fmt.Printf(lineFmt, name+":", desc)
	}
}

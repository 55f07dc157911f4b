// Package envsys implements a small test-environment orchestrator based on Starlark
// for the environment specification and mvdan.cc/sh for the shell runtime.
// Environments are named sets of dependencies and commands; the runner executes an
// environment's dependencies first, builds a restricted subprocess environment from
// the declared passenv/setenv values and then runs the commands sequentially,
// stopping at the first failure.
package envsys

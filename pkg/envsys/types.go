package envsys

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

type EnvCmdScript struct {
	EnvName string
	Content string
	Index   int
}

func (s EnvCmdScript) ToEnv() (*Env, error) {
	return nil, nil
}

func (s EnvCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.EnvName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

type EnvCmdRef struct {
	Env *Env
}

func (r EnvCmdRef) ToEnv() (*Env, error) {
	return r.Env, nil
}

func (r EnvCmdRef) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

type EnvCmd interface {
	ToEnv() (*Env, error)
	ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error)
}

// Env contains the processed values passed to environment() by the config script
type Env struct {
	// SetEnv holds variables that are set for every command of this environment,
	// on top of whatever PassEnv lets through from the host.
	SetEnv map[string]string
	Name   string
	Desc   string
	Base   string
	// Deps lists other environments that have to finish before this one starts.
	Deps []string
	// Tools lists entries from the tools manifest that have to be provisioned
	// before this environment can run.
	Tools []string
	// PassEnv lists host environment variables (glob patterns allowed) that
	// commands may see in addition to the builtin defaults.
	PassEnv      []string
	SkipIfExists []string
	Inputs       []string
	Outputs      []string
	Cmds         []EnvCmd
	Hidden       bool
}

// EnvList maps environment names to their definitions
type EnvList map[string]*Env

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Env

// String returns a string representation of the environment
func (e *Env) String() string {
	return fmt.Sprintf("<Env %s: %s>", e.Name, e.Desc)
}

// Type always returns "environment" to indicate this type
func (e *Env) Type() string {
	return "environment"
}

// Freeze doesn't do anything since environments are immutable anyway
func (e *Env) Freeze() {}

// Truth always returns true since an environment can't be nil or None
func (e *Env) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since environments aren't hashable
func (e *Env) Hash() (uint32, error) {
	return 0, eris.New("environment is not a hashable type")
}

type ScriptPath string

func (p ScriptPath) String() string {
	return starlark.String(p).String()
}

func (p ScriptPath) Type() string {
	return "path"
}

func (p ScriptPath) Freeze() {}

func (p ScriptPath) Truth() starlark.Bool {
	return p != ""
}

func (p ScriptPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p ScriptPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(ScriptPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p ScriptPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p ScriptPath) Len() int {
	return len(p)
}

func (p ScriptPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}

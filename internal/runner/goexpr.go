package runner

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"kiln/internal/graph"
)

// GoExprRunner interprets unit bodies as Go source with yaegi instead of
// shelling out. The body must define:
//
//	func Run(inputs map[string][]byte) ([]byte, error)
//
// where inputs holds the upstream artifacts keyed by unit ID.
//
// Interpretation avoids a compile step entirely, and the interpreter is
// restricted to an allowlist of side-effect-free stdlib packages so a body
// cannot reach the filesystem, the network, or subprocesses behind the
// fingerprint's back.
type GoExprRunner struct {
	allowedImports map[string]bool
}

// NewGoExprRunner creates a GoExprRunner with the default import allowlist.
func NewGoExprRunner() *GoExprRunner {
	return &GoExprRunner{
		allowedImports: map[string]bool{
			"bytes":           true,
			"encoding/base64": true,
			"encoding/csv":    true,
			"encoding/hex":    true,
			"encoding/json":   true,
			"errors":          true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"sort":            true,
			"strconv":         true,
			"strings":         true,
			"unicode":         true,

			// Blocked: os, os/exec, net, net/http, io/ioutil, syscall,
			// unsafe, time (wall clock would break determinism).
		},
	}
}

func (r *GoExprRunner) Kind() graph.RunnerKind { return graph.RunnerGoExpr }

func (r *GoExprRunner) Run(ctx context.Context, u *graph.Unit, inputs map[string][]byte) ([]byte, error) {
	if strings.TrimSpace(u.Body) == "" {
		return nil, fmt.Errorf("%w: unit %q has an empty body", graph.ErrMalformedUnit, u.ID)
	}

	src := wrapBody(u.Body)
	if err := r.validateImports(src); err != nil {
		return nil, fmt.Errorf("%w: unit %q: %v", ErrExecution, u.ID, err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading interpreter symbols: %w", err)
	}

	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("%w: unit %q: evaluating body: %v", ErrExecution, u.ID, err)
	}

	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("%w: unit %q: body does not define Run: %v", ErrExecution, u.ID, err)
	}
	run, ok := v.Interface().(func(map[string][]byte) ([]byte, error))
	if !ok {
		return nil, fmt.Errorf("%w: unit %q: Run must be func(map[string][]byte) ([]byte, error)", ErrExecution, u.ID)
	}

	// Pass copies: interpreted code must not mutate cached artifacts.
	args := make(map[string][]byte, len(inputs))
	for id, b := range inputs {
		args[id] = append([]byte(nil), b...)
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := run(args)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		// The interpreter goroutine is abandoned; its result is discarded.
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: unit %q: %v", ErrExecution, u.ID, res.err)
		}
		return res.out, nil
	}
}

// wrapBody prepends a package clause when the body is a bare function.
func wrapBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "package ") {
		return body
	}
	return "package main\n\n" + body
}

// validateImports parses the body and rejects imports outside the allowlist.
func (r *GoExprRunner) validateImports(src string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "body.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parsing body: %v", err)
	}
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("bad import %s", imp.Path.Value)
		}
		if !r.allowedImports[path] {
			return fmt.Errorf("import %q is not permitted in unit bodies", path)
		}
	}
	return nil
}

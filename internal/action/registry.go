// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Result is the outcome of an invocation, persisted verbatim in the log.
type Result = store.ActionResult

// Definition is the catalogue entry the oracle sees for an action.
type Definition struct {
	Name        string
	Description string
	Schema      *Schema
	// Timeout is used when the caller passes no timeout.
	Timeout time.Duration
}

// Executor runs an action with validated arguments. A returned error is
// reported as a failed result; executors never need to set Duration.
type Executor interface {
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, args map[string]any) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return f(ctx, args)
}

type entry struct {
	def  Definition
	exec Executor
}

// Registry is the catalogue of invocable actions. It is safe for concurrent
// use and never retries an invocation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds an action. Names must be unique and schemas must describe
// an object.
func (r *Registry) Register(def Definition, exec Executor) error {
	if def.Name == "" || exec == nil {
		return nderr.New(nderr.CodeActionDefinitionInvalid, "action name and executor are required")
	}
	if def.Schema == nil {
		def.Schema = &Schema{Type: TypeObject}
	}
	if def.Schema.Type != TypeObject {
		return nderr.New(nderr.CodeActionDefinitionInvalid,
			fmt.Sprintf("action %q: schema must describe an object", def.Name), nderr.FieldAction(def.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Name]; ok {
		return nderr.New(nderr.CodeActionRegisterConflict,
			fmt.Sprintf("action %q already registered", def.Name), nderr.FieldAction(def.Name))
	}
	r.entries[def.Name] = &entry{def: def, exec: exec}
	return nil
}

// Lookup returns the definition of name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Catalogue returns all definitions sorted by name.
func (r *Registry) Catalogue() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	defs := r.Catalogue()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Invoke runs name with args. It always returns a Result: unknown names,
// invalid arguments and timeouts are reported through ErrorKind rather than
// as Go errors so the caller can feed them back to the oracle. A timeout of
// zero falls back to the definition's timeout.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	start := time.Now()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{
			ErrorOutput: fmt.Sprintf("action %q not found; available actions: %s", name, strings.Join(r.Names(), ", ")),
			ErrorKind:   store.FailureActionNotFound,
			Duration:    time.Since(start),
		}
	}

	if err := e.def.Schema.Validate(args); err != nil {
		return Result{
			ErrorOutput: err.Error(),
			ErrorKind:   store.FailureValidation,
			Duration:    time.Since(start),
		}
	}

	if timeout <= 0 {
		timeout = e.def.Timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := r.run(execCtx, e, args)
	result.Duration = time.Since(start)

	if execCtx.Err() != nil && !result.Success {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.ErrorKind = store.FailureActionTimeout
			if result.ErrorOutput == "" {
				result.ErrorOutput = fmt.Sprintf("action %q timed out after %s", name, timeout)
			}
		}
	}

	r.logger.Debug("action invoked",
		slog.String("action", name),
		slog.Bool("success", result.Success),
		slog.Duration("duration", result.Duration),
		slog.String("error_kind", string(result.ErrorKind)),
	)
	return result
}

// run executes on a separate goroutine so an executor that ignores its
// context cannot outlive the deadline.
func (r *Registry) run(ctx context.Context, e *entry, args map[string]any) Result {
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: nderr.Errorf(nderr.CodeActionInvokeFailure, "action %q panicked: %v", e.def.Name, p)}
			}
		}()
		res, err := e.exec.Execute(ctx, store.CloneArgs(args))
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			o.res.Success = false
			if o.res.ErrorOutput == "" {
				o.res.ErrorOutput = o.err.Error()
			}
		}
		return o.res
	case <-ctx.Done():
		return Result{ErrorOutput: fmt.Sprintf("action %q: %v", e.def.Name, ctx.Err())}
	}
}

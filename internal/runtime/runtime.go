// Package runtime executes workflow source inside a worker process. Each
// execution gets a fresh interpreter whose import lookups go through the
// virtual resolver's pinned filesystem, so workflow code imports published
// modules without any files existing on disk.
package runtime

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/resolver"
)

// DefaultEntryFunc is invoked when the execution does not name one.
const DefaultEntryFunc = "Run"

// Runner evaluates workflow entry modules and invokes their entry
// function. A workflow failure (including an import miss) is an execution
// outcome, never a worker fault; the worker stays healthy and returns to
// idle after reporting it.
type Runner struct {
	logger *zap.Logger
	res    *resolver.Resolver
}

// New creates a runner over an installed resolver.
func New(res *resolver.Resolver, logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger.Named("runtime"),
		res:    res,
	}
}

// Run executes one workflow invocation and always produces a terminal
// result. The returned error is reserved for infrastructure problems
// (resolver not installed); workflow errors land in the result as a
// failed outcome.
func (r *Runner) Run(ctx context.Context, exec *model.Execution) (*model.ExecutionResult, error) {
	started := time.Now()
	fsys, err := r.res.FS()
	if err != nil {
		return nil, fmt.Errorf("source filesystem unavailable: %w", err)
	}

	result := &model.ExecutionResult{
		ExecutionID: exec.ID,
		StartedAt:   started,
	}
	fail := func(err error) *model.ExecutionResult {
		now := time.Now()
		result.Outcome = model.OutcomeFailed
		result.Error = err.Error()
		result.CompletedAt = &now
		return result
	}

	i := interp.New(interp.Options{
		GoPath:               r.res.VirtualRoot(),
		SourcecodeFilesystem: fsys,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	entryPath := r.res.FileLocation(exec.EntryModule)
	if _, err := i.EvalPathWithContext(ctx, entryPath); err != nil {
		r.logger.Debug("Workflow evaluation failed",
			zap.String("execution_id", exec.ID),
			zap.String("entry", entryPath),
			zap.Error(err))
		return fail(err), nil
	}

	entryFunc := exec.EntryFunc
	if entryFunc == "" {
		entryFunc = DefaultEntryFunc
	}
	fnValue, err := i.Eval(entryFunc)
	if err != nil {
		return fail(fmt.Errorf("entry function %s: %w", entryFunc, err)), nil
	}

	out, err := invokeEntry(fnValue, exec.Payload)
	now := time.Now()
	result.CompletedAt = &now
	if err != nil {
		result.Outcome = model.OutcomeFailed
		result.Error = err.Error()
		return result, nil
	}

	result.Outcome = model.OutcomeCompleted
	result.Result = out
	return result, nil
}

// invokeEntry calls the workflow entry function via reflection. Accepted
// shapes: func() error, func([]byte) ([]byte, error), func([]byte)
// (string, error), and the no-error variants of each.
func invokeEntry(value reflect.Value, payload []byte) ([]byte, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("entry is not a function")
	}

	fnType := value.Type()
	var args []reflect.Value
	switch fnType.NumIn() {
	case 0:
	case 1:
		in := fnType.In(0)
		if in.Kind() != reflect.Slice || in.Elem().Kind() != reflect.Uint8 {
			return nil, fmt.Errorf("entry parameter must be []byte, got %s", in)
		}
		args = append(args, reflect.ValueOf(payload))
	default:
		return nil, fmt.Errorf("entry must take at most one []byte parameter")
	}

	results := value.Call(args)
	if len(results) > 2 {
		return nil, fmt.Errorf("entry must return at most two values")
	}

	var out []byte
	for _, res := range results {
		switch v := res.Interface().(type) {
		case nil:
		case []byte:
			out = v
		case string:
			out = []byte(v)
		case error:
			if v != nil {
				return nil, v
			}
		default:
			return nil, fmt.Errorf("unsupported entry return type %s", res.Type())
		}
	}
	return out, nil
}

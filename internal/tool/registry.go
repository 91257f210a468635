// Package tool implements the capability registry for the execution
// engine. Tools are named, schema-validated capabilities backed by
// external collaborators; the registry validates input and times the
// call, and has no side effects of its own.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ErrUnknownTool is returned by Invoke for a name that was never
// registered. Callers treat this as a protocol violation, not a
// retryable failure.
var ErrUnknownTool = errors.New("tool: unknown tool")

// ValidationError reports tool input that failed schema validation.
type ValidationError struct {
	Tool   string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid input: %s", e.Tool, strings.Join(e.Causes, "; "))
}

// transientError marks a handler failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps a handler error to mark it as retryable (timeouts,
// rate limits, network failures). Collaborators decide what is
// transient; the engine's retry policy only checks the mark.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err carries the transient mark or is a
// deadline expiry.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrorPolicy controls what the orchestrator does when a tool fails
// permanently (after the retry budget is spent).
type ErrorPolicy string

const (
	// OnErrorSkip records a failed step and lets the loop continue.
	OnErrorSkip ErrorPolicy = "skip"
	// OnErrorFail fails the whole execution.
	OnErrorFail ErrorPolicy = "fail"
	// OnErrorEscalate hands the execution to a human reviewer.
	OnErrorEscalate ErrorPolicy = "escalate"
)

// Output is what a handler returns on success.
type Output struct {
	Data       json.RawMessage
	TokensUsed int64
}

// Handler executes one tool call against its external collaborator.
type Handler func(ctx context.Context, input json.RawMessage) (Output, error)

// DefaultTimeout bounds tool calls whose definition leaves Timeout unset.
const DefaultTimeout = 60 * time.Second

// Definition describes one registered capability. Registered once at
// construction time and read-only afterwards.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage // JSON Schema document for the input.
	Handler     Handler
	OnError     ErrorPolicy   // defaults to escalate
	Timeout     time.Duration // defaults to DefaultTimeout
}

// Result captures one tool invocation for the step log.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	TokensUsed int64           `json:"tokens_used"`
	DurationMs int64           `json:"duration_ms"`
}

// CatalogEntry is the tool description handed to the decision client.
type CatalogEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type registered struct {
	def    Definition
	schema *gojsonschema.Schema
}

// Registry stores tool definitions by name. Construction fails fast on
// duplicate or malformed registrations so misconfiguration surfaces at
// startup, not mid-execution.
type Registry struct {
	tools map[string]registered
	order []string
}

// New compiles and registers the given definitions.
func New(defs ...Definition) (*Registry, error) {
	r := &Registry{tools: make(map[string]registered, len(defs))}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("tool: definition with empty name")
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("tool %s: nil handler", def.Name)
		}
		if _, exists := r.tools[def.Name]; exists {
			return nil, fmt.Errorf("tool %s: duplicate registration", def.Name)
		}
		if len(def.InputSchema) == 0 {
			return nil, fmt.Errorf("tool %s: missing input schema", def.Name)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile input schema: %w", def.Name, err)
		}
		if def.OnError == "" {
			def.OnError = OnErrorEscalate
		}
		if def.Timeout <= 0 {
			def.Timeout = DefaultTimeout
		}
		r.tools[def.Name] = registered{def: def, schema: schema}
		r.order = append(r.order, def.Name)
	}
	return r, nil
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Get returns the definition for a registered tool.
func (r *Registry) Get(name string) (Definition, bool) {
	reg, ok := r.tools[name]
	return reg.def, ok
}

// Catalog returns all registered tools in registration order.
func (r *Registry) Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].def
		out = append(out, CatalogEntry{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return out
}

// Invoke validates rawInput against the tool's schema and calls the
// handler under the tool's timeout. The returned Result always carries
// timing; on handler failure both the failed Result and the error are
// returned so the caller can classify and log the attempt.
func (r *Registry) Invoke(ctx context.Context, name string, rawInput json.RawMessage) (Result, error) {
	reg, ok := r.tools[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if len(rawInput) == 0 {
		rawInput = json.RawMessage(`{}`)
	}
	validation, err := reg.schema.Validate(gojsonschema.NewBytesLoader(rawInput))
	if err != nil {
		return Result{}, &ValidationError{Tool: name, Causes: []string{fmt.Sprintf("unparseable input: %v", err)}}
	}
	if !validation.Valid() {
		causes := make([]string, 0, len(validation.Errors()))
		for _, ve := range validation.Errors() {
			causes = append(causes, ve.String())
		}
		return Result{}, &ValidationError{Tool: name, Causes: causes}
	}

	callCtx, cancel := context.WithTimeout(ctx, reg.def.Timeout)
	defer cancel()

	start := time.Now()
	out, err := reg.def.Handler(callCtx, rawInput)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		// Map the handler's deadline expiry onto the tool's timeout so
		// the engine sees a transient failure, not a dead context.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = Transient(fmt.Errorf("tool %s: timed out after %s", name, reg.def.Timeout))
		}
		return Result{
			Success:    false,
			Error:      err.Error(),
			TokensUsed: out.TokensUsed,
			DurationMs: elapsed,
		}, err
	}

	return Result{
		Success:    true,
		Data:       out.Data,
		TokensUsed: out.TokensUsed,
		DurationMs: elapsed,
	}, nil
}

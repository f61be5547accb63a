package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sanavoice/sana/pkg/errorsx"
	"github.com/sanavoice/sana/pkg/llm"
)

// Handler executes one tool call. The returned string is the payload relayed
// back to the reasoning model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Definition is one registered tool: its declaration to the model plus the
// handler behind it. Schema follows the JSON-schema object shape the
// reasoning providers expect.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
}

// Result is the outcome of one invocation. A failed invocation still produces
// a payload describing the failure so the model can recover conversationally.
type Result struct {
	OK      bool
	Payload string
	Err     error
}

// Registry holds the tools available to one session. It is not safe for
// concurrent registration; register everything before the session starts.
type Registry struct {
	defs   map[string]Definition
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{defs: make(map[string]Definition), logger: logger}
}

// Register adds a tool, replacing any previous definition with the same name.
func (r *Registry) Register(def Definition) {
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
}

// Declarations projects the registered tools into the shape handed to the
// reasoning adapter, in registration order.
func (r *Registry) Declarations() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		def := r.defs[name]
		out = append(out, llm.Tool{Name: def.Name, Description: def.Description, Schema: def.Schema})
	}
	return out
}

// Names lists registered tool names sorted for stable logging.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Invoke validates arguments against the tool's schema and runs the handler.
// Handler panics are contained here so a misbehaving tool cannot take down
// the session loop. Arguments not declared in the schema are dropped with a
// debug log rather than rejected.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result Result) {
	def, ok := r.defs[name]
	if !ok {
		err := errorsx.Wrap(fmt.Errorf("unknown tool %q", name), errorsx.ReasonToolUnknown)
		return Result{OK: false, Payload: "That capability is not available.", Err: err}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := errorsx.Wrap(fmt.Errorf("tool %q panicked: %v", name, rec), errorsx.ReasonUnknown)
			r.logger.Error("tool_panic", "tool", name, "panic", rec)
			result = Result{OK: false, Payload: "Something went wrong handling that request.", Err: err}
		}
	}()

	clean, err := ValidateArgs(def.Schema, args, r.logger.With("tool", name))
	if err != nil {
		return Result{OK: false, Payload: err.Error(), Err: errorsx.Wrap(err, errorsx.ReasonToolValidation)}
	}

	payload, err := def.Handler(ctx, clean)
	if err != nil {
		if ctx.Err() != nil {
			err = errorsx.Wrap(err, errorsx.ReasonToolTimeout)
		}
		return Result{OK: false, Payload: payload, Err: err}
	}
	return Result{OK: true, Payload: payload}
}

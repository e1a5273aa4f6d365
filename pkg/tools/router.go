package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/runforge/runforge/pkg/models"
)

// Disposition classifies a proposed call before execution.
type Disposition int

const (
	// DispositionExecute means the call is valid and may run.
	DispositionExecute Disposition = iota
	// DispositionBlocked means policy forbids the call.
	DispositionBlocked
	// DispositionRequiresApproval means the call must wait for a human
	// decision.
	DispositionRequiresApproval
)

// Policy restricts which tools an agent may call and which calls need
// approval beyond the tool's own metadata.
type Policy struct {
	// Allowed is the tool allow-list; empty means all registered tools.
	Allowed []string `yaml:"allowed"`
	// Denied overrides Allowed.
	Denied []string `yaml:"denied"`
	// ApprovalRequired forces the approval gate for named tools.
	ApprovalRequired []string `yaml:"approval_required"`
}

func (p Policy) allows(name string) bool {
	for _, d := range p.Denied {
		if d == name {
			return false
		}
	}
	if len(p.Allowed) == 0 {
		return true
	}
	for _, a := range p.Allowed {
		if a == name {
			return true
		}
	}
	return false
}

func (p Policy) forcesApproval(name string) bool {
	for _, n := range p.ApprovalRequired {
		if n == name {
			return true
		}
	}
	return false
}

// registered pairs a handler with its compiled input schema.
type registered struct {
	handler Handler
	meta    Metadata
	schema  *jsonschema.Schema
}

// Router holds the tool registry and applies validation and policy to
// proposed calls.
type Router struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{tools: make(map[string]*registered)}
}

// Register adds a handler, compiling its input schema. A tool with an
// uncompilable schema is rejected at startup rather than at call time.
func (r *Router) Register(h Handler) error {
	meta := h.Metadata()
	if meta.Name == "" {
		return models.NewCodedError(models.CodeInvalidInput, "tool has no name")
	}

	var schema *jsonschema.Schema
	if len(meta.InputSchema) > 0 {
		var doc any
		if err := json.Unmarshal(meta.InputSchema, &doc); err != nil {
			return fmt.Errorf("tool %s input schema is not JSON: %w", meta.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tool %s input schema rejected: %w", meta.Name, err)
		}
		compiled, err := compiler.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %s input schema does not compile: %w", meta.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[meta.Name]; exists {
		return fmt.Errorf("tool %s is already registered", meta.Name)
	}
	r.tools[meta.Name] = &registered{handler: h, meta: meta, schema: schema}
	slog.Debug("registered tool", "tool", meta.Name,
		"mutating", meta.Mutating, "risk", meta.RiskLevel)
	return nil
}

// Get returns a tool's metadata.
func (r *Router) Get(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Metadata{}, false
	}
	return reg.meta, true
}

// List returns metadata for every tool the policy allows, for the model
// prompt.
func (r *Router) List(policy Policy) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for name, reg := range r.tools {
		if policy.allows(name) {
			out = append(out, reg.meta)
		}
	}
	return out
}

// Check validates a proposed call against the registry, its schema, and
// the policy. A blocked or unknown call returns DispositionBlocked with
// a CodedError describing why.
func (r *Router) Check(call Call, policy Policy) (Disposition, error) {
	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		return DispositionBlocked, models.NewCodedError(models.CodeToolError,
			"unknown tool %q", call.Name)
	}
	if !policy.allows(call.Name) {
		return DispositionBlocked, models.NewCodedError(models.CodePolicyBlocked,
			"tool %q is not permitted for this agent", call.Name)
	}

	if reg.schema != nil {
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		var doc any
		if err := json.Unmarshal(args, &doc); err != nil {
			return DispositionBlocked, models.NewCodedError(models.CodeInvalidInput,
				"tool %q arguments are not JSON: %v", call.Name, err)
		}
		if err := reg.schema.Validate(doc); err != nil {
			return DispositionBlocked, models.NewCodedError(models.CodeInvalidInput,
				"tool %q arguments rejected by schema: %v", call.Name, err)
		}
	}

	if reg.meta.RequiresApproval || reg.meta.RiskLevel == RiskHigh || policy.forcesApproval(call.Name) {
		return DispositionRequiresApproval, nil
	}
	return DispositionExecute, nil
}

// Execute runs one validated call against its handler. Callers go
// through the Scheduler; this is the single-call primitive.
func (r *Router) Execute(ctx context.Context, call Call) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", models.NewCodedError(models.CodeToolError, "unknown tool %q", call.Name)
	}
	return reg.handler.Execute(ctx, call.Arguments)
}

// Defs converts the policy-visible registry into model tool definitions.
func (r *Router) Defs(policy Policy) []ToolDefView {
	metas := r.List(policy)
	out := make([]ToolDefView, 0, len(metas))
	for _, m := range metas {
		schema := m.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, ToolDefView{
			Name:        m.Name,
			Description: m.Description,
			InputSchema: schema,
		})
	}
	return out
}

// ToolDefView is the provider-neutral tool definition handed to the LLM
// layer.
type ToolDefView struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/runforge/runforge/pkg/models"
)

// Output caps keep tool results inside the model context budget.
const (
	maxFetchBytes   = 64 * 1024
	maxCommandBytes = 32 * 1024
)

// HTTPFetchHandler is the builtin read-only HTTP tool. GET only; the
// response body is truncated to maxFetchBytes.
type HTTPFetchHandler struct {
	client *http.Client
}

// NewHTTPFetchHandler builds the fetch tool with a bounded client.
func NewHTTPFetchHandler() *HTTPFetchHandler {
	return &HTTPFetchHandler{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPFetchHandler) Metadata() Metadata {
	return Metadata{
		Name:        "http_fetch",
		Description: "Fetch a URL with an HTTP GET request and return the response body as text.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The http or https URL to fetch."}
			},
			"required": ["url"]
		}`),
		Mutating:         false,
		SupportsParallel: true,
		RiskLevel:        RiskLow,
	}
}

func (h *HTTPFetchHandler) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", models.NewCodedError(models.CodeInvalidInput, "invalid arguments: %v", err)
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return "", models.NewCodedError(models.CodeInvalidInput,
			"url must use http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return "", models.NewCodedError(models.CodeInvalidInput, "invalid url: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", models.NewCodedError(models.CodeToolError, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", models.NewCodedError(models.CodeToolError, "read failed: %v", err)
	}
	if resp.StatusCode >= 400 {
		return "", models.NewCodedError(models.CodeToolError,
			"request returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), nil
}

// RunCommandHandler is the builtin shell tool. Mutating and high risk,
// so calls sit behind the approval gate by default.
type RunCommandHandler struct{}

// NewRunCommandHandler builds the command tool.
func NewRunCommandHandler() *RunCommandHandler { return &RunCommandHandler{} }

func (h *RunCommandHandler) Metadata() Metadata {
	return Metadata{
		Name:        "run_command",
		Description: "Execute a shell command and return its combined output.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The executable to run."},
				"args": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Arguments passed to the command."
				}
			},
			"required": ["command"]
		}`),
		Mutating:         true,
		SupportsParallel: false,
		RiskLevel:        RiskHigh,
		RequiresApproval: true,
		Timeout:          2 * time.Minute,
	}
}

func (h *RunCommandHandler) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", models.NewCodedError(models.CodeInvalidInput, "invalid arguments: %v", err)
	}
	if in.Command == "" {
		return "", models.NewCodedError(models.CodeInvalidInput, "command is required")
	}

	out, err := exec.CommandContext(ctx, in.Command, in.Args...).CombinedOutput()
	if len(out) > maxCommandBytes {
		out = out[:maxCommandBytes]
	}
	if err != nil {
		return "", models.NewCodedError(models.CodeToolError,
			"command failed: %v; output: %s", err, out)
	}
	return string(out), nil
}

// Builtin returns the handlers registered by default.
func Builtin() []Handler {
	return []Handler{
		NewHTTPFetchHandler(),
		NewRunCommandHandler(),
	}
}

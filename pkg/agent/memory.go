package agent

import (
	"context"

	"github.com/runforge/runforge/pkg/models"
)

// MemoryItem is one retrieved or written memory entry.
type MemoryItem struct {
	Key     string
	Content string
}

// Memory is the optional long-term store consulted in the retrieve
// phase and written on successful completion. Implementations are
// scope-aware; items never cross tenants.
type Memory interface {
	Retrieve(ctx context.Context, scope models.Scope, query string, limit int) ([]MemoryItem, error)
	Write(ctx context.Context, scope models.Scope, item MemoryItem) error
}

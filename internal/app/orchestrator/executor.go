package orchestrator

import (
	"context"

	"crewd/internal/domain"
)

// CrewExecutor runs a selected crew against the tools and knowledge gathered
// for one request. Implementations are external collaborators; the
// orchestrator treats the result value as opaque.
type CrewExecutor interface {
	Execute(ctx context.Context, crewName string, tools []domain.ToolMetadata, knowledgeIDs []string, payload string) (any, error)
}

// ExecutorFunc adapts a function to the CrewExecutor interface.
type ExecutorFunc func(ctx context.Context, crewName string, tools []domain.ToolMetadata, knowledgeIDs []string, payload string) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, crewName string, tools []domain.ToolMetadata, knowledgeIDs []string, payload string) (any, error) {
	return f(ctx, crewName, tools, knowledgeIDs, payload)
}

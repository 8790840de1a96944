package semantic

import (
	"context"
	"fmt"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/schema"
)

// LoadResult is the outcome of running a compiled query.
type LoadResult struct {
	Query *CompiledQuery
	Data  *domain.QueryResult
}

// Load compiles q and runs it through exec.
func (s *Service) Load(ctx context.Context, exec domain.QueryExecutor, compiled *schema.Compiled, q *domain.Query) (*LoadResult, error) {
	if exec == nil {
		return nil, fmt.Errorf("query executor is not configured")
	}
	cq, err := s.Compile(ctx, compiled, q)
	if err != nil {
		return nil, err
	}
	data, err := exec.QueryContext(ctx, cq.SQL, cq.Params)
	if err != nil {
		return nil, fmt.Errorf("run query %s: %w", cq.ID, err)
	}
	return &LoadResult{Query: cq, Data: data}, nil
}

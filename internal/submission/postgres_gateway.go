package submission

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResultWriter is the slice of the result repository the gateway needs.
type ResultWriter interface {
	Insert(ctx context.Context, id uuid.UUID, res *model.AttemptResult) error
}

// PostgresGateway writes the attempt straight into quiz_results.
type PostgresGateway struct {
	results ResultWriter
}

// NewPostgresGateway creates a database-backed gateway.
func NewPostgresGateway(results ResultWriter) *PostgresGateway {
	return &PostgresGateway{results: results}
}

// Submit implements Gateway.
func (g *PostgresGateway) Submit(ctx context.Context, result model.AttemptResult) (*Receipt, error) {
	env := NewEnvelope(result)
	if err := g.results.Insert(ctx, env.SubmissionID, &env.AttemptResult); err != nil {
		return nil, fmt.Errorf("insert result: %w", err)
	}
	return &Receipt{ID: env.SubmissionID, Via: "postgres"}, nil
}

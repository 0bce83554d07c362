package submission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QueueGateway pushes the attempt onto the result queue drained by the
// result worker. Delivery to Postgres survives a database outage.
type QueueGateway struct {
	rdb *redis.Client
}

// NewQueueGateway creates a queue-backed gateway.
func NewQueueGateway(rdb *redis.Client) *QueueGateway {
	return &QueueGateway{rdb: rdb}
}

// Submit implements Gateway.
func (g *QueueGateway) Submit(ctx context.Context, result model.AttemptResult) (*Receipt, error) {
	env := NewEnvelope(result)
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if err := g.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err(); err != nil {
		return nil, fmt.Errorf("enqueue result: %w", err)
	}
	return &Receipt{ID: env.SubmissionID, Via: "queue"}, nil
}

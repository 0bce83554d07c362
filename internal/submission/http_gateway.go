package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// HTTPGateway posts the attempt as JSON to a grading endpoint, once.
type HTTPGateway struct {
	url    string
	token  string
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPGateway creates a gateway posting to url with the given timeout.
func NewHTTPGateway(url string, timeout time.Duration, log zerolog.Logger) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "http_submission").Logger(),
	}
}

// WithToken returns a copy that authenticates as the student owning token.
func (g *HTTPGateway) WithToken(token string) *HTTPGateway {
	cp := *g
	cp.token = token
	return &cp
}

// Submit implements Gateway.
func (g *HTTPGateway) Submit(ctx context.Context, result model.AttemptResult) (*Receipt, error) {
	env := NewEnvelope(result)
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.SubmissionID.String())
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post result: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("post result: unexpected status %d", resp.StatusCode)
	}

	receipt := &Receipt{ID: env.SubmissionID, Via: "http"}

	// Prefer the record id assigned by the backend when it sends one back.
	var ack struct {
		ID   string `json:"id"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &ack) == nil {
		for _, candidate := range []string{ack.ID, ack.Data.ID} {
			if id, err := uuid.Parse(candidate); err == nil {
				receipt.ID = id
				break
			}
		}
	}

	g.log.Info().
		Str("quiz_id", result.QuizID.String()).
		Int("student_id", result.StudentID).
		Str("submission_id", receipt.ID.String()).
		Msg("Result submitted")
	return receipt, nil
}

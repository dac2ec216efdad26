package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// defaultRESTTimeout bounds a single score request if the caller's context
// carries no tighter deadline.
const defaultRESTTimeout = 3 * time.Second

// RESTResolver queries a score service over plain HTTP:
// GET <base>/v1/score/<agentId> answered with {"score": <number>}.
type RESTResolver struct {
	baseURL string
	client  *http.Client
}

// A compile time flag to ensure the RESTResolver satisfies the Resolver
// interface.
var _ Resolver = (*RESTResolver)(nil)

// NewRESTResolver creates a resolver against the given base URL.
func NewRESTResolver(baseURL string) *RESTResolver {
	return &RESTResolver{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultRESTTimeout,
		},
	}
}

// Score fetches the agent's score. Any non-200 response, timeout or parse
// failure degrades to unknown rather than an error, the score source is
// best-effort by contract.
//
// NOTE: This is part of the Resolver interface.
func (r *RESTResolver) Score(ctx context.Context, agentID string) (int, bool,
	error) {

	endpoint := fmt.Sprintf(
		"%s/v1/score/%s", r.baseURL, url.PathEscape(agentID),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint,
		nil)
	if err != nil {
		return 0, false, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Debugf("Score lookup for %v failed: %v", agentID, err)
		return 0, false, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		log.Debugf("Score lookup for %v returned status %d", agentID,
			resp.StatusCode)
		return 0, false, nil
	}

	var body struct {
		Score *float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil ||
		body.Score == nil {

		log.Debugf("Score lookup for %v returned unparseable body",
			agentID)
		return 0, false, nil
	}

	return clampScore(int(*body.Score)), true, nil
}

// Close is a no-op for the REST resolver.
//
// NOTE: This is part of the Resolver interface.
func (r *RESTResolver) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

package authz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// HTTPChecker consults the relationship graph service over HTTP. Answers are
// expected quickly; the request timeout keeps a slow graph service from
// stalling the delivery path, and callers treat errors as deny.
type HTTPChecker struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPChecker creates a checker against the relationship service at
// baseURL. When token is non-empty it is sent as a bearer credential.
func NewHTTPChecker(baseURL, token string) *HTTPChecker {
	return &HTTPChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *HTTPChecker) Check(ctx context.Context, subject, resource, permission string) (bool, error) {
	q := url.Values{}
	q.Set("subject", subject)
	q.Set("resource", resource)
	q.Set("permission", permission)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/relationships/check?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build relationship request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("relationship check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("relationship service status %d", resp.StatusCode)
	}

	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode relationship response: %w", err)
	}
	return out.Allowed, nil
}

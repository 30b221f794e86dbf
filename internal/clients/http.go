package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClients implements the collaborator interfaces over plain JSON
// endpoints. The concrete upstream schemas live behind these narrow
// methods; everything else in the system sees only the interfaces.
type HTTPClients struct {
	fetchURL     string
	storageURL   string
	inferenceURL string
	client       *http.Client
}

func NewHTTPClients(fetchURL, storageURL, inferenceURL string, timeout time.Duration) *HTTPClients {
	return &HTTPClients{
		fetchURL:     fetchURL,
		storageURL:   storageURL,
		inferenceURL: inferenceURL,
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClients) Fetch(ctx context.Context, usernames []string) ([]RawProfile, error) {
	var out struct {
		Profiles []RawProfile `json:"profiles"`
	}
	err := c.post(ctx, c.fetchURL+"/v1/profiles/fetch",
		map[string]any{"usernames": usernames}, &out)
	if err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

func (c *HTTPClients) Upsert(ctx context.Context, profile RawProfile) (Entity, error) {
	var out Entity
	err := c.post(ctx, c.storageURL+"/v1/entities/upsert", profile, &out)
	return out, err
}

func (c *HTTPClients) FreshUsernames(ctx context.Context, usernames []string) ([]string, error) {
	var out struct {
		Fresh []string `json:"fresh"`
	}
	err := c.post(ctx, c.storageURL+"/v1/entities/fresh",
		map[string]any{"usernames": usernames}, &out)
	if err != nil {
		return nil, err
	}
	return out.Fresh, nil
}

func (c *HTTPClients) Lookup(ctx context.Context, usernames []string) ([]Entity, error) {
	var out struct {
		Entities []Entity `json:"entities"`
	}
	err := c.post(ctx, c.storageURL+"/v1/entities/lookup",
		map[string]any{"usernames": usernames}, &out)
	if err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (c *HTTPClients) DeriveAssets(ctx context.Context, entity Entity) (AssetRefs, error) {
	var out AssetRefs
	err := c.post(ctx, c.storageURL+"/v1/assets/derive", entity, &out)
	return out, err
}

func (c *HTTPClients) Analyze(ctx context.Context, entity Entity) (AnalysisResult, error) {
	var out AnalysisResult
	err := c.post(ctx, c.inferenceURL+"/v1/analyze", entity, &out)
	return out, err
}

func (c *HTTPClients) post(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, url)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrModelUnavailable, url)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrTransient, url, resp.StatusCode)
	default:
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
}

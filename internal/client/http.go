package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/couchsync/server/internal/domain"
)

// API calls the relay's REST endpoints: the version probe for the
// reload watcher and the catalog listing.
type API struct {
	BaseURL string
	Client  *http.Client
}

func (p *API) Version(ctx context.Context) (string, error) {
	var payload domain.ServerVersionPayload
	if err := p.getJSON(ctx, "/api/version", &payload); err != nil {
		return "", err
	}
	return payload.Version, nil
}

// FetchCatalog loads the shared ordered catalog.
func (p *API) FetchCatalog(ctx context.Context) ([]domain.CatalogEntry, error) {
	var entries []domain.CatalogEntry
	if err := p.getJSON(ctx, "/api/videos", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *API) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	httpClient := p.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// internal/clients/catalog_client.go
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"circula/internal/engine"
)

// CatalogClient is the read-only client for book and member metadata,
// implementing engine.Catalog. Calls go through a circuit breaker: when the
// catalog service is down, requests fail fast with ErrStoreUnavailable
// instead of piling up.
type CatalogClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewCatalogClient creates a client for the catalog service at baseURL.
func NewCatalogClient(baseURL string) *CatalogClient {
	return &CatalogClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "catalog",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// GetBook looks up book metadata by id.
func (c *CatalogClient) GetBook(ctx context.Context, id uuid.UUID) (*engine.Book, error) {
	var book engine.Book
	if err := c.get(ctx, fmt.Sprintf("%s/books/%s", c.baseURL, id), &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// GetMember looks up member metadata by id.
func (c *CatalogClient) GetMember(ctx context.Context, id uuid.UUID) (*engine.Member, error) {
	var member engine.Member
	if err := c.get(ctx, fmt.Sprintf("%s/members/%s", c.baseURL, id), &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *CatalogClient) get(ctx context.Context, url string, out any) error {
	// The breaker counts every error as a failure, and a record that simply
	// does not exist must not trip it, so NotFound travels as a value.
	notFound, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return false, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return true, nil
		case resp.StatusCode != http.StatusOK:
			return false, fmt.Errorf("%w: unexpected status code %d", engine.ErrStoreUnavailable, resp.StatusCode)
		}

		return false, json.NewDecoder(resp.Body).Decode(out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	if err != nil {
		return err
	}
	if nf, ok := notFound.(bool); ok && nf {
		return fmt.Errorf("%s: %w", url, engine.ErrNotFound)
	}
	return nil
}

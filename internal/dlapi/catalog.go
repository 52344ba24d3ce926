package dlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ScheduledSubscription is the subscription type of the catalog that accepts
// job requests for the account.
const ScheduledSubscription = "scheduled"

const catalogsPath = "/eap/catalogs/"

// Catalog is the account-scoped namespace all job URLs live under.
type Catalog struct {
	ID string

	// URL is the catalog root, e.g. https://host/eap/catalogs/1234/.
	URL string
	// RequestsURL is the collection job requests are POSTed to.
	RequestsURL string
	// ResponsesURL is the collection of finished job outputs.
	ResponsesURL string
}

// ResponseURL returns the content URL of one job output.
func (c *Catalog) ResponseURL(key string) string {
	return c.ResponsesURL + url.PathEscape(key)
}

type catalogEntry struct {
	Identifier       string `json:"identifier"`
	SubscriptionType string `json:"subscriptionType"`
}

type catalogList struct {
	Contains []catalogEntry `json:"contains"`
}

// Catalog discovers the account's scheduled catalog. The first successful
// lookup is cached for the lifetime of the session.
func (s *Session) Catalog(ctx context.Context) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil {
		return s.catalog, nil
	}

	resp, err := s.request(ctx).Get(catalogsPath)
	if err != nil {
		return nil, fmt.Errorf("listing catalogs: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("listing catalogs: unexpected status %d: %s", resp.StatusCode(), truncate(resp.String()))
	}

	var list catalogList
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		return nil, fmt.Errorf("decoding catalog list: %w", err)
	}

	for _, entry := range list.Contains {
		if entry.SubscriptionType != ScheduledSubscription {
			continue
		}
		c, err := s.newCatalog(entry.Identifier)
		if err != nil {
			return nil, err
		}
		s.catalog = c
		s.log.Info("catalog resolved", "catalog", c.ID)
		return c, nil
	}

	s.log.Error("no scheduled catalog", "catalogs", len(list.Contains))
	return nil, fmt.Errorf("%w among %d catalogs", ErrCatalogNotFound, len(list.Contains))
}

func (s *Session) newCatalog(id string) (*Catalog, error) {
	escaped := url.PathEscape(id)
	root, err := s.resolve(catalogsPath + escaped + "/")
	if err != nil {
		return nil, err
	}
	responses, err := s.resolve(catalogsPath + escaped + "/content/responses/")
	if err != nil {
		return nil, err
	}
	return &Catalog{
		ID:           id,
		URL:          root,
		RequestsURL:  root + "requests/",
		ResponsesURL: responses,
	}, nil
}

// truncate shortens response bodies for log and error messages.
func truncate(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

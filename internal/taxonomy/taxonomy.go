// Package taxonomy resolves display labels to scientific names and taxa
// identifiers. Lookups go memory cache first, then the upstream taxa API;
// confirmed entries are written through to the datastore so they survive
// restarts and show up in the read API.
package taxonomy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/httpclient"
	"github.com/tphakala/birdframe/internal/logging"
)

// DefaultBaseURL points at the iNaturalist taxa API.
const DefaultBaseURL = "https://api.inaturalist.org"

// negativeEntry marks a cached miss so unresolvable labels do not hammer the
// upstream on every detection.
var negativeEntry = &datastore.TaxonomyEntry{}

// taxaSearchResponse is the subset of the taxa search payload we consume.
type taxaSearchResponse struct {
	Results []struct {
		ID                  int64  `json:"id"`
		Name                string `json:"name"`
		PreferredCommonName string `json:"preferred_common_name"`
		Rank                string `json:"rank"`
	} `json:"results"`
}

// Service resolves common names to taxonomy entries.
type Service struct {
	baseURL string
	apiKey  string
	client  *httpclient.Client
	cache   *cache.Cache
	store   datastore.Interface
	logger  *slog.Logger
}

// NewService builds the taxonomy service, or returns nil when taxonomy
// enrichment is disabled. store may be nil; entries are then cached in
// memory only.
func NewService(settings *conf.TaxonomySettings, store datastore.Interface, client *httpclient.Client) *Service {
	if settings == nil || !settings.Enabled {
		return nil
	}

	baseURL := strings.TrimRight(settings.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ttl := settings.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if client == nil {
		client = httpclient.New(&httpclient.Config{DefaultTimeout: 10 * time.Second})
	}

	return &Service{
		baseURL: baseURL,
		apiKey:  settings.APIKey,
		client:  client,
		cache:   cache.New(ttl, 2*ttl),
		store:   store,
		logger:  logging.ForService("taxonomy"),
	}
}

// Lookup resolves a common name to a taxonomy entry. Returns nil on a miss
// or any upstream failure; enrichment is best effort.
func (s *Service) Lookup(ctx context.Context, commonName string) *datastore.TaxonomyEntry {
	if s == nil {
		return nil
	}
	key := strings.ToLower(strings.TrimSpace(commonName))
	if key == "" {
		return nil
	}

	if cached, found := s.cache.Get(key); found {
		entry := cached.(*datastore.TaxonomyEntry)
		if entry == negativeEntry {
			return nil
		}
		return entry
	}

	entry, err := s.fetch(ctx, commonName)
	if err != nil {
		s.logger.Warn("taxonomy lookup failed", "common_name", commonName, "error", err)
		return nil
	}
	if entry == nil {
		s.cache.Set(key, negativeEntry, cache.DefaultExpiration)
		return nil
	}

	s.cache.Set(key, entry, cache.DefaultExpiration)
	if s.store != nil {
		if err := s.store.SaveTaxonomy(ctx, entry); err != nil {
			s.logger.Warn("failed to persist taxonomy entry",
				"scientific_name", entry.ScientificName, "error", err)
		}
	}
	return entry
}

// fetch queries the upstream taxa search endpoint. A response with no
// species-rank result is a miss, not an error.
func (s *Service) fetch(ctx context.Context, commonName string) (*datastore.TaxonomyEntry, error) {
	q := url.Values{}
	q.Set("q", commonName)
	q.Set("rank", "species")
	q.Set("per_page", "1")

	header := http.Header{}
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
	}

	var payload taxaSearchResponse
	reqURL := s.baseURL + "/v1/taxa?" + q.Encode()
	if err := s.client.GetJSON(ctx, reqURL, header, &payload); err != nil {
		return nil, errors.New(err).
			Component("taxonomy").
			Category(errors.CategoryUpstream).
			Context("common_name", commonName).
			Build()
	}

	for _, result := range payload.Results {
		if result.Rank != "" && result.Rank != "species" {
			continue
		}
		common := result.PreferredCommonName
		if common == "" {
			common = commonName
		}
		return &datastore.TaxonomyEntry{
			ScientificName: result.Name,
			CommonName:     common,
			TaxaID:         result.ID,
		}, nil
	}
	return nil, nil
}

// Package legalentity verifies a vendor's legal-entity registration against
// a GLEIF-style LEI lookup API. Unlike urlthreat, this check is advisory,
// not blocking: any failure returns an unverified-but-not-erroring result.
package legalentity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"vyapaar/internal/atomicstore"
	"vyapaar/internal/breaker"
)

const cacheTTL = time.Hour

// localRateLimit bounds outbound calls to the GLEIF API independent of the
// breaker, a belt-and-suspenders client-side throttle.
const localRateLimit = 10

// Entity is one matched legal-entity record.
type Entity struct {
	LEI                 string `json:"lei"`
	LegalName           string `json:"legal_name"`
	Jurisdiction        string `json:"jurisdiction"`
	Category            string `json:"category"`
	EntityStatus        string `json:"entity_status"`
	RegistrationStatus  string `json:"registration_status"`
	HeadquartersCountry string `json:"headquarters_country,omitempty"`
}

// Response is the outcome of a legal-entity search.
type Response struct {
	Query    string   `json:"query"`
	Entities []Entity `json:"entities"`
	Error    string   `json:"error,omitempty"`
}

// Verified reports whether at least one matched entity is active and issued.
func (r Response) Verified() bool {
	for _, e := range r.Entities {
		if e.EntityStatus == "ACTIVE" && e.RegistrationStatus == "ISSUED" {
			return true
		}
	}
	return false
}

// BestMatch returns the highest-confidence entity, preferring
// active+issued records, or nil when there are no matches.
func (r Response) BestMatch() *Entity {
	for i, e := range r.Entities {
		if e.EntityStatus == "ACTIVE" && e.RegistrationStatus == "ISSUED" {
			return &r.Entities[i]
		}
	}
	if len(r.Entities) > 0 {
		return &r.Entities[0]
	}
	return nil
}

// Client searches the LEI registry by legal entity name.
type Client struct {
	apiURL  string
	http    *http.Client
	cache   atomicstore.Store
	breaker *breaker.Breaker
	limiter *rate.Limiter
}

// New constructs a Client. cache may be nil to disable result caching.
func New(apiURL string, cache atomicstore.Store) *Client {
	return &Client{
		apiURL: apiURL,
		http:   &http.Client{Timeout: 10 * time.Second},
		cache:  cache,
		breaker: breaker.New(breaker.Config{
			Name:             "legal_entity",
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		}),
		limiter: rate.NewLimiter(rate.Limit(localRateLimit), localRateLimit),
	}
}

// Breaker exposes the client's circuit breaker for health_check reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

type gleifRecord struct {
	ID         string `json:"id"`
	Attributes struct {
		LEI      string `json:"lei"`
		Entity   struct {
			LegalName struct {
				Name string `json:"name"`
			} `json:"legalName"`
			Jurisdiction          string `json:"jurisdiction"`
			Category              string `json:"category"`
			Status                string `json:"status"`
			HeadquartersAddress struct {
				Country string `json:"country"`
			} `json:"headquartersAddress"`
		} `json:"entity"`
		Registration struct {
			Status string `json:"status"`
		} `json:"registration"`
	} `json:"attributes"`
}

type gleifSearchResponse struct {
	Data []gleifRecord `json:"data"`
}

// SearchEntity looks up a vendor by legal name. Failures — timeout, breaker
// open, non-2xx status — are reported in Response.Error rather than
// returned as a Go error: this check is advisory, so the caller is expected
// to proceed (treating it as unverified) rather than fail the payout.
func (c *Client) SearchEntity(ctx context.Context, name string) Response {
	if name == "" {
		return Response{Query: name, Error: "empty entity name"}
	}

	cacheKey := "gleif:name:" + name
	if c.cache != nil {
		if cached, ok, err := c.cache.ReputationGet(ctx, cacheKey); err == nil && ok {
			var r Response
			if json.Unmarshal([]byte(cached), &r) == nil {
				return r
			}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Response{Query: name, Error: fmt.Sprintf("local rate limit wait: %v", err)}
	}

	var resp Response
	err := c.breaker.Call(func() error {
		u := c.apiURL + "?filter[entity.legalName]=" + url.QueryEscape(name) + "&page[size]=5"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		httpResp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("gleif request: %w", err)
		}
		defer httpResp.Body.Close()

		body, _ := io.ReadAll(httpResp.Body)
		if httpResp.StatusCode != http.StatusOK {
			return fmt.Errorf("gleif status %d: %s", httpResp.StatusCode, string(body))
		}

		var parsed gleifSearchResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("unmarshal gleif response: %w", err)
		}
		resp = Response{Query: name, Entities: parseRecords(parsed.Data)}
		return nil
	})
	if err != nil {
		slog.Warn("legal entity lookup failed, treating vendor as unverified", "name", name, "error", err)
		return Response{Query: name, Error: err.Error()}
	}

	if c.cache != nil {
		if b, err := json.Marshal(resp); err == nil {
			c.cache.ReputationPut(ctx, cacheKey, string(b), cacheTTL) //nolint:errcheck
		}
	}
	return resp
}

type gleifRecordResponse struct {
	Data gleifRecord `json:"data"`
}

// SearchByLEI looks up a vendor by its exact LEI code against GLEIF's
// single-record endpoint, as opposed to SearchEntity's fuzzy name search —
// the two lookup modes spec'd for verify_vendor_entity (vendor_name | lei).
func (c *Client) SearchByLEI(ctx context.Context, lei string) Response {
	if lei == "" {
		return Response{Query: lei, Error: "empty LEI"}
	}

	cacheKey := "gleif:lei:" + lei
	if c.cache != nil {
		if cached, ok, err := c.cache.ReputationGet(ctx, cacheKey); err == nil && ok {
			var r Response
			if json.Unmarshal([]byte(cached), &r) == nil {
				return r
			}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Response{Query: lei, Error: fmt.Sprintf("local rate limit wait: %v", err)}
	}

	var resp Response
	err := c.breaker.Call(func() error {
		u := c.apiURL + "/" + url.PathEscape(lei)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		httpResp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("gleif request: %w", err)
		}
		defer httpResp.Body.Close()

		body, _ := io.ReadAll(httpResp.Body)
		if httpResp.StatusCode == http.StatusNotFound {
			resp = Response{Query: lei}
			return nil
		}
		if httpResp.StatusCode != http.StatusOK {
			return fmt.Errorf("gleif status %d: %s", httpResp.StatusCode, string(body))
		}

		var parsed gleifRecordResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("unmarshal gleif response: %w", err)
		}
		resp = Response{Query: lei, Entities: parseRecords([]gleifRecord{parsed.Data})}
		return nil
	})
	if err != nil {
		slog.Warn("legal entity LEI lookup failed, treating vendor as unverified", "lei", lei, "error", err)
		return Response{Query: lei, Error: err.Error()}
	}

	if c.cache != nil {
		if b, err := json.Marshal(resp); err == nil {
			c.cache.ReputationPut(ctx, cacheKey, string(b), cacheTTL) //nolint:errcheck
		}
	}
	return resp
}

func parseRecords(records []gleifRecord) []Entity {
	entities := make([]Entity, 0, len(records))
	for _, r := range records {
		lei := r.Attributes.LEI
		if lei == "" {
			lei = r.ID
		}
		entities = append(entities, Entity{
			LEI:                 lei,
			LegalName:           r.Attributes.Entity.LegalName.Name,
			Jurisdiction:        r.Attributes.Entity.Jurisdiction,
			Category:            r.Attributes.Entity.Category,
			EntityStatus:        r.Attributes.Entity.Status,
			RegistrationStatus:  r.Attributes.Registration.Status,
			HeadquartersCountry: r.Attributes.Entity.HeadquartersAddress.Country,
		})
	}
	return entities
}

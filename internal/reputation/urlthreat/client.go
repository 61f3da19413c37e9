// Package urlthreat checks vendor URLs against a Google Safe Browsing-style
// threat-match API, with Redis caching and fail-closed error handling: any
// failure to get a definitive answer is treated as a threat match, never as
// a clean bill of health.
package urlthreat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"vyapaar/internal/atomicstore"
	"vyapaar/internal/breaker"
)

// localRateLimit bounds outbound calls to the upstream API independent of
// the breaker and of the agent-facing sliding-window limiter.
const localRateLimit = 10

const (
	clientID      = "vyapaar-govern"
	clientVersion = "1.0.0"
	cacheTTL      = 5 * time.Minute
)

var threatTypes = []string{
	"MALWARE",
	"SOCIAL_ENGINEERING",
	"UNWANTED_SOFTWARE",
	"POTENTIALLY_HARMFUL_APPLICATION",
}

// TimeoutThreat and APIErrorThreat are the synthetic threat types recorded
// when the upstream API can't be reached or fails — the caller still sees a
// non-empty ThreatTypes list, which is what drives the fail-closed decision
// further up the pipeline.
const (
	TimeoutThreat  = "TIMEOUT"
	APIErrorThreat = "API_ERROR"
)

// Result is the outcome of a URL check.
type Result struct {
	Safe        bool
	ThreatTypes []string
}

// Client checks URLs against the Safe Browsing API.
type Client struct {
	apiKey  string
	apiURL  string
	http    *http.Client
	cache   atomicstore.Store
	breaker *breaker.Breaker
	limiter *rate.Limiter
}

// New constructs a Client. cache may be nil to disable result caching.
func New(apiKey, apiURL string, cache atomicstore.Store) *Client {
	return &Client{
		apiKey: apiKey,
		apiURL: apiURL,
		http:   &http.Client{Timeout: 10 * time.Second},
		cache:  cache,
		breaker: breaker.New(breaker.Config{
			Name:            "url_threat",
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		}),
		limiter: rate.NewLimiter(rate.Limit(localRateLimit), localRateLimit),
	}
}

type threatMatchRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string            `json:"threatTypes"`
		PlatformTypes    []string            `json:"platformTypes"`
		ThreatEntryTypes []string            `json:"threatEntryTypes"`
		ThreatEntries    []map[string]string `json:"threatEntries"`
	} `json:"threatInfo"`
}

type threatMatchResponse struct {
	Matches []struct {
		ThreatType string `json:"threatType"`
	} `json:"matches"`
}

// Breaker exposes the client's circuit breaker for health_check reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// CheckURL returns whether url is safe, checking the cache first and
// falling back to the live API. Any failure — timeout, non-2xx status,
// breaker open — returns Safe=false with a synthetic threat type rather
// than propagating the error, since callers must fail closed.
func (c *Client) CheckURL(ctx context.Context, url string) Result {
	if c.cache != nil {
		if cached, ok, err := c.cache.ReputationGet(ctx, url); err == nil && ok {
			var r Result
			if json.Unmarshal([]byte(cached), &r) == nil {
				return r
			}
		}
	}

	result, err := c.fetch(ctx, url)
	if err != nil {
		slog.Warn("url threat check failed, failing closed", "url", url, "error", err)
		return result
	}

	if c.cache != nil {
		if b, err := json.Marshal(result); err == nil {
			c.cache.ReputationPut(ctx, url, string(b), cacheTTL) //nolint:errcheck
		}
	}
	return result
}

func (c *Client) fetch(ctx context.Context, url string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Safe: false, ThreatTypes: []string{APIErrorThreat}}, fmt.Errorf("local rate limit wait: %w", err)
	}

	var result Result
	err := c.breaker.Call(func() error {
		var body threatMatchRequest
		body.Client.ClientID = clientID
		body.Client.ClientVersion = clientVersion
		body.ThreatInfo.ThreatTypes = threatTypes
		body.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
		body.ThreatInfo.ThreatEntryTypes = []string{"URL"}
		body.ThreatInfo.ThreatEntries = []map[string]string{{"url": url}}

		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal threat match request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"?key="+c.apiKey, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			result = Result{Safe: false, ThreatTypes: []string{TimeoutThreat}}
			return fmt.Errorf("safe browsing request: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			result = Result{Safe: false, ThreatTypes: []string{APIErrorThreat}}
			return fmt.Errorf("safe browsing status %d: %s", resp.StatusCode, string(respBody))
		}

		var parsed threatMatchResponse
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				result = Result{Safe: false, ThreatTypes: []string{APIErrorThreat}}
				return fmt.Errorf("unmarshal safe browsing response: %w", err)
			}
		}

		if len(parsed.Matches) == 0 {
			result = Result{Safe: true}
			return nil
		}
		types := make([]string, 0, len(parsed.Matches))
		for _, m := range parsed.Matches {
			types = append(types, m.ThreatType)
		}
		result = Result{Safe: false, ThreatTypes: types}
		return nil
	})

	if err != nil && result.ThreatTypes == nil {
		result = Result{Safe: false, ThreatTypes: []string{APIErrorThreat}}
	}
	return result, err
}

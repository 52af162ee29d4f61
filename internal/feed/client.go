package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrFeedDisabled = errors.New("vulnerability feed not configured")

type Advisory struct {
	ID        string   `json:"id"`
	Component string   `json:"component"`
	Title     string   `json:"title"`
	Severity  string   `json:"severity"`
	Affected  string   `json:"affected_versions"`
	FixedIn   string   `json:"fixed_in,omitempty"`
	Refs      []string `json:"references,omitempty"`
}

type advisoriesResponse struct {
	Advisories []Advisory `json:"advisories"`
}

type Config struct {
	BaseURL string
	Token   string
	// RateLimit requests are allowed per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	CacheTTL   time.Duration
}

// Client queries a remote advisory feed. Requests are paced by a token
// bucket and responses are kept in the vulnerability_data cache group.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	cache      *cache.Cache
	ttl        time.Duration
	log        *logrus.Entry
}

type loggingTransport struct {
	log *logrus.Entry
}

func NewClient(logger *logrus.Logger, cfg Config, c *cache.Cache) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		limit = rate.Limit(float64(cfg.RateLimit) / cfg.RateWindow.Seconds())
		burst = cfg.RateLimit
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &loggingTransport{log: logger.WithField("component", "feed_transport")},
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		limiter: rate.NewLimiter(limit, burst),
		cache:   c,
		ttl:     cfg.CacheTTL,
		log:     logger.WithField("component", "feed_client"),
	}
}

func advisoryKey(component, version string) string {
	return "advisories:" + component + ":" + version
}

// Advisories returns the advisories affecting component at version. A 404
// from the feed means the component is unknown and is cached as empty.
func (c *Client) Advisories(ctx context.Context, component, version string) ([]Advisory, error) {
	if c.baseURL == "" {
		return nil, ErrFeedDisabled
	}

	key := advisoryKey(component, version)
	var cached []Advisory
	if c.cache != nil && c.cache.GetJSON(ctx, key, cache.GroupVulnerabilityData, &cached) {
		return cached, nil
	}

	start := time.Now()
	log := c.log.WithFields(logrus.Fields{
		"operation": "advisories",
		"component": component,
		"version":   version,
	})

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("feed rate limit: %w", err)
	}

	u := fmt.Sprintf("%s/components/%s/advisories?%s", c.baseURL, url.PathEscape(component),
		url.Values{"version": {version}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", "scanperf/1.0")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("Feed request failed")
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	var out []Advisory
	switch resp.StatusCode {
	case http.StatusOK:
		var body advisoriesResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			log.WithError(err).Error("Failed to decode feed response")
			return nil, fmt.Errorf("failed to decode feed response: %w", err)
		}
		out = body.Advisories
	case http.StatusNotFound:
		out = []Advisory{}
	default:
		log.WithField("status_code", resp.StatusCode).Error("Feed returned an error")
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, out, c.ttl, cache.GroupVulnerabilityData); err != nil {
			log.WithError(err).Warn("Failed to cache advisories")
		}
	}

	log.WithFields(logrus.Fields{
		"duration":   time.Since(start),
		"advisories": len(out),
	}).Debug("Advisories fetched")
	return out, nil
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.Redacted(),
	})

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		log.WithError(err).Error("HTTP request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("HTTP request completed")
	return resp, nil
}

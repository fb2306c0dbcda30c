package riskdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/go-mar/internal/engine/reconcile"
	"github.com/carelink/go-mar/pkg/circuitbreaker"
)

// ClientConfig holds configuration for the remote risk service client
type ClientConfig struct {
	// BaseURL is the risk service endpoint
	BaseURL string
	// Timeout is the per-request timeout
	Timeout time.Duration
	// CacheTTL is how long a fetched entry stays fresh
	CacheTTL time.Duration
}

// DefaultClientConfig returns defaults for the drug risk service
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:  baseURL,
		Timeout:  2 * time.Second,
		CacheTTL: 15 * time.Minute,
	}
}

// Client fetches risk data from the drug knowledge service. Calls go through
// a circuit breaker; when the breaker is open the client falls back to its
// local catalog so reconciliation keeps working on possibly stale data.
type Client struct {
	config   ClientConfig
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	fallback *Catalog
	logger   *zap.Logger
}

// NewClient creates a risk service client with the given fallback catalog
func NewClient(cfg ClientConfig, fallback *Catalog, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback == nil {
		fallback = DefaultCatalog()
	}

	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("risk-service"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &Client{
		config:   cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  cb,
		fallback: fallback,
		logger:   logger,
	}, nil
}

// riskResponse is the wire shape of the risk service answer
type riskResponse struct {
	Ingredient  string `json:"ingredient"`
	HighRisk    bool   `json:"high_risk"`
	RiskClass   string `json:"risk_class"`
	Interaction string `json:"interaction"`
}

// IsHighRisk implements reconcile.RiskSource
func (c *Client) IsHighRisk(ctx context.Context, ingredient string) (bool, error) {
	entry, err := c.lookup(ctx, ingredient)
	if err != nil {
		return c.fallback.IsHighRisk(ctx, ingredient)
	}
	return entry.HighRisk, nil
}

// InteractionSeverity implements reconcile.RiskSource
func (c *Client) InteractionSeverity(ctx context.Context, ingredient string) (reconcile.InteractionSeverity, error) {
	entry, err := c.lookup(ctx, ingredient)
	if err != nil {
		return c.fallback.InteractionSeverity(ctx, ingredient)
	}
	if entry.Interaction == "" {
		return reconcile.InteractionNone, nil
	}
	return entry.Interaction, nil
}

// lookup fetches one ingredient through the circuit breaker and caches the
// answer in the fallback catalog
func (c *Client) lookup(ctx context.Context, ingredient string) (Entry, error) {
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.fetch(ctx, ingredient)
	})
	if err != nil {
		c.logger.Warn("risk lookup failed, using local catalog",
			zap.String("ingredient", ingredient),
			zap.Error(err))
		return Entry{}, err
	}

	entry := result.(Entry)
	c.fallback.Upsert(entry)
	return entry, nil
}

func (c *Client) fetch(ctx context.Context, ingredient string) (Entry, error) {
	endpoint := fmt.Sprintf("%s/v1/risk/%s", c.config.BaseURL, url.PathEscape(ingredient))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("risk service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// unknown ingredient: not high risk, no interactions
		return Entry{Ingredient: ingredient}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Entry{}, fmt.Errorf("risk service returned %d", resp.StatusCode)
	}

	var body riskResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Entry{}, fmt.Errorf("decode response: %w", err)
	}

	return Entry{
		Ingredient:  body.Ingredient,
		HighRisk:    body.HighRisk,
		RiskClass:   body.RiskClass,
		Interaction: reconcile.InteractionSeverity(body.Interaction),
	}, nil
}

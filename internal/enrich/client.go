package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Enricher produces the enriched content for a raw cell query
type Enricher interface {
	Enrich(ctx context.Context, query string) (string, error)
	IsHealthy(ctx context.Context) bool
}

// Client handles communication with the external agent service that performs
// the actual web-search/AI enrichment
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

// EnrichRequest represents an agent service enrichment request
type EnrichRequest struct {
	Query string `json:"query"`
}

// EnrichResponse represents the response from the enrichment endpoint
type EnrichResponse struct {
	Content string `json:"content"`
}

// NewClient creates a new agent service client
func NewClient() *Client {
	baseURL := os.Getenv("AGENT_SERVICE_URL")
	if baseURL == "" {
		baseURL = "http://agent-service:8000"
		log.Printf("WARN: AGENT_SERVICE_URL not set, defaulting to %s", baseURL)
	}

	// Initialize circuit breaker
	settings := gobreaker.Settings{
		Name:        "agent-service",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tracer:  otel.Tracer("agent-service-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// SetBaseURL sets the base URL for testing purposes
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Enrich sends the raw cell content to the agent service and returns the
// enrichment result
func (c *Client) Enrich(ctx context.Context, query string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "agent_service.enrich")
	defer span.End()

	span.SetAttributes(attribute.Int("query.length", len(query)))

	// Execute with circuit breaker
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.enrichInternal(ctx, query)
	})

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to enrich content: %w", err)
	}

	content := result.(string)
	span.SetAttributes(attribute.Int("result.length", len(content)))

	return content, nil
}

// enrichInternal performs the actual HTTP request
func (c *Client) enrichInternal(ctx context.Context, query string) (string, error) {
	jsonData, err := json.Marshal(EnrichRequest{Query: query})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/enrich", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	// Inject trace context
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("agent service returned status %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return "", fmt.Errorf("agent service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var enrichResp EnrichResponse
	if err := json.NewDecoder(resp.Body).Decode(&enrichResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return enrichResp.Content, nil
}

// IsHealthy checks if the agent service is healthy
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "agent_service.health_check")
	defer span.End()

	// Use circuit breaker state as a quick health indicator
	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	url := fmt.Sprintf("%s/health", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	// Short timeout for health checks
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))

	return healthy
}

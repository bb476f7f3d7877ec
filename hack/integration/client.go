// Package integration drives a running sx-engine over HTTP.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actor is who a request is made as.
type Actor struct {
	ID   string
	Role string
}

// Client is the integration test client.
type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client
}

func NewClient(baseURL, jwtSecret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  []byte(jwtSecret),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) token(actor Actor) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  actor.ID,
		"role": actor.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Request makes an HTTP request as actor. A nil actor sends no token.
func (c *Client) Request(ctx context.Context, actor *Actor, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		tok, err := c.token(*actor)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return c.http.Do(req)
}

// JSON makes a request and decodes the JSON response into result.
func (c *Client) JSON(ctx context.Context, actor *Actor, method, path string, body, result any) error {
	status, raw, err := c.RequestWithStatus(ctx, actor, method, path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("HTTP %d: %s", status, string(raw))
	}
	if result != nil {
		return json.Unmarshal(raw, result)
	}
	return nil
}

// RequestWithStatus returns the status code and raw body.
func (c *Client) RequestWithStatus(ctx context.Context, actor *Actor, method, path string, body any) (int, []byte, error) {
	resp, err := c.Request(ctx, actor, method, path, body)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

// HealthCheck checks if the engine is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.Request(ctx, nil, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

type Request struct {
	ID       string `json:"request_id"`
	Status   string `json:"status"`
	Category string `json:"category"`
}

type Job struct {
	ID               string `json:"job_id"`
	RequestID        string `json:"request_id"`
	ProviderID       string `json:"provider_id"`
	Status           string `json:"status"`
	ProviderEarnings string `json:"provider_earnings"`
}

type Bid struct {
	ID         string `json:"bid_id"`
	ProviderID string `json:"provider_id"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
}

type Invoice struct {
	ID    string `json:"invoice_id"`
	JobID string `json:"job_id"`
	Total string `json:"total"`
	Paid  bool   `json:"paid"`
}

// RequestView is the body of GET /v1/requests/{id}.
type RequestView struct {
	Request  Request   `json:"request"`
	Bids     []Bid     `json:"bids"`
	Jobs     []Job     `json:"jobs"`
	Invoices []Invoice `json:"invoices"`
}

// UpsertProvider registers actor as a provider of categories.
func (c *Client) UpsertProvider(ctx context.Context, actor Actor, availability string, categories ...string) error {
	return c.JSON(ctx, &actor, http.MethodPut, "/v1/providers/"+actor.ID, map[string]any{
		"name":         actor.ID,
		"categories":   categories,
		"availability": availability,
	}, nil)
}

// CreateRequest posts a request and returns the created aggregate.
func (c *Client) CreateRequest(ctx context.Context, customer Actor, body map[string]any) (*RequestView, error) {
	var view RequestView
	if err := c.JSON(ctx, &customer, http.MethodPost, "/v1/requests", body, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) GetRequest(ctx context.Context, actor Actor, id string) (*RequestView, error) {
	var view RequestView
	if err := c.JSON(ctx, &actor, http.MethodGet, "/v1/requests/"+id, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

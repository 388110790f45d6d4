package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"field-service-dispatch-system/shared/clients"
	"field-service-dispatch-system/shared/config"
	"field-service-dispatch-system/shared/logx"
)

type Worker struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Active    bool   `json:"active"`
}

type listResponse struct {
	Workers []Worker `json:"workers"`
}

// Client reads the worker directory from the identity service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(cfg config.Config, logger logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.IdentityURL) == "" {
		return nil, errors.New("IDENTITY_URL is required")
	}
	return NewWithHTTPClient(cfg.IdentityURL, cfg.IdentityToken,
		&http.Client{Timeout: time.Duration(cfg.IdentityTimeoutMS) * time.Millisecond}, logger), nil
}

func NewWithHTTPClient(baseURL, token string, hc *http.Client, logger logx.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
		breaker: clients.NewBreaker("identity", logger),
	}
}

// ListActiveWorkers returns every active worker. Inactive entries returned by
// the service are filtered out.
func (c *Client) ListActiveWorkers(ctx context.Context) ([]Worker, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("identity client not initialized")
	}
	return clients.Execute(c.breaker, func() ([]Worker, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/workers?active=true", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &clients.StatusError{Service: "identity", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		var out listResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode identity response: %w", err)
		}
		active := make([]Worker, 0, len(out.Workers))
		for _, w := range out.Workers {
			if w.Active && strings.TrimSpace(w.ID) != "" {
				active = append(active, w)
			}
		}
		return active, nil
	})
}

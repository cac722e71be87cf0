// Package resultsdb is a small client for the ResultsDB HTTP API: it creates
// results and looks up groups, retrying transient failures underneath.
package resultsdb

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/models"

	json "github.com/goccy/go-json"
)

// ErrGroupLookup means the group query did not succeed. Without it no result
// can be grouped, so callers treat it as fatal for the message.
var ErrGroupLookup = errors.New("group lookup failed")

const contentTypeJSON = "application/json"

// Client talks to one ResultsDB instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*clientOptions)

type clientOptions struct {
	policy    RetryPolicy
	transport http.RoundTripper
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *clientOptions) { o.policy = p }
}

// WithTransport sets the transport the retry layer wraps. The TLS settings
// from the configuration are not applied to a custom transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// NewClient builds a client from the ResultsDB configuration.
func NewClient(cfg config.ResultsDBConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("resultsdb API URL is not configured")
	}
	o := clientOptions{policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.transport
	if base == nil {
		tlsCfg, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		base = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSClientConfig:       tlsCfg,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		// No Client.Timeout: it would bound all retries together rather than each attempt.
		httpClient: &http.Client{Transport: newRetryTransport(base, o.policy, logger)},
		logger:     logger,
	}, nil
}

// tlsConfig trusts the configured PEM bundle, or the system roots when none is set.
func tlsConfig(cfg config.ResultsDBConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Insecure {
		tc.InsecureSkipVerify = true
		return tc, nil
	}
	if cfg.CAFile == "" {
		return tc, nil
	}
	caCert, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle %s: %w", cfg.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", cfg.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

// CreateResult posts one result. It reports success only for 201 Created and
// logs the service's explanation otherwise; it never returns an error so the
// caller decides how failures aggregate.
func (c *Client) CreateResult(ctx context.Context, result *models.Result) bool {
	payload := *result
	if payload.Groups == nil {
		payload.Groups = []models.Group{}
	}
	if payload.Data == nil {
		payload.Data = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Failed to marshal result", slog.String("error", err.Error()))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/results", bytes.NewReader(body))
	if err != nil {
		c.logger.Error("Failed to create result request", slog.String("error", err.Error()))
		return false
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("The result could not be sent", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		return true
	}

	c.logger.Error("The result failed with the following",
		slog.Int("status", resp.StatusCode),
		slog.String("message", errorFromResponse(resp)),
	)
	return false
}

type groupsResponse struct {
	Data []models.Group `json:"data"`
}

// GetFirstGroup returns the first group whose description matches, or nil
// when there is none.
func (c *Client) GetFirstGroup(ctx context.Context, description string) (*models.Group, error) {
	query := url.Values{"description": []string{description}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/groups?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrGroupLookup, err)
	}
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGroupLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: the query for groups failed with the following: %s", ErrGroupLookup, errorFromResponse(resp))
	}

	var groups groupsResponse
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrGroupLookup, err)
	}
	if len(groups.Data) == 0 {
		return nil, nil
	}
	return &groups.Data[0], nil
}

// errorFromResponse prefers the JSON "message" field and falls back to the raw body.
func errorFromResponse(resp *http.Response) string {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("failed to read response body: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch msg := parsed["message"].(type) {
		case string:
			return msg
		case nil:
		default:
			if encoded, err := json.Marshal(msg); err == nil {
				return string(encoded)
			}
		}
	}
	return string(body)
}

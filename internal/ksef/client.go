// Package ksef is the transport for the national e-invoicing platform API.
// It covers only the calls needed to authenticate with a token and export invoices.
package ksef

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

const (
	ProductionURL  = "https://api.ksef.mf.gov.pl/v2"
	TestURL        = "https://api-test.ksef.mf.gov.pl/v2"
	DemoURL        = "https://api-demo.ksef.mf.gov.pl/v2"
	DefaultTimeout = 60 * time.Second

	featureHeader   = "X-KSeF-Feature"
	includeMetadata = "include-metadata"
)

// BaseURLFor maps an environment name to its API root
func BaseURLFor(env string) (string, error) {
	switch strings.ToLower(env) {
	case "", "prod", "production":
		return ProductionURL, nil
	case "test":
		return TestURL, nil
	case "demo":
		return DemoURL, nil
	default:
		return "", fmt.Errorf("unknown environment %q", env)
	}
}

// Client performs the platform calls
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	userAgent  string
}

// WithBaseURL sets a custom base URL
func WithBaseURL(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.baseURL = url
	}
}

// WithTimeout sets custom HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithHTTPClient replaces the HTTP client; the timeout option is then ignored
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.userAgent = ua
	}
}

// NewClient creates a new platform client
func NewClient(opts ...ClientOption) *Client {
	cfg := &clientConfig{
		baseURL:   ProductionURL,
		timeout:   DefaultTimeout,
		userAgent: "ksef-fetcher",
	}

	for _, opt := range opts {
		opt(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		httpClient: httpClient,
		userAgent:  cfg.userAgent,
	}
}

// BaseURL returns the API root the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PublicKeyCertificates fetches the certificate directory
func (c *Client) PublicKeyCertificates(ctx context.Context) ([]PublicKeyCertificate, error) {
	var out certificateList
	if err := c.do(ctx, call{op: "security.certificates", method: http.MethodGet, path: "/security/public-key-certificates"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Challenge requests a fresh authentication challenge
func (c *Client) Challenge(ctx context.Context) (*ChallengeResponse, error) {
	var out ChallengeResponse
	if err := c.do(ctx, call{op: "auth.challenge", method: http.MethodPost, path: "/auth/challenge"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitKSeFToken starts token authentication
func (c *Client) SubmitKSeFToken(ctx context.Context, req *TokenAuthRequest) (*TokenAuthResponse, error) {
	var out TokenAuthResponse
	if err := c.do(ctx, call{op: "auth.submit", method: http.MethodPost, path: "/auth/ksef-token", body: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthStatus fetches the status of an authentication operation
func (c *Client) AuthStatus(ctx context.Context, referenceNumber, authToken string) (*AuthStatusResponse, error) {
	var out AuthStatusResponse
	err := c.do(ctx, call{
		op:     "auth.status",
		method: http.MethodGet,
		path:   "/auth/" + url.PathEscape(referenceNumber),
		bearer: authToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RedeemToken exchanges an authentication token for an access token
func (c *Client) RedeemToken(ctx context.Context, authToken string) (*RedeemResponse, error) {
	var out RedeemResponse
	if err := c.do(ctx, call{op: "auth.redeem", method: http.MethodPost, path: "/auth/token/redeem", bearer: authToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestExport submits an invoice export job
func (c *Client) RequestExport(ctx context.Context, accessToken string, req *ExportRequest) (*ExportResponse, error) {
	var out ExportResponse
	err := c.do(ctx, call{
		op:      "export.request",
		method:  http.MethodPost,
		path:    "/invoices/exports",
		bearer:  accessToken,
		body:    req,
		headers: map[string]string{featureHeader: includeMetadata},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportStatus fetches the status of an export job
func (c *Client) ExportStatus(ctx context.Context, accessToken, referenceNumber string) (*ExportStatusResponse, error) {
	var out ExportStatusResponse
	err := c.do(ctx, call{
		op:     "export.status",
		method: http.MethodGet,
		path:   "/invoices/exports/" + url.PathEscape(referenceNumber),
		bearer: accessToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadPart fetches one encrypted package part. Part URLs are pre-signed,
// so no bearer token is sent.
func (c *Client) DownloadPart(ctx context.Context, part model.PackagePart) ([]byte, error) {
	method := part.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), part.URL, nil)
	if err != nil {
		return nil, model.ErrTransport("export.part", 0, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.ErrTransport("export.part", 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.ErrTransport("export.part", resp.StatusCode, fmt.Errorf("reading body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.ErrTransport("export.part", resp.StatusCode, fmt.Errorf("part %d download failed", part.OrdinalNumber))
	}

	return data, nil
}

type validator interface {
	validate() error
}

type call struct {
	op      string
	method  string
	path    string
	bearer  string
	body    any
	headers map[string]string
}

func (c *Client) do(ctx context.Context, cl call, out validator) error {
	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return model.ErrTransport(cl.op, 0, fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return model.ErrTransport(cl.op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+cl.bearer)
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.ErrTransport(cl.op, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ErrTransport(cl.op, resp.StatusCode, fmt.Errorf("reading body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.ErrTransport(cl.op, resp.StatusCode, errorFromBody(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return model.ErrDecode(cl.op, "malformed response body", err)
	}
	if err := out.validate(); err != nil {
		return model.ErrDecode(cl.op, "invalid response", err)
	}

	return nil
}

func errorFromBody(data []byte) error {
	var exc exceptionResponse
	if err := json.Unmarshal(data, &exc); err == nil {
		if msg := exc.message(); msg != "" {
			return errors.New(msg)
		}
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return errors.New("empty response body")
	}
	return errors.New(text)
}

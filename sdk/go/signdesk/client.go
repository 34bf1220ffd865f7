// Package signdesk is the Go client for the signing service: the operator
// contract API and the public signing link endpoints.
package signdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/signinglink"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("signdesk: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an API error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	route      string
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithOperatorToken authenticates calls to the /v1 operator API.
func WithOperatorToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSigningRoute overrides the public path segment of signing links.
func WithSigningRoute(route string) Option {
	return func(c *Client) { c.route = strings.Trim(route, "/") }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		route:      signinglink.DefaultRoute,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

type SignatoryLink = signinglink.SignatoryLink

type Event struct {
	Seq        int64          `json:"seq"`
	ContractID string         `json:"contract_id"`
	Type       string         `json:"type"`
	Actor      string         `json:"actor"`
	At         time.Time      `json:"at"`
	Payload    map[string]any `json:"payload"`
}

type ListOptions struct {
	Status contract.Status
	Limit  int
	Offset int
}

func (c *Client) CreateContract(ctx context.Context, d contract.Draft) (*contract.Contract, error) {
	var out struct {
		Contract contract.Contract `json:"contract"`
	}
	if _, err := c.call(ctx, http.MethodPost, "/v1/contracts", d, nil, false, &out); err != nil {
		return nil, err
	}
	return &out.Contract, nil
}

func (c *Client) GetContract(ctx context.Context, id string) (*contract.Contract, error) {
	var out struct {
		Contract contract.Contract `json:"contract"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(id), nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out.Contract, nil
}

func (c *Client) ListContracts(ctx context.Context, opts ListOptions) ([]contract.Contract, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/contracts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Contracts []contract.Contract `json:"contracts"`
	}
	if _, err := c.call(ctx, http.MethodGet, path, nil, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Contracts, nil
}

func (c *Client) EditContract(ctx context.Context, id string, p contract.Patch) (*contract.Contract, error) {
	var out struct {
		Contract contract.Contract `json:"contract"`
	}
	if _, err := c.call(ctx, http.MethodPatch, "/v1/contracts/"+url.PathEscape(id), p, nil, false, &out); err != nil {
		return nil, err
	}
	return &out.Contract, nil
}

func (c *Client) DeleteContract(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodDelete, "/v1/contracts/"+url.PathEscape(id), nil, nil, false, nil)
	return err
}

// SendContract marks the contract sent and returns the per-signatory links.
func (c *Client) SendContract(ctx context.Context, id string) (*contract.Contract, []SignatoryLink, error) {
	var out struct {
		Contract contract.Contract `json:"contract"`
		Links    []SignatoryLink   `json:"links"`
	}
	if _, err := c.call(ctx, http.MethodPost, "/v1/contracts/"+url.PathEscape(id)+":send", nil, nil, false, &out); err != nil {
		return nil, nil, err
	}
	return &out.Contract, out.Links, nil
}

func (c *Client) DuplicateContract(ctx context.Context, id string) (*contract.Contract, error) {
	var out struct {
		Contract contract.Contract `json:"contract"`
	}
	if _, err := c.call(ctx, http.MethodPost, "/v1/contracts/"+url.PathEscape(id)+":duplicate", nil, nil, false, &out); err != nil {
		return nil, err
	}
	return &out.Contract, nil
}

func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(id)+"/events", nil, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// EvidencePDF downloads the evidence document of a signed contract.
func (c *Client) EvidencePDF(ctx context.Context, id string) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(id)+"/evidence.pdf", nil, map[string]string{"Accept": "application/pdf"}, true)
	return body, err
}

// LinkView is what a signing link shows its recipient.
type LinkView struct {
	View           signinglink.View    `json:"view"`
	CanSign        bool                `json:"can_sign"`
	SignatoryEmail string              `json:"signatory_email,omitempty"`
	SignatoryIndex int                 `json:"signatory_index"`
	Pending        []string            `json:"pending,omitempty"`
	Contract       contract.PublicView `json:"contract"`
}

func (c *Client) linkPath(id, email string) string {
	p := "/" + c.route + "/" + url.PathEscape(id)
	if strings.TrimSpace(email) != "" {
		p += "?" + url.Values{"email": {email}}.Encode()
	}
	return p
}

func (c *Client) ResolveLink(ctx context.Context, id, email string) (*LinkView, error) {
	var out LinkView
	if _, err := c.call(ctx, http.MethodGet, c.linkPath(id, email), nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type SignRequest struct {
	ClientName     string             `json:"client_name,omitempty"`
	CPF            string             `json:"cpf"`
	BirthDate      string             `json:"birth_date"`
	SignatureImage string             `json:"signature_image"`
	Source         string             `json:"source,omitempty"`
	IPAddress      string             `json:"ip_address,omitempty"`
	Location       *contract.Location `json:"location,omitempty"`
	SignedAt       *time.Time         `json:"signed_at,omitempty"`
	SignatoryEmail string             `json:"signatoryEmail,omitempty"`
}

type SignResult struct {
	ContractID     string `json:"contract_id"`
	SignatoryEmail string `json:"signatory_email"`
	SignatoryIndex int    `json:"signatory_index"`
	SignedAt       string `json:"signed_at"`
	Status         string `json:"status"`
	Completed      bool   `json:"completed"`
	// Replayed is set when the server answered from a stored response.
	Replayed bool `json:"-"`
}

// Sign submits a signature. A non-empty idempotencyKey makes the call safe
// to retry; without one it is never retried.
func (c *Client) Sign(ctx context.Context, id string, req SignRequest, idempotencyKey string) (*SignResult, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var out SignResult
	hdr, err := c.call(ctx, http.MethodPost, c.linkPath(id, ""), req, headers, idempotencyKey != "", &out)
	if err != nil {
		return nil, err
	}
	out.Replayed = hdr.Get("Idempotent-Replayed") == "true"
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, headers map[string]string, retryable bool, out any) (http.Header, error) {
	respBody, hdr, err := c.do(ctx, method, path, body, headers, retryable)
	if err != nil {
		return nil, err
	}
	if out == nil || len(respBody) == 0 {
		return hdr, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return hdr, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, retryable bool) ([]byte, http.Header, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "signdesk-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" && strings.HasPrefix(path, "/v1/") {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts && ctx.Err() == nil {
				sleepWithBackoff(ctx, c.retry, attempt, "")
				continue
			}
			return nil, nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, resp.Header, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(ctx, c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return nil, nil, parseError(resp.StatusCode, respBody)
	}
	return nil, nil, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(ctx context.Context, cfg RetryConfig, attempt int, retryAfter string) {
	d := time.Duration(0)
	if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
		d = time.Duration(sec) * time.Second
	} else {
		d = cfg.BaseDelay << (attempt - 1)
		if d > 0 {
			d = time.Duration(rand.Int64N(int64(d)) + 1)
		}
	}
	if d > cfg.MaxDelay || d < 0 {
		d = cfg.MaxDelay
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func parseError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.Code, _ = obj["code"].(string)
	out.Message, _ = obj["error"].(string)
	out.RequestID, _ = obj["request_id"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

// Package crm is a small client for the Zoho-style CRM REST API.
//
// Every call waits on a client-side rate limiter and runs inside a circuit
// breaker. Failures are returned as *APIError so callers can classify them by
// HTTP status as well as by message.
package crm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/metrics"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Defaults for the client.
const (
	DefaultBaseURL          = "https://www.zohoapis.com"
	DefaultCredentialName   = "zoho"
	DefaultTimeout          = 30 * time.Second
	DefaultRequestsPerSec   = 10
	DefaultBurst            = 10
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
	maxErrorBody            = 4096
)

// ErrNoRecordID is returned when the CRM accepts a record but reports no id.
var ErrNoRecordID = errors.New("crm response carried no record id")

// TokenSource supplies bearer tokens for a named credential.
type TokenSource interface {
	GetValidToken(ctx context.Context, name string) (*oauth2.Token, error)
}

// APIError is a non-2xx response or a record-level rejection.
type APIError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "crm %s: %d %s", e.Operation, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		b.WriteString(": ")
		if e.Field != "" {
			fmt.Fprintf(&b, "field %s ", e.Field)
		}
		b.WriteString(e.Message)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	return b.String()
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTokenSource sets the bearer token provider and credential name.
func WithTokenSource(ts TokenSource, credential string) Option {
	return func(c *Client) {
		c.tokens = ts
		if credential != "" {
			c.credential = credential
		}
	}
}

// WithRateLimit sets the client-side request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerTimeout = openFor
	}
}

// Client talks to the CRM API.
type Client struct {
	baseURL         string
	http            *http.Client
	tokens          TokenSource
	credential      string
	limiter         *rate.Limiter
	breakerFailures uint32
	breakerTimeout  time.Duration
	breaker         *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:         DefaultBaseURL,
		http:            &http.Client{Timeout: DefaultTimeout},
		credential:      DefaultCredentialName,
		limiter:         rate.NewLimiter(rate.Limit(DefaultRequestsPerSec), DefaultBurst),
		breakerFailures: DefaultFailureThreshold,
		breakerTimeout:  DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "crm",
		MaxRequests: 1,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.breakerFailures
		},
		IsSuccessful: func(err error) bool {
			// client errors say nothing about the CRM's health
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Client.breaker: state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	slog.Debug("Client.NewClient: created", "baseURL", c.baseURL, "credential", c.credential)
	return c
}

// BreakerState reports the circuit breaker state name.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

type upsertRequest struct {
	Data []map[string]any `json:"data"`
}

type recordResult struct {
	Code    string         `json:"code"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type upsertResponse struct {
	Data []recordResult `json:"data"`
}

// CreateOrUpdate upserts one record into module and returns its CRM id.
func (c *Client) CreateOrUpdate(ctx context.Context, module string, record map[string]any) (string, error) {
	const op = "upsert"
	body, err := json.Marshal(upsertRequest{Data: []map[string]any{record}})
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}

	respBody, err := c.do(ctx, op, http.MethodPost, "/crm/v2/"+url.PathEscape(module)+"/upsert", body)
	if err != nil {
		return "", err
	}

	var resp upsertResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to decode upsert response: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", ErrNoRecordID
	}
	result := resp.Data[0]
	if !strings.EqualFold(result.Status, "success") {
		apiErr := &APIError{Operation: op, StatusCode: http.StatusBadRequest, Code: result.Code, Message: result.Message}
		if field, ok := result.Details["api_name"].(string); ok {
			apiErr.Field = field
		}
		return "", apiErr
	}
	id, _ := result.Details["id"].(string)
	if id == "" {
		return "", ErrNoRecordID
	}
	slog.Debug("Client.CreateOrUpdate: record upserted", "module", module, "id", id, "code", result.Code)
	return id, nil
}

type fieldsResponse struct {
	Fields []struct {
		APIName     string `json:"api_name"`
		FieldLabel  string `json:"field_label"`
		DataType    string `json:"data_type"`
		Length      int    `json:"length"`
		CustomField bool   `json:"custom_field"`
	} `json:"fields"`
}

// GetFields returns the field metadata of module.
func (c *Client) GetFields(ctx context.Context, module string) ([]models.FieldMetadata, error) {
	respBody, err := c.do(ctx, "fields", http.MethodGet, "/crm/v2/settings/fields?module="+url.QueryEscape(module), nil)
	if err != nil {
		return nil, err
	}
	var resp fieldsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode fields response: %w", err)
	}
	fields := make([]models.FieldMetadata, 0, len(resp.Fields))
	for _, f := range resp.Fields {
		fields = append(fields, models.FieldMetadata{
			APIName:       f.APIName,
			Label:         f.FieldLabel,
			DataType:      f.DataType,
			MaxLength:     f.Length,
			IsCustomField: f.CustomField,
		})
	}
	return fields, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("crm %s: rate limiter wait: %w", op, err)
	}

	started := time.Now()
	respBody, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, op, method, path, body)
	})
	metrics.CRMLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		metrics.CRMRequests.WithLabelValues(op, "success").Inc()
		return respBody, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CRMRequests.WithLabelValues(op, "rejected").Inc()
		return nil, fmt.Errorf("crm %s: remote server error, circuit %s: %w", op, c.breaker.State(), err)
	default:
		metrics.CRMRequests.WithLabelValues(op, "error").Inc()
		return nil, err
	}
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("crm %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.GetValidToken(ctx, c.credential)
		if err != nil {
			return nil, fmt.Errorf("crm %s: access_token unavailable: %w", op, err)
		}
		req.Header.Set("Authorization", "Zoho-oauthtoken "+tok.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm %s: network request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("crm %s: read response: connection interrupted: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(op, resp.StatusCode, respBody)
	}
	return respBody, nil
}

// decodeAPIError extracts the CRM error envelope, either {"code","message"}
// or {"data":[{"code","message","details"}]}.
func decodeAPIError(op string, status int, body []byte) *APIError {
	apiErr := &APIError{Operation: op, StatusCode: status}
	var flat recordResult
	if err := json.Unmarshal(body, &flat); err == nil && flat.Code != "" {
		apiErr.Code = flat.Code
		apiErr.Message = flat.Message
		return apiErr
	}
	var wrapped upsertResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Data) > 0 {
		apiErr.Code = wrapped.Data[0].Code
		apiErr.Message = wrapped.Data[0].Message
		if field, ok := wrapped.Data[0].Details["api_name"].(string); ok {
			apiErr.Field = field
		}
		return apiErr
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}

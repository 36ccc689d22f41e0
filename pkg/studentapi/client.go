// Package studentapi is a typed client for the externally owned student REST API.
package studentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/metrics"
	"github.com/classbook/backend/pkg/payment"
	"github.com/google/uuid"
)

// APIError is a request the API answered with a failure. Message is the
// server's own text and is safe to show to the user; it is empty when the
// server gave none.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("student api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("student api: status %d: %s", e.StatusCode, e.Message)
}

var _ payment.Gateway = (*Client)(nil)

// Client talks to the student API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do sends one request and decodes the response into out (when non-nil).
// endpoint is a stable name used for metrics.
func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode >= 400 || (env.Success != nil && !*env.Success) {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

func studentQuery(studentID int64) url.Values {
	return url.Values{"studentId": {strconv.FormatInt(studentID, 10)}}
}

// ListStudents returns the students linked to the caller.
func (c *Client) ListStudents(ctx context.Context) ([]domain.StudentSummary, error) {
	var resp struct {
		Students []domain.StudentSummary `json:"students"`
	}
	if err := c.do(ctx, "students.list", http.MethodGet, "/students", url.Values{"list": {"true"}}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Students, nil
}

// StudentDashboard returns the raw dashboard payload for one student.
func (c *Client) StudentDashboard(ctx context.Context, studentID int64) (domain.Dashboard, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "students.get", http.MethodGet, "/students", studentQuery(studentID), nil, &raw); err != nil {
		return nil, err
	}
	return domain.Dashboard(raw), nil
}

// ListPackages returns the packages the student may subscribe to.
func (c *Client) ListPackages(ctx context.Context, studentID int64) ([]domain.SubscriptionPackage, error) {
	var resp struct {
		Packages []domain.SubscriptionPackage `json:"packages"`
	}
	if err := c.do(ctx, "packages.list", http.MethodGet, "/subscription-packages", studentQuery(studentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Packages, nil
}

// ListSubscriptions returns every subscription row of the student.
func (c *Client) ListSubscriptions(ctx context.Context, studentID int64) ([]domain.Subscription, error) {
	var resp struct {
		Subscriptions []domain.Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, "subscriptions.list", http.MethodGet, "/subscriptions", studentQuery(studentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Deposit starts a provider checkout that tops up the student's balance.
func (c *Client) Deposit(ctx context.Context, req payment.DepositRequest) (*payment.Checkout, error) {
	body := map[string]any{
		"studentId": req.StudentID,
		"provider":  req.Provider,
		"amount":    json.Number(req.Amount.String()),
		"currency":  req.Currency,
		"mode":      "deposit",
	}
	return c.checkout(ctx, "payments.checkout", "/payments/checkout", body)
}

// Subscribe starts a provider checkout for a package.
func (c *Client) Subscribe(ctx context.Context, studentID, packageID int64) (*payment.Checkout, error) {
	body := map[string]int64{"studentId": studentID, "packageId": packageID}
	return c.checkout(ctx, "payments.subscription", "/payments/subscription", body)
}

func (c *Client) checkout(ctx context.Context, endpoint, path string, body any) (*payment.Checkout, error) {
	var resp domain.CheckoutSession
	if err := c.do(ctx, endpoint, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.CheckoutURL == "" {
		return nil, &APIError{StatusCode: http.StatusOK}
	}
	return &payment.Checkout{URL: resp.CheckoutURL, TxRef: resp.TxRef}, nil
}

// VerifySession asks whether the latest checkout for the student and package
// has been confirmed by the provider webhook.
func (c *Client) VerifySession(ctx context.Context, studentID, packageID int64) (*domain.VerifySessionResult, error) {
	body := map[string]int64{"studentId": studentID, "packageId": packageID}
	var resp domain.VerifySessionResult
	if err := c.do(ctx, "payments.verify", http.MethodPost, "/payments/verify-session", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upgrade switches the subscription to a more expensive package.
func (c *Client) Upgrade(ctx context.Context, subscriptionID, packageID int64) (*domain.PlanChangeResult, error) {
	return c.changePlan(ctx, "subscriptions.upgrade", subscriptionID, "upgrade", packageID)
}

// Downgrade switches the subscription to a cheaper package at period end.
func (c *Client) Downgrade(ctx context.Context, subscriptionID, packageID int64) (*domain.PlanChangeResult, error) {
	return c.changePlan(ctx, "subscriptions.downgrade", subscriptionID, "downgrade", packageID)
}

func (c *Client) changePlan(ctx context.Context, endpoint string, subscriptionID int64, action string, packageID int64) (*domain.PlanChangeResult, error) {
	path := fmt.Sprintf("/subscriptions/%d/%s", subscriptionID, action)
	body := map[string]int64{"newPackageId": packageID}
	var resp domain.PlanChangeResult
	if err := c.do(ctx, endpoint, http.MethodPatch, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels the subscription.
func (c *Client) Cancel(ctx context.Context, subscriptionID int64) error {
	return c.do(ctx, "subscriptions.cancel", http.MethodDelete, fmt.Sprintf("/subscriptions/%d", subscriptionID), nil, nil, nil)
}

// IsAPIError reports whether err is a failure answered by the API, as
// opposed to a transport error.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

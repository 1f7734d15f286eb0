// Package tickets mirrors maintenance work orders from MaintainX into local
// maintenance tasks.
package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"mesinsight/internal/errs"
)

const (
	defaultBaseURL  = "https://api.getmaintainx.com/v1"
	defaultTimeout  = 10 * time.Second
	defaultBackoff  = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
	defaultPageSize = 200
)

// WorkOrder is a MaintainX work order as returned by both the list and
// detail endpoints.
type WorkOrder struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	AssetID     *int64  `json:"assetId"`
	AssigneeIDs []int64 `json:"assigneeIds"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

// User is a MaintainX user.
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// FullName joins first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Asset is a MaintainX asset; ParentID links sub-components to their machine.
type Asset struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parentId"`
}

// Page is one page of work orders.
type Page struct {
	WorkOrders []WorkOrder
	NextCursor string
}

// ClientConfig configures the API client.
type ClientConfig struct {
	Token      string
	BaseURL    string
	PageSize   int
	MaxRetries int
	Timeout    time.Duration
}

// Client talks to the MaintainX REST API.
type Client struct {
	http       *fasthttp.Client
	token      string
	baseURL    string
	pageSize   int
	maxRetries int
	timeout    time.Duration
	backoff    time.Duration
	log        zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: maintainx token is not set", errs.ErrMissingCredentials)
	}
	c := &Client{
		http: &fasthttp.Client{
			Name:                "mesinsight",
			MaxConnsPerHost:     16,
			ReadTimeout:         defaultTimeout,
			WriteTimeout:        defaultTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		token:      cfg.Token,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		backoff:    defaultBackoff,
		log:        log,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	return c, nil
}

// ListWorkOrders returns one page starting at cursor ("" for the first page).
func (c *Client) ListWorkOrders(ctx context.Context, cursor string) (Page, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.SetUint("limit", c.pageSize)
	if cursor != "" {
		args.Set("cursor", cursor)
	}

	var body struct {
		WorkOrders []WorkOrder `json:"workOrders"`
		Items      []WorkOrder `json:"items"`
		NextCursor string      `json:"nextCursor"`
	}
	found, err := c.get(ctx, "/workorders?"+args.String(), &body)
	if err != nil || !found {
		return Page{}, err
	}

	page := Page{WorkOrders: body.WorkOrders, NextCursor: body.NextCursor}
	if page.WorkOrders == nil {
		page.WorkOrders = body.Items
	}
	return page, nil
}

// WorkOrder fetches one work order; nil when it no longer exists.
func (c *Client) WorkOrder(ctx context.Context, id int64) (*WorkOrder, error) {
	var body struct {
		WorkOrder *WorkOrder `json:"workOrder"`
	}
	return unwrap(c, ctx, "/workorders/"+strconv.FormatInt(id, 10), &body, func() *WorkOrder { return body.WorkOrder })
}

// User fetches one user; nil when unknown.
func (c *Client) User(ctx context.Context, id int64) (*User, error) {
	var body struct {
		User *User `json:"user"`
	}
	return unwrap(c, ctx, "/users/"+strconv.FormatInt(id, 10), &body, func() *User { return body.User })
}

// Asset fetches one asset; nil when unknown.
func (c *Client) Asset(ctx context.Context, id int64) (*Asset, error) {
	var body struct {
		Asset *Asset `json:"asset"`
	}
	return unwrap(c, ctx, "/assets/"+strconv.FormatInt(id, 10), &body, func() *Asset { return body.Asset })
}

// unwrap decodes a detail response that may or may not be wrapped in an
// envelope object.
func unwrap[T any](c *Client, ctx context.Context, path string, envelope any, inner func() *T) (*T, error) {
	raw, found, err := c.fetch(ctx, path)
	if err != nil || !found {
		return nil, err
	}
	if err := json.Unmarshal(raw, envelope); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", errs.ErrExternalSource, path, err)
	}
	if v := inner(); v != nil {
		return v, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", errs.ErrExternalSource, path, err)
	}
	return &v, nil
}

func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	raw, found, err := c.fetch(ctx, path)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %w", errs.ErrExternalSource, path, err)
	}
	return true, nil
}

// fetch performs a GET with retries on 429. A 404 reports found=false.
func (c *Client) fetch(ctx context.Context, path string) ([]byte, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryDelay(lastErr, c.backoff, attempt)
			c.log.Warn().Str("path", path).Int("attempt", attempt).Dur("wait", wait).Msg("maintainx rate limited, backing off")
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(wait):
			}
		}

		raw, found, err := c.do(ctx, path)
		if err == nil || !errs.Retryable(err) {
			return raw, found, err
		}
		lastErr = err
	}
	return nil, false, lastErr
}

// rateLimitError carries the server's Retry-After hint.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return errs.ErrRateLimited.Error() }
func (e *rateLimitError) Unwrap() error { return errs.ErrRateLimited }

func retryDelay(err error, base time.Duration, attempt int) time.Duration {
	var rl *rateLimitError
	if errors.As(err, &rl) && rl.retryAfter > 0 {
		return min(rl.retryAfter, maxBackoff)
	}
	return min(base<<(attempt-1), maxBackoff)
}

func (c *Client) do(ctx context.Context, path string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, false, fmt.Errorf("%w: GET %s: %w", errs.ErrExternalSource, path, err)
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusTooManyRequests:
		secs, _ := strconv.Atoi(string(resp.Header.Peek(fasthttp.HeaderRetryAfter)))
		return nil, false, &rateLimitError{retryAfter: time.Duration(secs) * time.Second}
	case code == fasthttp.StatusNotFound:
		return nil, false, nil
	case code < 200 || code >= 300:
		return nil, false, fmt.Errorf("%w: GET %s: status %d", errs.ErrExternalSource, path, code)
	}

	return append([]byte(nil), resp.Body()...), true, nil
}

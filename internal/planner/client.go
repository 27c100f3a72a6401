// Package planner reads one Microsoft Planner plan from Microsoft Graph.
//
// The client issues exactly three GETs per run (tasks, buckets, details). It
// does not follow @odata.nextLink, retry, or back off on throttling.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"planneretl/internal/auth"
	"planneretl/internal/metrics"
	"planneretl/internal/records"
)

// DefaultBaseURL is the Graph v1.0 root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// maxErrorBody bounds the response excerpt kept in HTTPError.
const maxErrorBody = 2048

// ErrNoAccessToken is returned before any request when the credential carries
// no token. It is the same value as auth.ErrNoAccessToken.
var ErrNoAccessToken = auth.ErrNoAccessToken

// HTTPError is a non-2xx response from Graph.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("planner: %s %s: %d %s: %s",
		e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// TasksPage is the body of GET /planner/plans/{id}/tasks.
type TasksPage struct {
	Context  string           `json:"@odata.context,omitempty"`
	Count    *int             `json:"@odata.count,omitempty"`
	NextLink string           `json:"@odata.nextLink,omitempty"`
	Value    []records.Record `json:"value"`
}

// Bucket is one entry of GET /planner/plans/{id}/buckets.
type Bucket struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PlanID    string `json:"planId"`
	OrderHint string `json:"orderHint"`
}

type bucketsPage struct {
	Value []Bucket `json:"value"`
}

// CategoryName is one (category id, display name) pair from the plan details.
// Name is nil when the plan leaves the label unset.
type CategoryName struct {
	ID   string
	Name *string
}

type planDetails struct {
	ID                   string         `json:"id"`
	CategoryDescriptions records.Record `json:"categoryDescriptions"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client (default: 60s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client reads one plan.
type Client struct {
	http    *http.Client
	baseURL string
	planID  string
}

// NewClient builds a client for planID under baseURL (DefaultBaseURL if empty).
func NewClient(baseURL, planID string, opts ...Option) (*Client, error) {
	if planID == "" {
		return nil, fmt.Errorf("planner: plan id is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("planner: base url: %w", err)
	}
	c := &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		planID:  planID,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// FetchTasks returns the plan's tasks payload. Callers read Value.
func (c *Client) FetchTasks(ctx context.Context, tok *oauth2.Token) (TasksPage, error) {
	var page TasksPage
	if err := c.get(ctx, tok, "tasks", &page); err != nil {
		return TasksPage{}, err
	}
	return page, nil
}

// FetchBuckets returns bucket id -> bucket name.
func (c *Client) FetchBuckets(ctx context.Context, tok *oauth2.Token) (map[string]string, error) {
	var page bucketsPage
	if err := c.get(ctx, tok, "buckets", &page); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(page.Value))
	for _, b := range page.Value {
		out[b.ID] = b.Name
	}
	return out, nil
}

// FetchCategories returns the plan's category labels in response order.
func (c *Client) FetchCategories(ctx context.Context, tok *oauth2.Token) ([]CategoryName, error) {
	var d planDetails
	if err := c.get(ctx, tok, "details", &d); err != nil {
		return nil, err
	}

	out := make([]CategoryName, 0, d.CategoryDescriptions.Len())
	for _, id := range d.CategoryDescriptions.Keys() {
		cn := CategoryName{ID: id}
		switch v := d.CategoryDescriptions.Value(id).(type) {
		case nil:
		case string:
			cn.Name = &v
		default:
			s := fmt.Sprint(v)
			cn.Name = &s
		}
		out = append(out, cn)
	}
	return out, nil
}

// get issues GET {base}/planner/plans/{plan}/{resource} and decodes the body into dst.
func (c *Client) get(ctx context.Context, tok *oauth2.Token, resource string, dst any) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("fetch %s: %w", resource, ErrNoAccessToken)
	}

	endpoint := c.baseURL + "/planner/plans/" + url.PathEscape(c.planID) + "/" + resource
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("planner: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(resource, 0, err, time.Since(start), -1)
		return fmt.Errorf("planner: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordHTTP(resource, resp.StatusCode, err, time.Since(start), int64(len(body)))
	if err != nil {
		return fmt.Errorf("planner: read %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := body
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return &HTTPError{
			Method:     http.MethodGet,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(excerpt)),
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("planner: decode %s: %w", resource, err)
	}
	return nil
}

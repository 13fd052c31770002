package exthost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the extension host REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Extension is the manifest-derived description of an extension.
type Extension struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name,omitempty"`
	Publisher             string   `json:"publisher,omitempty"`
	Version               string   `json:"version,omitempty"`
	Main                  string   `json:"main,omitempty"`
	ExtensionDependencies []string `json:"extensionDependencies,omitempty"`
	ActivationEvents      []string `json:"activationEvents,omitempty"`
	Capabilities          []string `json:"capabilities,omitempty"`
	Location              string   `json:"location,omitempty"`
}

// ExtensionStatus is the activation state of one extension.
type ExtensionStatus struct {
	Description  Extension  `json:"description"`
	State        string     `json:"state"`
	ActivationID string     `json:"activation_id,omitempty"`
	Trigger      string     `json:"trigger,omitempty"`
	Error        string     `json:"error,omitempty"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
}

// Failed reports whether the extension ended in the failed state.
func (s ExtensionStatus) Failed() bool { return s.State == "failed" }

// Message is a diagnostic produced while activating extensions.
type Message struct {
	ID           string    `json:"id"`
	Severity     string    `json:"severity"`
	Code         string    `json:"code"`
	ExtensionID  string    `json:"extension_id,omitempty"`
	DependencyID string    `json:"dependency_id,omitempty"`
	Text         string    `json:"text"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ActivationRecord is one entry of the activation history.
type ActivationRecord struct {
	ActivationID string `json:"activation_id"`
	ExtensionID  string `json:"extension_id"`
	Trigger      string `json:"trigger,omitempty"`
	Failed       bool   `json:"failed"`
	ErrorCode    string `json:"error_code,omitempty"`
	Error        string `json:"error,omitempty"`
	StartedAt    int64  `json:"started_at"`
	DurationMS   int64  `json:"duration_ms"`
}

// Graph summarises dependency problems of the registered extensions.
type Graph struct {
	Cycles  [][]string          `json:"cycles"`
	Missing map[string][]string `json:"missing"`
}

// EventResult is returned when an activation event is fired.
type EventResult struct {
	Event  string `json:"event"`
	Status string `json:"status"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("exthost api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("exthost api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the extension host API. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request. An empty token
// disables the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// ListExtensions returns every registered extension, optionally filtered by state.
func (c *Client) ListExtensions(ctx context.Context, state string) ([]ExtensionStatus, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	var out []ExtensionStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/extensions", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetExtension returns the status of one extension.
func (c *Client) GetExtension(ctx context.Context, id string) (ExtensionStatus, error) {
	var out ExtensionStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/extensions/"+id, nil, &out); err != nil {
		return ExtensionStatus{}, err
	}
	return out, nil
}

// Activate activates an extension and its dependencies. A failed activation
// is not an error: the returned status carries the failure.
func (c *Client) Activate(ctx context.Context, id string) (ExtensionStatus, error) {
	var out ExtensionStatus
	err := c.call(ctx, http.MethodPost, "/api/v1/extensions/"+id+"/activate", nil, &out, http.StatusUnprocessableEntity)
	if err != nil {
		return ExtensionStatus{}, err
	}
	return out, nil
}

// FireEvent activates every extension listening to event. With async the
// event is queued and the call returns before activation completes.
func (c *Client) FireEvent(ctx context.Context, event string, async bool) (EventResult, error) {
	q := url.Values{}
	if async {
		q.Set("async", "true")
	}
	var out EventResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/events/"+event, q, &out); err != nil {
		return EventResult{}, err
	}
	return out, nil
}

// Messages returns the newest diagnostics, optionally for one extension.
func (c *Client) Messages(ctx context.Context, extensionID string, limit int) ([]Message, error) {
	var out []Message
	if err := c.call(ctx, http.MethodGet, "/api/v1/messages", listQuery(extensionID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the newest activation records, optionally for one extension.
func (c *Client) History(ctx context.Context, extensionID string, limit int) ([]ActivationRecord, error) {
	var out []ActivationRecord
	if err := c.call(ctx, http.MethodGet, "/api/v1/history", listQuery(extensionID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Graph returns dependency cycles and missing dependencies.
func (c *Client) Graph(ctx context.Context) (Graph, error) {
	var out Graph
	if err := c.call(ctx, http.MethodGet, "/api/v1/graph", nil, &out); err != nil {
		return Graph{}, err
	}
	return out, nil
}

func listQuery(extensionID string, limit int) url.Values {
	q := url.Values{}
	if extensionID != "" {
		q.Set("extension", extensionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, out any, accept ...int) error {
	req, err := c.newRequest(ctx, method, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out, accept)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any, accept []int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && !slices.Contains(accept, resp.StatusCode) {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

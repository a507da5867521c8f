package sitswapsdk

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
)

// Client is a minimal SitSwap HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	Username    string
	Password    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// User represents the API user model.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
	Points      int64  `json:"points"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type Pet struct {
	Name         string `json:"name,omitempty"`
	Breed        string `json:"breed,omitempty"`
	Size         string `json:"size,omitempty"`
	SpecialNeeds string `json:"special_needs,omitempty"`
}

// Dogsit represents a dogsit request as returned by the API.
type Dogsit struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	Hours       int64  `json:"hours"`
	PointsOwed  int64  `json:"points_owed"`
	Pet         Pet    `json:"pet"`
	OwnerID     string `json:"owner_id"`
	AcceptedBy  string `json:"accepted_by,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// NewDogsit is the body of CreateRequest. Times are RFC 3339.
type NewDogsit struct {
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	Pet         Pet    `json:"pet,omitempty"`
}

type UserDogsits struct {
	Owned    []Dogsit `json:"owned"`
	Accepted []Dogsit `json:"accepted"`
}

// LedgerEntry is one balance change.
type LedgerEntry struct {
	ID           int64  `json:"id"`
	UserID       string `json:"user_id"`
	RequestID    string `json:"request_id,omitempty"`
	Kind         string `json:"kind"`
	Delta        int64  `json:"delta"`
	BalanceAfter int64  `json:"balance_after"`
	ActorID      string `json:"actor_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Signup registers a member account.
func (c *Client) Signup(ctx context.Context, username, password, displayName string) (User, error) {
	body := map[string]any{
		"username":     username,
		"password":     password,
		"display_name": displayName,
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "users", body, &resp)
	return resp, err
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
		User      User   `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

// UserDogsits returns the requests a user owns and those they accepted.
func (c *Client) UserDogsits(ctx context.Context, userID string) (UserDogsits, error) {
	var resp UserDogsits
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/dogsits", url.PathEscape(userID)), nil, &resp)
	return resp, err
}

// Ledger returns a user's balance history, newest first.
func (c *Client) Ledger(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	endpoint := fmt.Sprintf("users/%s/ledger", url.PathEscape(userID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateRequest posts a new request owned by the caller.
func (c *Client) CreateRequest(ctx context.Context, in NewDogsit) (Dogsit, error) {
	var resp Dogsit
	err := c.do(ctx, http.MethodPost, "dogsits", in, &resp)
	return resp, err
}

// ListRequests returns every request, newest first.
func (c *Client) ListRequests(ctx context.Context) ([]Dogsit, error) {
	var resp []Dogsit
	err := c.do(ctx, http.MethodGet, "dogsits", nil, &resp)
	return resp, err
}

// RequestsByStatus returns requests in one status (PENDING, ACCEPTED, COMPLETED).
func (c *Client) RequestsByStatus(ctx context.Context, status string) ([]Dogsit, error) {
	var resp []Dogsit
	err := c.do(ctx, http.MethodGet, "dogsits/status/"+url.PathEscape(status), nil, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, requestID string) (Dogsit, error) {
	var resp Dogsit
	err := c.do(ctx, http.MethodGet, "dogsits/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

// AcceptRequest accepts a pending request on behalf of sitterID, which must be
// the authenticated caller.
func (c *Client) AcceptRequest(ctx context.Context, requestID, sitterID string) (Dogsit, error) {
	var resp Dogsit
	endpoint := fmt.Sprintf("dogsits/%s/accept/%s", url.PathEscape(requestID), url.PathEscape(sitterID))
	err := c.do(ctx, http.MethodPut, endpoint, nil, &resp)
	return resp, err
}

// CompleteRequest completes an accepted request and settles points.
func (c *Client) CompleteRequest(ctx context.Context, requestID string) (Dogsit, error) {
	var resp Dogsit
	endpoint := fmt.Sprintf("dogsits/%s/complete", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPut, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Username != "":
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

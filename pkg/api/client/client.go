package client

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

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:8000"

// Client provides typed access to the lab API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// send performs the request and returns the response of a successful call.
// The caller closes the body.
func (c *Client) send(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	resp, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Session captures the token payload emitted by the API.
type Session struct {
	User   User   `json:"user"`
	Tokens Tokens `json:"tokens"`
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Tokens holds an access token and its lifetime in seconds.
type Tokens struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Signup registers an account and returns its first session.
func (c *Client) Signup(ctx context.Context, email, password string) (Session, error) {
	return c.authenticate(ctx, "/auth/signup", email, password)
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	return c.authenticate(ctx, "/auth/login", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, email, password string) (Session, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, path, body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Me returns the account behind token.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, token, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Team represents a group that shares clusters.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a team membership.
type Member struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// ListTeams returns all teams for the authenticated user.
func (c *Client) ListTeams(ctx context.Context, token string) ([]Team, error) {
	var resp struct {
		Teams []Team `json:"teams"`
	}
	if err := c.do(ctx, http.MethodGet, "/teams", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// CreateTeam creates a team owned by the caller.
func (c *Client) CreateTeam(ctx context.Context, token, name string) (Team, error) {
	var team Team
	if err := c.do(ctx, http.MethodPost, "/teams", map[string]string{"name": name}, token, &team); err != nil {
		return Team{}, err
	}
	return team, nil
}

// AddTeamMember adds the account registered as email to the team.
func (c *Client) AddTeamMember(ctx context.Context, token, teamID, email, role string) (Member, error) {
	path := fmt.Sprintf("/teams/%s/members", url.PathEscape(teamID))
	var member Member
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"email": email, "role": role}, token, &member); err != nil {
		return Member{}, err
	}
	return member, nil
}

// Cluster describes a leased cluster.
type Cluster struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	Provider       string    `json:"provider"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	OwnerID        string    `json:"owner_id"`
	TeamID         *string   `json:"team_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateClusterInput captures the payload for cluster creation.
type CreateClusterInput struct {
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	TTLHours int    `json:"ttl_hours,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
}

// ListClusters returns the clusters visible to the caller.
func (c *Client) ListClusters(ctx context.Context, token string) ([]Cluster, error) {
	var resp struct {
		Clusters []Cluster `json:"clusters"`
	}
	if err := c.do(ctx, http.MethodGet, "/clusters", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Clusters, nil
}

// CreateCluster requests a new cluster. It returns once the request is
// recorded; provisioning continues in the background.
func (c *Client) CreateCluster(ctx context.Context, token string, input CreateClusterInput) (Cluster, error) {
	var cluster Cluster
	if err := c.do(ctx, http.MethodPost, "/clusters", input, token, &cluster); err != nil {
		return Cluster{}, err
	}
	return cluster, nil
}

// GetCluster fetches one cluster.
func (c *Client) GetCluster(ctx context.Context, token, id string) (Cluster, error) {
	path := fmt.Sprintf("/clusters/%s", url.PathEscape(id))
	var cluster Cluster
	if err := c.do(ctx, http.MethodGet, path, nil, token, &cluster); err != nil {
		return Cluster{}, err
	}
	return cluster, nil
}

// DeleteCluster requests teardown of a cluster.
func (c *Client) DeleteCluster(ctx context.Context, token, id string) (Cluster, error) {
	path := fmt.Sprintf("/clusters/%s", url.PathEscape(id))
	var cluster Cluster
	if err := c.do(ctx, http.MethodDelete, path, nil, token, &cluster); err != nil {
		return Cluster{}, err
	}
	return cluster, nil
}

// Kubeconfig downloads the kubeconfig of a running cluster.
func (c *Client) Kubeconfig(ctx context.Context, token, id string) (string, error) {
	path := fmt.Sprintf("/clusters/%s/kubeconfig", url.PathEscape(id))
	resp, err := c.send(ctx, http.MethodGet, path, nil, token)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read kubeconfig: %w", err)
	}
	return string(data), nil
}

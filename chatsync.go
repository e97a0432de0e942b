// Package chatsync keeps a chat client's local conversations in sync with
// the server.
//
// It combines three pieces: a Connection that holds the live WebSocket
// channel and reconnects after drops, a Store holding conversations and
// their ordered, de-duplicated timelines, and a Session that merges startup
// history with live traffic and handles optimistic sends.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("http://localhost:8080"))
//	login, _ := client.Auth.Login(ctx, "alice", "secret")
//	client.SetToken(login.Token)
//
//	session := chatsync.NewSession(client, nil)
//	session.Start(login.Token, login.UserID)
//	defer session.Close()
//	session.Send(ctx, "bob", "hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultAuthURL = "http://localhost:8081"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api/v1"
)

// ErrNotLoggedIn is returned by calls that need a bearer token when none is
// set.
var ErrNotLoggedIn = errors.New("not logged in")

// ============================================================================
// Client
// ============================================================================

// Client talks to the gateway (friends, groups, messages, history) and the
// auth service.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	authURL    string
	wsURL      string
	httpClient *http.Client
	limiter    *rate.Limiter

	Auth          *AuthClient
	Friends       *FriendsClient
	Groups        *GroupsClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
}

type ClientOption func(*Client)

// WithBaseURL sets the gateway URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAuthURL sets the auth service URL.
func WithAuthURL(u string) ClientOption {
	return func(c *Client) { c.authURL = strings.TrimRight(u, "/") }
}

// WithWSURL overrides the live channel endpoint derived from the gateway URL.
func WithWSURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = u }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a client. Call SetToken after logging in.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		authURL: DefaultAuthURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Friends = &FriendsClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	return c
}

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// WSURL returns the live channel endpoint, without the token.
func (c *Client) WSURL() string {
	if c.wsURL != "" {
		return c.wsURL
	}
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, base, method, path string, body any, query url.Values, auth bool) ([]byte, error) {
	token := c.Token()
	if auth && token == "" {
		return nil, ErrNotLoggedIn
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit")
		}
	}

	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s: read body", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		jww.DEBUG.Printf("[HTTP] %s %s: %v", method, path, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) gateway(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	return c.doRequest(ctx, c.baseURL, method, apiPrefix+path, body, query, true)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// ============================================================================
// Sub-clients
// ============================================================================

// AuthClient handles login and registration against the auth service.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	data, err := a.c.doRequest(ctx, a.c.authURL, "POST", "/auth/login",
		map[string]string{"username": username, "password": password}, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LoginResult](data)
}

func (a *AuthClient) Register(ctx context.Context, username, email, password string) (*RegisterResult, error) {
	data, err := a.c.doRequest(ctx, a.c.authURL, "POST", "/auth/register",
		map[string]string{"username": username, "email": email, "password": password}, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RegisterResult](data)
}

// FriendsClient manages the friend list.
type FriendsClient struct{ c *Client }

func (f *FriendsClient) List(ctx context.Context) ([]Friend, error) {
	data, err := f.c.gateway(ctx, "GET", "/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Friends []Friend `json:"friends"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Friends, nil
}

// Search looks up a user by exact username.
func (f *FriendsClient) Search(ctx context.Context, username string) (*Friend, error) {
	data, err := f.c.gateway(ctx, "GET", "/users/search", nil, url.Values{"username": {username}})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Friend](data)
}

func (f *FriendsClient) Add(ctx context.Context, friendID string) error {
	_, err := f.c.gateway(ctx, "POST", "/friends", map[string]string{"friend_id": friendID}, nil)
	return err
}

func (f *FriendsClient) Remove(ctx context.Context, friendID string) error {
	_, err := f.c.gateway(ctx, "DELETE", "/friends/"+url.PathEscape(friendID), nil, nil)
	return err
}

// GroupsClient manages groups and group messages.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) Create(ctx context.Context, name string, memberIDs []string) (*Group, error) {
	data, err := g.c.gateway(ctx, "POST", "/groups", map[string]any{"name": name, "members": memberIDs}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

func (g *GroupsClient) List(ctx context.Context) ([]Group, error) {
	data, err := g.c.gateway(ctx, "GET", "/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Groups []Group `json:"groups"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Groups, nil
}

// Send posts a message to the group with server ID groupID.
func (g *GroupsClient) Send(ctx context.Context, groupID, content string) (*StoredMessage, error) {
	data, err := g.c.gateway(ctx, "POST", "/groups/"+url.PathEscape(groupID)+"/messages",
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[StoredMessage](data)
}

func (g *GroupsClient) Rename(ctx context.Context, groupID, name string) error {
	_, err := g.c.gateway(ctx, "PUT", "/groups/"+url.PathEscape(groupID)+"/name",
		map[string]string{"name": name}, nil)
	return err
}

func (g *GroupsClient) Leave(ctx context.Context, groupID string) error {
	_, err := g.c.gateway(ctx, "DELETE", "/groups/"+url.PathEscape(groupID)+"/leave", nil, nil)
	return err
}

// ConversationsClient fetches bulk history.
type ConversationsClient struct{ c *Client }

// History returns every conversation of the current user with its recent
// messages.
func (cv *ConversationsClient) History(ctx context.Context) ([]ConversationSummary, error) {
	return cv.list(ctx, "/conversations")
}

// Friends returns the direct conversations with friends.
func (cv *ConversationsClient) Friends(ctx context.Context) ([]ConversationSummary, error) {
	return cv.list(ctx, "/friends/conversations")
}

func (cv *ConversationsClient) list(ctx context.Context, path string) ([]ConversationSummary, error) {
	data, err := cv.c.gateway(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Conversations []ConversationSummary `json:"conversations"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Conversations, nil
}

// MessagesClient sends and recalls direct messages.
type MessagesClient struct{ c *Client }

// Send posts a direct text message to the user identified by to.
func (m *MessagesClient) Send(ctx context.Context, to, content string) (*StoredMessage, error) {
	data, err := m.c.gateway(ctx, "POST", "/messages",
		map[string]string{"to": to, "content": content, "type": "text"}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[StoredMessage](data)
}

// Recall withdraws a message the current user sent.
func (m *MessagesClient) Recall(ctx context.Context, messageID string) error {
	_, err := m.c.gateway(ctx, "DELETE", "/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

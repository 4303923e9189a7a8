package idoklad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrMissingCredentials is returned when a request is attempted without a
// client id and secret configured.
var ErrMissingCredentials = errors.New("idoklad: client credentials are not configured")

// expiryMargin is subtracted from the token lifetime so a token is never
// used within a minute of its server-side expiry.
const expiryMargin = 60 * time.Second

// Token is an access token with its absolute expiry, the unit stored in the
// external cache.
type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Valid reports whether the token still has the safety margin left.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Until(t.ExpiresAt) > expiryMargin
}

// TokenCache persists tokens across processes. Implementations must be safe
// for concurrent use.
type TokenCache interface {
	Get(key string) (*Token, bool)
	Put(key string, token *Token)
}

// MemoryTokenCache is the default in-process cache.
type MemoryTokenCache struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: map[string]*Token{}}
}

func (m *MemoryTokenCache) Get(key string) (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[key]
	return token, ok
}

func (m *MemoryTokenCache) Put(key string, token *Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = token
}

// APIError is a non-2xx response from the API with whatever diagnostics the
// body carried.
type APIError struct {
	StatusCode int
	Message    string
	ModelState map[string][]string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if len(e.ModelState) > 0 {
		var details []string
		for field, errs := range e.ModelState {
			details = append(details, field+": "+strings.Join(errs, "; "))
		}
		msg += " (" + strings.Join(details, ", ") + ")"
	}
	return fmt.Sprintf("idoklad: %s (status %d)", msg, e.StatusCode)
}

// decodeAPIError pulls the human-readable message out of the several error
// shapes the API produces.
func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}

	var parsed struct {
		Message          string              `json:"Message"`
		MessageLower     string              `json:"message"`
		ErrorDescription string              `json:"error_description"`
		ModelState       map[string][]string `json:"ModelState"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			apiErr.Message = parsed.Message
		case parsed.MessageLower != "":
			apiErr.Message = parsed.MessageLower
		case parsed.ErrorDescription != "":
			apiErr.Message = parsed.ErrorDescription
		}
		apiErr.ModelState = parsed.ModelState
	}
	return apiErr
}

// Credentials identify one iDoklad account. Each authorized sender carries
// their own pair.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Options shape a single request.
type Options struct {
	Query   url.Values
	JSON    any
	Headers map[string]string
}

// Client is an authenticated connection to one iDoklad account. Tokens are
// reused while valid and refetched through the identity server otherwise.
type Client struct {
	baseURL    string
	tokenURL   string
	scope      string
	creds      Credentials
	httpClient *http.Client
	cache      TokenCache
	logger     *slog.Logger

	mu    sync.Mutex
	token *Token
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTokenCache(cache TokenCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func NewClient(baseURL, tokenURL, scope string, creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokenURL:   tokenURL,
		scope:      scope,
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      NewMemoryTokenCache(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// cacheKey isolates tokens per account so two senders never share one.
func (c *Client) cacheKey() string {
	return "idoklad:" + c.creds.ClientID
}

// GetAccessToken returns a token usable for at least the safety margin.
// Resolution order is the in-memory token, then the external cache, then a
// fresh client-credentials grant. force skips both caches.
func (c *Client) GetAccessToken(ctx context.Context, force bool) (string, error) {
	if c.creds.ClientID == "" || c.creds.ClientSecret == "" {
		return "", ErrMissingCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !force {
		if c.token.Valid() {
			return c.token.AccessToken, nil
		}
		if cached, ok := c.cache.Get(c.cacheKey()); ok && cached.Valid() {
			c.token = cached
			return cached.AccessToken, nil
		}
	}

	token, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.cache.Put(c.cacheKey(), token)
	return token.AccessToken, nil
}

func (c *Client) fetchToken(ctx context.Context) (*Token, error) {
	grant := clientcredentials.Config{
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
		TokenURL:     c.tokenURL,
		Scopes:       []string{c.scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	fetched, err := grant.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, decodeAPIError(retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return nil, fmt.Errorf("idoklad: fetch token: %w", err)
	}

	expiry := fetched.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}

	c.logger.Debug("fetched access token", "clientId", c.creds.ClientID, "expiresAt", expiry)
	return &Token{AccessToken: fetched.AccessToken, ExpiresAt: expiry}, nil
}

// Request performs one API call and returns the raw body of a 2xx response.
// A 401 is retried exactly once with a force-refreshed token.
func (c *Client) Request(ctx context.Context, method, path string, opts Options) (json.RawMessage, error) {
	body, status, err := c.doRequest(ctx, method, path, opts, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		body, status, err = c.doRequest(ctx, method, path, opts, true)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		return nil, decodeAPIError(status, body)
	}
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, opts Options, forceToken bool) ([]byte, int, error) {
	token, err := c.GetAccessToken(ctx, forceToken)
	if err != nil {
		return nil, 0, err
	}

	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(opts.Query) > 0 {
		endpoint += "?" + opts.Query.Encode()
	}

	var reqBody io.Reader
	if opts.JSON != nil {
		encoded, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, 0, fmt.Errorf("idoklad: encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if opts.JSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range opts.Headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("idoklad: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("idoklad: read response: %w", err)
	}
	return blob, resp.StatusCode, nil
}

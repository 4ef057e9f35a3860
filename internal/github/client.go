package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

var (
	ErrNoToken      = errors.New("github: no token configured")
	ErrInvalidToken = errors.New("github: token rejected")
)

type Client struct {
	client        *github.Client
	authenticated bool
}

type Option func(*Client) error

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("invalid github base url: %w", err)
		}
		c.client.BaseURL = parsed
		return nil
	}
}

// NewClient authenticates every request with "Authorization: Bearer <token>".
// An empty token yields a client whose write calls return ErrNoToken.
func NewClient(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return newClient(http.DefaultClient, false, opts)
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return newClient(oauth2.NewClient(context.Background(), ts), true, opts)
}

// NewTokenSourceClient authenticates with tokens from ts, e.g. a GitHub App
// installation token source.
func NewTokenSourceClient(ts oauth2.TokenSource, opts ...Option) (*Client, error) {
	return newClient(oauth2.NewClient(context.Background(), oauth2.ReuseTokenSource(nil, ts)), true, opts)
}

func newClient(httpClient *http.Client, authenticated bool, opts []Option) (*Client, error) {
	c := &Client{
		client:        github.NewClient(httpClient),
		authenticated: authenticated,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) Authenticated() bool {
	return c.authenticated
}

// ValidateToken calls GET /user and returns the authenticated login.
func (c *Client) ValidateToken(ctx context.Context) (string, error) {
	if !c.authenticated {
		return "", ErrNoToken
	}
	user, resp, err := c.client.Users.Get(ctx, "")
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return "", fmt.Errorf("failed to validate token: %w", err)
	}
	return user.GetLogin(), nil
}

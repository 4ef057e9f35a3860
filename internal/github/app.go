package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHub rejects app JWTs that live longer than 10 minutes.
const appJWTLifetime = 9 * time.Minute

// AppTokenSource exchanges a GitHub App JWT for installation tokens of the
// installation that covers Owner/Repo.
type AppTokenSource struct {
	AppID      int64
	PrivateKey *rsa.PrivateKey
	Owner      string
	Repo       string

	opts []Option
	now  func() time.Time
}

func NewAppTokenSource(appID, privateKeyPEM, owner, repo string, opts ...Option) (*AppTokenSource, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(appID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub App ID %q: %w", appID, err)
	}
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &AppTokenSource{AppID: id, PrivateKey: key, Owner: owner, Repo: repo, opts: opts, now: time.Now}, nil
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 RSA keys. Literal "\n" sequences
// are expanded so keys can be passed through a single environment variable.
func ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	privateKeyPEM = strings.ReplaceAll(privateKeyPEM, `\n`, "\n")
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse private key PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an RSA key")
	}
	return key, nil
}

// JWT signs an RS256 app token: iss = app id, iat backdated a minute for clock
// drift, exp inside GitHub's 10 minute limit.
func (s *AppTokenSource) JWT() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.AppID,
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(appJWTLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// Token implements oauth2.TokenSource.
func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	appJWT, err := s.JWT()
	if err != nil {
		return nil, err
	}
	appClient, err := NewClient(appJWT, s.opts...)
	if err != nil {
		return nil, err
	}

	installation, _, err := appClient.client.Apps.FindRepositoryInstallation(ctx, s.Owner, s.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to find installation for %s/%s: %w", s.Owner, s.Repo, err)
	}
	token, _, err := appClient.client.Apps.CreateInstallationToken(ctx, installation.GetID(), &github.InstallationTokenOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create installation token: %w", err)
	}

	return &oauth2.Token{
		AccessToken: token.GetToken(),
		TokenType:   "Bearer",
		Expiry:      token.GetExpiresAt().Time,
	}, nil
}

// NewAppClient authenticates as the GitHub App installation covering
// owner/repo.
func NewAppClient(appID, privateKeyPEM, owner, repo string, opts ...Option) (*Client, error) {
	ts, err := NewAppTokenSource(appID, privateKeyPEM, owner, repo, opts...)
	if err != nil {
		return nil, err
	}
	return NewTokenSourceClient(ts, opts...)
}

// Package auth fetches connect and channel tokens from the realtime token issuer.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	connectTokenPath = "/realtime/token"
	channelTokenPath = "/realtime/subscribe"

	headerTenant = "X-Tenant-ID"
	headerUser   = "X-User-ID"

	maxErrorBody = 512
)

var (
	// ErrMissingToken is returned when the issuer answers 2xx without a token.
	ErrMissingToken = errors.New("auth: issuer response has no token")
	// ErrMissingClientID is returned when a channel token is requested
	// before the connection has an identity.
	ErrMissingClientID = errors.New("auth: client id is required for a channel token")
)

// IssuerError is a non-2xx answer from the issuer.
type IssuerError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *IssuerError) Error() string {
	return fmt.Sprintf("auth: %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// Identity is the tenant/user pair sent out-of-band with every request.
type Identity struct {
	Tenant string
	User   string
}

// Params configures a Provider.
type Params struct {
	BaseURL     string // issuer origin, e.g. https://api.example.com
	BearerToken string // optional session credential
	Identity    Identity
	HTTPClient  *http.Client
}

// Provider talks to the token issuer over HTTP. It holds no retry logic;
// callers decide when a failed fetch is worth repeating.
type Provider struct {
	baseURL    string
	bearer     string
	identity   Identity
	httpClient *http.Client
}

func New(p Params) *Provider {
	hc := p.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		baseURL:    strings.TrimRight(p.BaseURL, "/"),
		bearer:     p.BearerToken,
		identity:   p.Identity,
		httpClient: hc,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

type channelTokenRequest struct {
	Channel string `json:"channel"`
	Client  string `json:"client"`
}

// FetchConnectToken returns a token authorizing the transport connection.
func (p *Provider) FetchConnectToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+connectTokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("auth: build connect token request: %w", err)
	}
	return p.do(req, connectTokenPath)
}

// FetchChannelToken returns a token authorizing clientID to subscribe to
// channel. The token is bound to that connection identity, so clientID
// must be read at call time and never reused across reconnects.
func (p *Provider) FetchChannelToken(ctx context.Context, channel, clientID string) (string, error) {
	if clientID == "" {
		return "", ErrMissingClientID
	}

	body, err := json.Marshal(channelTokenRequest{Channel: channel, Client: clientID})
	if err != nil {
		return "", fmt.Errorf("auth: marshal channel token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+channelTokenPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("auth: build channel token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, channelTokenPath)
}

func (p *Provider) do(req *http.Request, path string) (string, error) {
	req.Header.Set("Accept", "application/json")
	if p.identity.Tenant != "" {
		req.Header.Set(headerTenant, p.identity.Tenant)
	}
	if p.identity.User != "" {
		req.Header.Set(headerUser, p.identity.User)
	}
	if p.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+p.bearer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("auth: %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return "", &IssuerError{Path: path, StatusCode: resp.StatusCode, Body: snippet}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("auth: %s: decode response: %w", path, err)
	}
	if tr.Token == "" {
		return "", ErrMissingToken
	}
	return tr.Token, nil
}

// ABOUTME: Obtains and caches the bearer credential for the upstream generation API
// ABOUTME: Exchanges an agent key for refresh and access tokens against the identity endpoint

package auth

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAccessTokenLifetime applies to access tokens without an exp claim.
const DefaultAccessTokenLifetime = time.Hour

// Credential errors
var (
	ErrMissingCredentialConfig = errors.New("missing credential configuration")
	ErrInvalidAgentID          = errors.New("agent id is not a valid UUID")
	ErrInvalidRefreshToken     = errors.New("invalid refresh token")
)

// CredentialConfig configures a CredentialProvider.
type CredentialConfig struct {
	APIBase    string
	AgentID    string
	AgentKey   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// CredentialProvider keeps a valid access token for the upstream API,
// refreshing it through the identity endpoint when it expires. It is safe
// for concurrent use; refreshes are serialized.
type CredentialProvider struct {
	apiBase  string
	agentID  string
	agentKey string
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	refreshToken  string
	accessToken   string
	accessExpires time.Time
}

// NewCredentialProvider validates cfg and returns a provider. No network
// calls are made until the first credential is requested.
func NewCredentialProvider(cfg CredentialConfig) (*CredentialProvider, error) {
	var missing []string
	if cfg.APIBase == "" {
		missing = append(missing, "api_base")
	}
	if cfg.AgentID == "" {
		missing = append(missing, "agent_id")
	}
	if cfg.AgentKey == "" {
		missing = append(missing, "agent_key")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingCredentialConfig, strings.Join(missing, ", "))
	}
	if _, err := uuid.Parse(cfg.AgentID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAgentID, cfg.AgentID)
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &CredentialProvider{
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		agentID:  cfg.AgentID,
		agentKey: cfg.AgentKey,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger.With("component", "credentials"),
		now:      time.Now,
	}, nil
}

// Token implements agent.CredentialSource.
func (p *CredentialProvider) Token(ctx context.Context) (string, error) {
	return p.EnsureValidCredential(ctx)
}

// EnsureValidCredential returns a cached access token while it is valid,
// otherwise obtains a new one (fetching a new refresh token first if the
// cached one is missing or expired). Any failure clears every cached value.
func (p *CredentialProvider) EnsureValidCredential(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && p.now().Before(p.accessExpires) {
		return p.accessToken, nil
	}

	token, err := p.renewLocked(ctx)
	if err != nil {
		p.refreshToken = ""
		p.accessToken = ""
		p.accessExpires = time.Time{}
		p.logger.Error("failed to obtain credential", "error", err)
		return "", err
	}
	return token, nil
}

func (p *CredentialProvider) renewLocked(ctx context.Context) (string, error) {
	if p.refreshToken == "" || p.refreshExpired() {
		p.logger.Debug("requesting refresh token")
		rt, err := p.fetchRefreshToken(ctx)
		if err != nil {
			return "", err
		}
		p.refreshToken = rt
	}

	p.logger.Debug("requesting access token")
	at, err := p.fetchAccessToken(ctx, p.refreshToken)
	if err != nil {
		return "", err
	}

	if exp, ok := tokenExpiry(at); ok {
		p.accessExpires = exp
	} else {
		p.accessExpires = p.now().Add(DefaultAccessTokenLifetime)
	}
	p.accessToken = at
	return at, nil
}

// refreshExpired treats refresh tokens without a readable exp as expired.
func (p *CredentialProvider) refreshExpired() bool {
	exp, ok := tokenExpiry(p.refreshToken)
	if !ok {
		return true
	}
	return !p.now().Before(exp)
}

func (p *CredentialProvider) tokenURL() string {
	return fmt.Sprintf("%s/auth/agents/%s/token", p.apiBase, url.PathEscape(p.agentID))
}

func (p *CredentialProvider) fetchRefreshToken(ctx context.Context) (string, error) {
	var out struct {
		RefreshToken string `json:"refresh_token"`
	}
	status, err := p.do(ctx, http.MethodPost, p.tokenURL(), &out)
	if err != nil {
		return "", fmt.Errorf("failed to get refresh token: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("failed to get refresh token: status %d", status)
	}
	if out.RefreshToken == "" {
		return "", errors.New("failed to get refresh token: no refresh token in response")
	}
	return out.RefreshToken, nil
}

func (p *CredentialProvider) fetchAccessToken(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	target := p.tokenURL() + "?refresh_token=" + url.QueryEscape(refreshToken)
	status, err := p.do(ctx, http.MethodPut, target, &out)
	if status == http.StatusUnauthorized {
		return "", ErrInvalidRefreshToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("failed to get access token: status %d", status)
	}
	if out.AccessToken == "" {
		return "", errors.New("failed to get access token: no access token in response")
	}
	return out.AccessToken, nil
}

// do sends an empty JSON body with the agent key and decodes a JSON
// response into out. Error bodies of the form {"error": "..."} are
// surfaced in the returned error.
func (p *CredentialProvider) do(ctx context.Context, method, target string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader([]byte("{}")))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.agentKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, errors.New(apiErr.Error)
		}
		return resp.StatusCode, nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

// tokenExpiry reads the exp claim without verifying the signature.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Package appstore exposes read-only App Store Connect queries as gateway tools.
package appstore

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/bridge"
)

const (
	Name = "appstore"

	DefaultBaseURL = "https://api.appstoreconnect.apple.com"
	audience       = "appstoreconnect-v1"
	tokenLifetime  = 20 * time.Minute
	tokenRefreshAt = time.Minute
	defaultLimit   = 50
	maxBodyBytes   = 8 << 20

	// authCooldown is how long a rejected key is reported offline before the
	// bridge tries a freshly minted token.
	authCooldown = time.Minute
)

var tools = bridge.NewToolset(
	bridge.ToolDef{
		Name:        "list_apps",
		Description: "List apps in the App Store Connect account",
		Schema: bridge.Object(nil, map[string]*jsonschema.Schema{
			"limit": bridge.Integer("Maximum results", 1, 200),
		}),
	},
	bridge.ToolDef{
		Name:        "get_app",
		Description: "Fetch one app by id",
		Schema: bridge.Object([]string{"app_id"}, map[string]*jsonschema.Schema{
			"app_id": bridge.String("App Store Connect app id"),
		}),
	},
	bridge.ToolDef{
		Name:        "list_builds",
		Description: "List builds for an app",
		Schema: bridge.Object([]string{"app_id"}, map[string]*jsonschema.Schema{
			"app_id": bridge.String("App Store Connect app id"),
			"limit":  bridge.Integer("Maximum results", 1, 200),
		}),
	},
	bridge.ToolDef{
		Name:        "list_beta_groups",
		Description: "List TestFlight beta groups for an app",
		Schema: bridge.Object([]string{"app_id"}, map[string]*jsonschema.Schema{
			"app_id": bridge.String("App Store Connect app id"),
		}),
	},
	bridge.ToolDef{
		Name:        "list_beta_testers",
		Description: "List TestFlight beta testers, optionally within one group",
		Schema: bridge.Object(nil, map[string]*jsonschema.Schema{
			"beta_group_id": bridge.String("Beta group id"),
			"limit":         bridge.Integer("Maximum results", 1, 200),
		}),
	},
)

// Credentials identify an App Store Connect API key.
type Credentials struct {
	KeyID         string
	IssuerID      string
	PrivateKeyPEM []byte
}

// Complete reports whether every credential part is present.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.KeyID) != "" && strings.TrimSpace(c.IssuerID) != "" && len(c.PrivateKeyPEM) > 0
}

// Options configures a Bridge.
type Options struct {
	Credentials Credentials
	BaseURL     string
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Now         func() time.Time
}

// Bridge calls the App Store Connect REST API with a cached ES256 token.
type Bridge struct {
	keyID    string
	issuerID string
	key      *ecdsa.PrivateKey
	baseURL  string
	http     *http.Client
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	token        string
	expiresAt    time.Time
	authError    error
	authFailedAt time.Time
}

// NewBridge parses the signing key. Incomplete credentials yield a bridge that
// reports itself disconnected.
func NewBridge(opts Options) (*Bridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: domain.DefaultCallTimeout}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	b := &Bridge{
		keyID:    strings.TrimSpace(opts.Credentials.KeyID),
		issuerID: strings.TrimSpace(opts.Credentials.IssuerID),
		baseURL:  baseURL,
		http:     client,
		logger:   logger.Named("appstore_bridge"),
		now:      now,
	}
	if !opts.Credentials.Complete() {
		return b, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(opts.Credentials.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app store connect private key: %w", err)
	}
	b.key = key
	return b, nil
}

func (b *Bridge) Name() string { return Name }

func (b *Bridge) Tools() []domain.Tool {
	return tools.Tools()
}

func (b *Bridge) Status() domain.BridgeStatus {
	if b.key == nil {
		return domain.BridgeStatus{Connected: false, Detail: map[string]any{"reason": "credentials not configured"}}
	}
	b.retryAuth()

	b.mu.Lock()
	defer b.mu.Unlock()
	detail := map[string]any{"keyId": b.keyID}
	if !b.expiresAt.IsZero() {
		detail["tokenExpiresAt"] = b.expiresAt.UTC().Format(time.RFC3339)
	}
	if b.authError != nil {
		detail["lastError"] = b.authError.Error()
	}
	return domain.BridgeStatus{Connected: b.authError == nil, Detail: detail}
}

func (b *Bridge) Close() error { return nil }

// retryAuth forgets a rejected token once the cool-down has passed and mints
// a new one, so the bridge is offered again by the next aggregation.
func (b *Bridge) retryAuth() {
	b.mu.Lock()
	due := b.authError != nil && !b.now().Before(b.authFailedAt.Add(authCooldown))
	if due {
		b.authError = nil
		b.token = ""
	}
	b.mu.Unlock()
	if !due {
		return
	}

	if _, err := b.Token(); err != nil {
		b.mu.Lock()
		b.authError = err
		b.authFailedAt = b.now()
		b.mu.Unlock()
		return
	}
	b.logger.Info("retrying app store connect credentials after cool-down")
}

func (b *Bridge) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if !tools.Has(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}
	if b.key == nil {
		return nil, domain.E(domain.CodeUnavailable, "appstore.ExecuteTool", "credentials not configured", domain.ErrSourceDisabled)
	}
	if err := tools.Validate(name, args); err != nil {
		return nil, bridge.Rejected(err.Error())
	}

	path, query := b.request(name, args)
	data, err := b.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return bridge.Success(data), nil
}

func (b *Bridge) request(name string, args map[string]any) (string, url.Values) {
	query := url.Values{}
	limit := bridge.IntArg(args, "limit", defaultLimit)
	switch name {
	case "list_apps":
		query.Set("limit", strconv.Itoa(limit))
		return "/v1/apps", query
	case "get_app":
		return "/v1/apps/" + url.PathEscape(bridge.StringArg(args, "app_id")), query
	case "list_builds":
		query.Set("filter[app]", bridge.StringArg(args, "app_id"))
		query.Set("limit", strconv.Itoa(limit))
		query.Set("sort", "-uploadedDate")
		return "/v1/builds", query
	case "list_beta_groups":
		query.Set("filter[app]", bridge.StringArg(args, "app_id"))
		return "/v1/betaGroups", query
	default:
		if group := bridge.StringArg(args, "beta_group_id"); group != "" {
			query.Set("filter[betaGroups]", group)
		}
		query.Set("limit", strconv.Itoa(limit))
		return "/v1/betaTesters", query
	}
}

func (b *Bridge) get(ctx context.Context, path string, query url.Values) (any, error) {
	token, err := b.Token()
	if err != nil {
		return nil, err
	}
	target := b.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("app store connect %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		apiErr := decodeAPIError(body, resp.StatusCode)
		b.mu.Lock()
		b.authError = apiErr
		b.authFailedAt = b.now()
		b.token = ""
		b.mu.Unlock()
		return nil, apiErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(body, resp.StatusCode)
	}

	b.mu.Lock()
	b.authError = nil
	b.mu.Unlock()

	var payload struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	var data any
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
		}
	}
	return data, nil
}

// Token returns a signed API token, minting a new one when the cached token
// is within a minute of expiry.
func (b *Bridge) Token() (string, error) {
	if b.key == nil {
		return "", errors.New("app store connect credentials not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.token != "" && now.Before(b.expiresAt.Add(-tokenRefreshAt)) {
		return b.token, nil
	}

	expiresAt := now.Add(tokenLifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    b.issuerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Audience:  jwt.ClaimStrings{audience},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = b.keyID
	signed, err := token.SignedString(b.key)
	if err != nil {
		return "", fmt.Errorf("sign app store connect token: %w", err)
	}
	b.token = signed
	b.expiresAt = expiresAt
	b.logger.Debug("minted app store connect token", zap.Time("expiresAt", expiresAt))
	return signed, nil
}

func decodeAPIError(body []byte, status int) error {
	var payload struct {
		Errors []struct {
			Status string `json:"status"`
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Errors) == 0 {
		return &domain.UpstreamError{Message: fmt.Sprintf("App Store Connect returned HTTP %d", status), Code: int64(status)}
	}
	parts := make([]string, 0, len(payload.Errors))
	for _, apiErr := range payload.Errors {
		msg := apiErr.Title
		if apiErr.Detail != "" {
			msg += ": " + apiErr.Detail
		}
		parts = append(parts, msg)
	}
	return &domain.UpstreamError{Message: strings.Join(parts, "; "), Code: int64(status)}
}

var _ domain.Bridge = (*Bridge)(nil)

package anio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the production ANIO cloud endpoint.
	DefaultBaseURL = "https://api.anio.cloud"

	// ClientID is sent on login and refresh requests.
	ClientID = "anio"

	// TokenRefreshBuffer refreshes tokens this long before they expire.
	TokenRefreshBuffer = 5 * time.Minute
)

// TokenRefreshCallback is invoked after a successful refresh with the
// current access and refresh tokens so the caller can persist them.
type TokenRefreshCallback func(accessToken, refreshToken string) error

// AuthConfig carries the credentials and tokens an Auth starts from.
// Either Email+Password or AccessToken+RefreshToken must be set.
type AuthConfig struct {
	BaseURL        string
	Email          string
	Password       string
	AccessToken    string
	RefreshToken   string
	AppUUID        string
	OnTokenRefresh TokenRefreshCallback
}

// Auth handles login, token refresh, and JWT expiry tracking for the
// ANIO API. It is shared between the poll goroutine and the command
// handlers, so token state is mutex-guarded and refreshes are
// serialized.
type Auth struct {
	httpClient *http.Client
	logger     *zap.Logger
	baseURL    string
	email      string
	password   string
	appUUID    string
	onRefresh  TokenRefreshCallback

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time
	now          func() time.Time
}

// NewAuth creates an auth handler. A missing app UUID is generated,
// matching what the mobile app does on first start.
func NewAuth(httpClient *http.Client, cfg AuthConfig, logger *zap.Logger) *Auth {
	a := &Auth{
		httpClient:   httpClient,
		logger:       logger.Named("auth"),
		baseURL:      cfg.BaseURL,
		email:        cfg.Email,
		password:     cfg.Password,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
		appUUID:      cfg.AppUUID,
		onRefresh:    cfg.OnTokenRefresh,
		now:          time.Now,
	}
	if a.baseURL == "" {
		a.baseURL = DefaultBaseURL
	}
	if a.appUUID == "" {
		a.appUUID = uuid.NewString()
	}
	if a.accessToken != "" {
		if expiry, ok := parseJWTExpiry(a.accessToken); ok {
			a.tokenExpiry = expiry
		}
	}
	return a
}

// SetNowFunc overrides the time source (useful for testing).
func (a *Auth) SetNowFunc(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// AccessToken returns the current access token.
func (a *Auth) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken
}

// RefreshTokenValue returns the current refresh token.
func (a *Auth) RefreshTokenValue() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshToken
}

// AppUUID returns the app UUID sent with every request.
func (a *Auth) AppUUID() string {
	return a.appUUID
}

// IsTokenValid reports whether the access token is usable: present,
// with a parseable expiry that is further out than the refresh buffer.
func (a *Auth) IsTokenValid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isTokenValidLocked()
}

func (a *Auth) isTokenValidLocked() bool {
	if a.accessToken == "" || a.tokenExpiry.IsZero() {
		return false
	}
	return a.now().Before(a.tokenExpiry.Add(-TokenRefreshBuffer))
}

// parseJWTExpiry decodes the payload of a JWT and extracts the exp
// claim. The signature is not verified; the expiry is only used to
// decide refresh timing.
func parseJWTExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(decoded, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0).UTC(), true
}

// Login authenticates with email and password. Pass an OTP code when
// the account has 2FA enabled; without one the server's OTP challenge
// surfaces as OTPRequiredError.
func (a *Auth) Login(ctx context.Context, otpCode string) (*AuthTokens, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.email == "" || a.password == "" {
		return nil, &AuthError{Message: "email and password are required for login"}
	}

	payload := map[string]string{
		"email":    a.email,
		"password": a.password,
	}
	if otpCode != "" {
		payload["otpCode"] = otpCode
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode login payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("client-id", ClientID)
	req.Header.Set("app-uuid", a.appUUID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Message: "invalid email or password"}
	}
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		return nil, &AuthError{Message: fmt.Sprintf("login failed: %s", strings.TrimSpace(string(text)))}
	}

	var tokens AuthTokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}

	if tokens.IsOTPRequired && otpCode == "" {
		return nil, &OTPRequiredError{}
	}

	a.accessToken = tokens.AccessToken
	a.refreshToken = tokens.RefreshToken
	if expiry, ok := parseJWTExpiry(tokens.AccessToken); ok {
		a.tokenExpiry = expiry
	} else {
		a.tokenExpiry = time.Time{}
	}

	a.logger.Debug("Login successful", zap.Time("token_expiry", a.tokenExpiry))
	return &tokens, nil
}

// Refresh exchanges the refresh token for a new access token. When
// the server rotates the refresh token the new one replaces the
// stored one; otherwise the prior value is kept. The persistence
// callback runs on every successful refresh.
func (a *Auth) Refresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked(ctx)
}

func (a *Auth) refreshLocked(ctx context.Context) (string, error) {
	if a.refreshToken == "" {
		return "", &AuthError{Message: "no refresh token available"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/auth/refresh-access-token", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.refreshToken)
	req.Header.Set("client-id", ClientID)
	req.Header.Set("app-uuid", a.appUUID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", &AuthError{Message: "refresh token expired"}
	}
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		return "", &AuthError{Message: fmt.Sprintf("token refresh failed: %s", strings.TrimSpace(string(text)))}
	}

	var data struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}

	a.accessToken = data.AccessToken
	if expiry, ok := parseJWTExpiry(data.AccessToken); ok {
		a.tokenExpiry = expiry
	} else {
		a.tokenExpiry = time.Time{}
	}
	if data.RefreshToken != "" {
		a.refreshToken = data.RefreshToken
	}

	a.logger.Debug("Token refreshed", zap.Time("token_expiry", a.tokenExpiry))

	if a.onRefresh != nil {
		if err := a.onRefresh(a.accessToken, a.refreshToken); err != nil {
			a.logger.Warn("Failed to persist refreshed tokens", zap.Error(err))
		}
	}

	return a.accessToken, nil
}

// EnsureValidToken returns a usable access token, refreshing first
// when the current one is missing or about to expire. Concurrent
// callers serialize here: only one refresh runs, the rest reuse its
// result.
func (a *Auth) EnsureValidToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isTokenValidLocked() {
		return a.accessToken, nil
	}
	a.logger.Debug("Token expired or expiring soon, refreshing")
	return a.refreshLocked(ctx)
}

// Logout invalidates the session server-side (best effort) and clears
// all local tokens.
func (a *Auth) Logout(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/auth/logout", nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+a.accessToken)
			resp, err := a.httpClient.Do(req)
			if err != nil {
				a.logger.Warn("Logout request failed", zap.Error(err))
			} else {
				resp.Body.Close()
			}
		}
	}

	a.accessToken = ""
	a.refreshToken = ""
	a.tokenExpiry = time.Time{}
}

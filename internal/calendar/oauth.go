package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/pkg/logging"
)

const defaultTokenEndpoint = "https://oauth2.googleapis.com/token"

// TokenManager hands out fresh access tokens, refreshing them before expiry.
type TokenManager struct {
	store        *Store
	clientID     string
	clientSecret string
	endpoint     string
	skew         time.Duration
	clk          clock.Clock
	client       *http.Client
	logger       *logging.Logger
}

type TokenManagerConfig struct {
	ClientID      string
	ClientSecret  string
	TokenEndpoint string // test override
	RefreshSkew   time.Duration
	HTTPClient    *http.Client
}

func NewTokenManager(store *Store, cfg TokenManagerConfig, clk clock.Clock, logger *logging.Logger) *TokenManager {
	if store == nil {
		panic("calendar: store is required")
	}
	if clk == nil {
		panic("calendar: clock is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = defaultTokenEndpoint
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenManager{
		store:        store,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		endpoint:     cfg.TokenEndpoint,
		skew:         cfg.RefreshSkew,
		clk:          clk,
		client:       cfg.HTTPClient,
		logger:       logger.Component("calendar_tokens"),
	}
}

// AccessToken returns a token valid for at least the refresh skew, refreshing
// it when needed. A refresh rejected by the identity provider disables sync
// for the doctor.
func (m *TokenManager) AccessToken(ctx context.Context, doctorID uuid.UUID) (string, error) {
	t, err := m.store.GetToken(ctx, doctorID)
	if err != nil {
		return "", err
	}
	if !t.SyncEnabled {
		return "", fmt.Errorf("calendar: sync disabled for doctor %s", doctorID)
	}
	if m.clk.Now().Add(m.skew).Before(t.ExpiresAt) {
		return t.AccessToken, nil
	}
	return m.refresh(ctx, t)
}

func (m *TokenManager) refresh(ctx context.Context, t *Token) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {t.RefreshToken},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("calendar: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar: token refresh: %w", err)
	}
	defer resp.Body.Close()

	var decoded struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("calendar: decode refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || decoded.AccessToken == "" {
		// A revoked grant never recovers on retry.
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			m.logger.Warn("calendar token refresh rejected, disabling sync",
				"doctor_id", t.DoctorID, "oauth_error", decoded.Error)
			if err := m.store.DisableSync(ctx, t.DoctorID); err != nil {
				m.logger.Error("failed to disable calendar sync", "doctor_id", t.DoctorID, "error", err)
			}
		}
		return "", fmt.Errorf("calendar: token refresh rejected (http %d, %s)", resp.StatusCode, decoded.Error)
	}

	t.AccessToken = decoded.AccessToken
	t.ExpiresAt = m.clk.Now().Add(time.Duration(decoded.ExpiresIn) * time.Second)
	if err := m.store.SaveToken(ctx, t); err != nil {
		m.logger.Error("failed to persist refreshed token", "doctor_id", t.DoctorID, "error", err)
	}
	return t.AccessToken, nil
}

package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// localClaims mirrors the enumerated UserData fields so a provider-signed
// JWT can be resolved without a network round trip. A provider is free to
// put more in the token; everything but these fields is ignored.
type localClaims struct {
	ID            string   `json:"id"`
	TenantID      string   `json:"tenantId"`
	TenantName    string   `json:"tenantName"`
	Roles         []string `json:"roles"`
	Email         string   `json:"email,omitempty"`
	SourceService string   `json:"sourceService,omitempty"`
	jwt.RegisteredClaims
}

// RemoteValidator implements TokenValidator against the identity
// provider's HTTP introspection endpoint, with an optional local
// fast-path for provider-signed JWTs.
type RemoteValidator struct {
	baseURL    string
	sharedKey  []byte
	httpClient *http.Client
}

// NewRemoteValidator builds a validator against baseURL. sharedKey may be
// empty, in which case the local fast-path is always skipped and every
// token is introspected over the network.
func NewRemoteValidator(baseURL, sharedKey string, httpClient *http.Client) *RemoteValidator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	var key []byte
	if sharedKey != "" {
		key = []byte(sharedKey)
	}
	return &RemoteValidator{baseURL: strings.TrimRight(baseURL, "/"), sharedKey: key, httpClient: httpClient}
}

// Validate attempts the local JWT fast-path first. Any parse or signature
// failure falls back to introspection rather than rejecting the token
// outright — a provider that rotates its signing key without telling the
// gateway degrades to the slower path instead of an outage.
func (v *RemoteValidator) Validate(ctx context.Context, token string) (*UserData, error) {
	if v.sharedKey != nil {
		if data, ok := v.tryLocalFastPath(token); ok {
			return data, nil
		}
	}
	return v.introspect(ctx, token)
}

func (v *RemoteValidator) tryLocalFastPath(token string) (*UserData, bool) {
	claims := &localClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.sharedKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, false
	}
	if claims.ID == "" || claims.TenantID == "" {
		return nil, false
	}
	return &UserData{
		ID:    claims.ID,
		Email: claims.Email,
		UserAccess: []UserAccess{{
			TenantID:   claims.TenantID,
			TenantName: claims.TenantName,
			Type:       roleType(claims.Roles),
		}},
	}, true
}

func roleType(roles []string) string {
	for _, r := range roles {
		if strings.EqualFold(r, "admin") {
			return "ADMIN"
		}
	}
	return "USER"
}

type introspectRequest struct {
	Token string `json:"token"`
}

func (v *RemoteValidator) introspect(ctx context.Context, token string) (*UserData, error) {
	body, err := json.Marshal(introspectRequest{Token: token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/introspect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: introspection returned status %d", resp.StatusCode)
	}

	var data UserData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("identity: decoding introspection response: %w", err)
	}
	if data.ID == "" {
		return nil, ErrInvalidToken
	}
	return &data, nil
}

package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/helixdesk/cortex/internal/fault"
)

// Claims is the identity material a verifier extracts from a valid token.
type Claims struct {
	// Subject is the IdP's stable identifier for the user.
	Subject string `json:"sub"`

	// Email as asserted by the IdP.
	Email string `json:"email"`

	// DisplayName, when the IdP provides one.
	DisplayName string `json:"name,omitempty"`

	// ExpiresAt bounds token validity (unix seconds).
	ExpiresAt int64 `json:"exp"`
}

// TokenVerifier validates a bearer token against one identity provider.
// Enterprise tenants plug in their IdP's verifier (introspection or JWKS);
// consumer mode uses [HMACVerifier].
//
// Invalid, expired, or malformed tokens return fault.ErrUnauthenticated.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// HMACVerifier verifies (and mints) opaque consumer session tokens of the
// form base64url(claims-json) + "." + base64url(hmac-sha256).
type HMACVerifier struct {
	key []byte
	now func() time.Time
}

var _ TokenVerifier = (*HMACVerifier)(nil)

// NewHMACVerifier creates a verifier with the given signing key.
func NewHMACVerifier(key []byte) *HMACVerifier {
	return &HMACVerifier{key: key, now: time.Now}
}

// Mint issues a session token for claims.
func (v *HMACVerifier) Mint(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("mint session token: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + v.sign(body), nil
}

// Verify implements [TokenVerifier].
func (v *HMACVerifier) Verify(_ context.Context, token string) (Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, fmt.Errorf("%w: malformed session token", fault.ErrUnauthenticated)
	}
	if !hmac.Equal([]byte(v.sign(body)), []byte(sig)) {
		return Claims{}, fmt.Errorf("%w: bad session signature", fault.ErrUnauthenticated)
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: malformed session payload", fault.ErrUnauthenticated)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: malformed session claims", fault.ErrUnauthenticated)
	}
	if claims.Subject == "" && claims.Email == "" {
		return Claims{}, fmt.Errorf("%w: session without identity", fault.ErrUnauthenticated)
	}
	if claims.ExpiresAt > 0 && v.now().Unix() >= claims.ExpiresAt {
		return Claims{}, fmt.Errorf("%w: session expired", fault.ErrUnauthenticated)
	}
	return claims, nil
}

func (v *HMACVerifier) sign(body string) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Package auth issues and validates the signed bearer tokens that identify API requesters.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Permissions checked by the HTTP surface.
const (
	PermEnhanceCreate  = "ai.enhance.create"
	PermStreamAccess   = "ai.stream.access"
	PermSessionView    = "ai.session.view"
	PermSessionManage  = "ai.session.manage"
	PermUsageView      = "ai.usage.view"
	PermViewFinancials = "financials.view" // unmasks financial fields in assembled context
)

// StandardPermissions are granted to a regular API user.
func StandardPermissions() []string {
	return []string{PermEnhanceCreate, PermStreamAccess, PermSessionView, PermSessionManage, PermUsageView}
}

// DefaultTokenTTL applies when IssueToken gets a zero ttl.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Identity is the requester a token was issued to.
type Identity struct {
	Subject     string
	Permissions []string
	ExpiresAt   time.Time
}

// Has reports whether the identity carries perm.
func (id Identity) Has(perm string) bool {
	return slices.Contains(id.Permissions, perm)
}

// Manager signs tokens with an HMAC secret.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken issues a signed token for subject. Permission names must not contain ',' or '|'.
func (m *Manager) IssueToken(subject string, permissions []string, ttl time.Duration) (string, error) {
	if subject == "" || strings.Contains(subject, "|") {
		return "", fmt.Errorf("auth: invalid subject %q", subject)
	}
	for _, p := range permissions {
		if p == "" || strings.ContainsAny(p, ",|") {
			return "", fmt.Errorf("auth: invalid permission %q", p)
		}
	}
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	expires := m.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%d", subject, strings.Join(permissions, ","), expires)
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken checks the signature and expiry and returns the embedded identity.
func (m *Manager) ValidateToken(token string) (Identity, error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(encSig, ".") {
		return Identity{}, fmt.Errorf("%w: format", ErrInvalidToken)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: signature", ErrInvalidToken)
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return Identity{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	parts := strings.Split(string(payloadBytes), "|")
	if len(parts) != 3 || parts[0] == "" {
		return Identity{}, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: expiry", ErrInvalidToken)
	}
	if m.now().Unix() > expiry {
		return Identity{}, ErrExpiredToken
	}
	id := Identity{Subject: parts[0], ExpiresAt: time.Unix(expiry, 0).UTC()}
	if parts[1] != "" {
		id.Permissions = strings.Split(parts[1], ",")
	}
	return id, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}

package auth

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oncfsd/oncfsd/internal/rpc"
)

// SessionClaims is the compact claim set signed into a session's JWT
// (SPEC_FULL.md §4.16): just enough to make the session key
// tamper-evident for the audit trail, nothing client_info() needs a
// network call to verify.
type SessionClaims struct {
	jwt.RegisteredClaims
	AddrHash uint64 `json:"ah"`
	UID      uint32 `json:"uid"`
	GID      uint32 `json:"gid"`
	Flavor   uint32 `json:"fl"`
}

// JWTAuthenticator wraps Authenticator's AUTH_NONE/AUTH_SYS policy and
// additionally signs a compact HS256 token carrying SessionClaims,
// handing the dispatcher a uint64 session key derived from that token
// (dispatch.Authenticator's signature has no room for the token itself)
// while keeping the signed token available locally via SessionToken for
// the audit trail and any operator tooling that wants to verify a key's
// provenance. client_info() — callers that want the claims back — never
// performs a network call, matching spec.md §4.9's local-only policy.
type JWTAuthenticator struct {
	inner  *Authenticator
	secret []byte

	mu     sync.RWMutex
	tokens map[uint64]string
}

// NewJWT builds a JWTAuthenticator. secret must be non-empty; it is the
// HMAC signing key for every session token this process issues.
func NewJWT(secret string) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: jwt secret must not be empty")
	}
	return &JWTAuthenticator{
		inner:  New(),
		secret: []byte(secret),
		tokens: make(map[uint64]string),
	}, nil
}

// SetAudit wires the audit sink onto the embedded default Authenticator.
func (a *JWTAuthenticator) SetAudit(store AuditStore) {
	a.inner.SetAudit(store)
}

// Authenticate implements dispatch.Authenticator: it runs the same
// AUTH_NONE/AUTH_SYS policy as Authenticator, then mints a signed token
// for the call and derives the uint64 session key from it.
func (a *JWTAuthenticator) Authenticate(clientAddr net.Addr, cred, verf rpc.Credentials) (uint64, uint32, bool) {
	_, authStat, ok := a.inner.Authenticate(clientAddr, cred, verf)
	if !ok {
		return 0, authStat, false
	}

	var uid, gid uint32
	if cred.Flavor == rpc.AuthFlavorSys {
		if u, err := ParseUnixAuth(cred.Body); err == nil {
			uid, gid = u.UID, u.GID
		}
	}

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
		AddrHash: sessionKeyFromAddr(clientAddr),
		UID:      uid,
		GID:      gid,
		Flavor:   cred.Flavor,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return 0, rpc.AuthBadCred, false
	}

	key := hashToken(signed)
	a.mu.Lock()
	a.tokens[key] = signed
	a.mu.Unlock()

	return key, 0, true
}

// SessionToken returns the signed JWT a prior Authenticate call minted for
// key, for audit/introspection purposes.
func (a *JWTAuthenticator) SessionToken(key uint64) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tok, ok := a.tokens[key]
	return tok, ok
}

// ClientInfo decodes and verifies the token behind key entirely locally —
// no network call, per spec.md §4.9's client_info() contract.
func (a *JWTAuthenticator) ClientInfo(key uint64) (SessionClaims, error) {
	a.mu.RLock()
	signed, ok := a.tokens[key]
	a.mu.RUnlock()
	if !ok {
		return SessionClaims{}, fmt.Errorf("auth: unknown session key %d", key)
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("auth: verify session token: %w", err)
	}
	return claims, nil
}

func hashToken(token string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return h.Sum64()
}

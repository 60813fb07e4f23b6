// Package auth validates session credentials and derives the client
// identity used by the rate limiter and the sandbox. Authentication
// happens exactly once per connection; every later frame on the session
// is trusted to belong to the resulting identity.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/castellan/internal/log"
	"github.com/mattjoyce/castellan/internal/protocol"
)

// ErrAuthenticationFailed is returned for every rejection. The cause
// (unknown client, bad token, store failure) is logged server-side and
// never leaked to the client.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	// ClientID keys the rate-limit bucket and scopes audit logs.
	ClientID string
}

// Credential is one stored client credential. Tokens are stored only as
// lowercase hex BLAKE3-256 digests.
type Credential struct {
	ClientID  string
	TokenHash string
}

// CredentialStore is the credential source consulted per authentication
// attempt. Implementations must be safe for concurrent use.
type CredentialStore interface {
	Lookup(ctx context.Context, clientID string) (Credential, bool, error)
}

// FailureRecorder receives every failed attempt, keyed by the
// underlying transport address. The server loop may use the counter to
// temporarily refuse new connections from an address; that policy lives
// outside this package.
type FailureRecorder interface {
	Record(ctx context.Context, remoteAddr, clientID string) (int, error)
}

// HashToken returns the lowercase hex BLAKE3-256 digest of a token,
// the form credentials are stored in.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking a timing
// signal on the matching prefix length.
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticator checks presented credentials against a store.
type Authenticator struct {
	store    CredentialStore
	failures FailureRecorder
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. failures may be nil when
// no counter store is configured.
func NewAuthenticator(store CredentialStore, failures FailureRecorder, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = log.WithComponent("auth")
	}
	return &Authenticator{store: store, failures: failures, logger: logger}
}

// Authenticate validates the session's auth frame and returns the
// derived identity. Every rejection is ErrAuthenticationFailed and is
// recorded against remoteAddr.
func (a *Authenticator) Authenticate(ctx context.Context, req *protocol.AuthRequest, remoteAddr string) (Identity, error) {
	cred, found, err := a.store.Lookup(ctx, req.ClientID)
	if err != nil {
		a.logger.Error("credential store lookup failed", "client_id", req.ClientID, "error", err)
		return Identity{}, a.reject(ctx, remoteAddr, req.ClientID)
	}
	if !found {
		return Identity{}, a.reject(ctx, remoteAddr, req.ClientID)
	}
	if !ConstantTimeEqual(HashToken(req.Token), cred.TokenHash) {
		return Identity{}, a.reject(ctx, remoteAddr, req.ClientID)
	}
	return Identity{ClientID: cred.ClientID}, nil
}

func (a *Authenticator) reject(ctx context.Context, remoteAddr, clientID string) error {
	if a.failures != nil {
		count, err := a.failures.Record(ctx, remoteAddr, clientID)
		if err != nil {
			a.logger.Warn("recording auth failure failed", "remote_addr", remoteAddr, "error", err)
		} else {
			a.logger.Warn("authentication failed",
				"remote_addr", remoteAddr, "client_id", clientID, "recent_failures", count)
		}
	} else {
		a.logger.Warn("authentication failed", "remote_addr", remoteAddr, "client_id", clientID)
	}
	return ErrAuthenticationFailed
}

// StaticStore is a CredentialStore over credentials loaded from config
// at startup.
type StaticStore struct {
	byClient map[string]Credential
}

// NewStaticStore builds a StaticStore. Later duplicates of a client id
// are ignored.
func NewStaticStore(creds []Credential) *StaticStore {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		if c.ClientID == "" {
			continue
		}
		if _, exists := m[c.ClientID]; exists {
			continue
		}
		m[c.ClientID] = c
	}
	return &StaticStore{byClient: m}
}

// Lookup implements CredentialStore.
func (s *StaticStore) Lookup(_ context.Context, clientID string) (Credential, bool, error) {
	c, ok := s.byClient[clientID]
	return c, ok, nil
}

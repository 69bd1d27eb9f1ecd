// Package socks5 implements a SOCKS5 proxy server (RFC 1928) with RFC 1929
// username/password sub-negotiation.
package socks5

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Authenticator handles one SOCKS5 sub-negotiation method.
type Authenticator interface {
	// Authenticate performs authentication and returns the username if successful.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the authentication method code.
	GetMethod() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method.
func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates credentials.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials stores username to Argon2id PHC-string hash mappings.
// This is the store the configuration loader builds from the top-level
// users table.
type HashedCredentials map[string]string

// Valid checks if the username/password combination is valid. An unknown
// username still costs one Argon2id verification, against dummyPHC, so it
// is not distinguishable by timing from a wrong password.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		verifyPHC(dummyPHC, password)
		return false
	}
	return verifyPHC(storedHash, password)
}

// StaticCredentials is a credential store with plaintext passwords. The
// TOML loader never produces one of these; it exists for embedders that
// construct an AuthConfig directly.
type StaticCredentials map[string]string

// Valid checks if the username/password combination is valid, using
// constant-time comparison.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		return false
	}
	return constantTimeEqual(storedPass, password)
}

// authRateLimitWait bounds how long a connection will block waiting for its
// verification rate limiter before proceeding anyway; it exists so a
// starved limiter cannot turn into an indefinite hang.
const authRateLimitWait = 2 * time.Second

// UserPassAuthenticator handles username/password authentication (RFC 1929).
type UserPassAuthenticator struct {
	Credentials CredentialStore

	// verifyLimiter throttles Argon2id verification attempts across every
	// connection served by this authenticator, so a flood of sub-negotiation
	// attempts cannot run as free hashing work. nil disables throttling.
	verifyLimiter *rate.Limiter
}

// NewUserPassAuthenticator creates a new username/password authenticator
// with a verification rate limit (5 per second, burst 3) shared by every
// connection that uses it.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{
		Credentials:   creds,
		verifyLimiter: rate.NewLimiter(rate.Limit(5), 3),
	}
}

// GetMethod returns the username/password method.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate performs username/password authentication.
// Protocol (RFC 1929):
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// Response:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", fmt.Errorf("read auth header: %w", err)
	}
	if header[0] != 0x01 {
		return "", fmt.Errorf("unsupported sub-negotiation version: %d", header[0])
	}

	username, err := readExact(reader, int(header[1]))
	if err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", fmt.Errorf("read password length: %w", err)
	}
	password, err := readExact(reader, int(pLenBuf[0]))
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	if a.verifyLimiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), authRateLimitWait)
		_ = a.verifyLimiter.Wait(ctx)
		cancel()
	}

	valid := a.Credentials != nil && a.Credentials.Valid(string(username), string(password))

	status := byte(AuthStatusFailure)
	if valid {
		status = AuthStatusSuccess
	}
	if _, err := writer.Write([]byte{0x01, status}); err != nil {
		return "", fmt.Errorf("write auth reply: %w", err)
	}
	if !valid {
		return "", errBadCredentials
	}
	return string(username), nil
}

func readExact(reader io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// AuthConfig holds authentication configuration, built from the server.auth
// and top-level users keys of the configuration file.
type AuthConfig struct {
	// RequireAuth excludes NO AUTHENTICATION REQUIRED from the offered
	// methods, regardless of what the client advertises.
	RequireAuth bool
	// Users maps username to plaintext password. Not populated by the TOML
	// loader; for embedders only.
	Users map[string]string
	// HashedUsers maps username to Argon2id PHC hash, as loaded from TOML.
	HashedUsers map[string]string
}

func (c AuthConfig) usersConfigured() bool {
	return len(c.HashedUsers) > 0 || len(c.Users) > 0
}

func (c AuthConfig) credentialStore() CredentialStore {
	if len(c.HashedUsers) > 0 {
		return HashedCredentials(c.HashedUsers)
	}
	return StaticCredentials(c.Users)
}

// CreateAuthenticators builds the authenticators implied by cfg: NO AUTH is
// included unless RequireAuth is set, and USERNAME/PASSWORD is included
// when authentication is required or any credentials are configured.
// Method selection (see authenticate in handler.go) scans the client's
// offered methods in the order they were sent and picks the first one that
// matches an authenticator in this set.
func CreateAuthenticators(cfg AuthConfig) []Authenticator {
	var auths []Authenticator
	if !cfg.RequireAuth {
		auths = append(auths, &NoAuthAuthenticator{})
	}
	if cfg.RequireAuth || cfg.usersConfigured() {
		auths = append(auths, NewUserPassAuthenticator(cfg.credentialStore()))
	}
	return auths
}

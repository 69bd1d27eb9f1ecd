package socks5

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params are the Argon2id cost parameters embedded in every PHC string
// this package produces. The defaults target roughly 50ms of verification
// time on a modern core, in line with OWASP's current Argon2id guidance.
type argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32 // iterations
	Parallelism uint8
	KeyLen      uint32
}

var defaultArgon2Params = argon2Params{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 4,
	KeyLen:      32,
}

const (
	argon2Variant = "argon2id"
	saltLen       = 16
)

var errMalformedPHC = errors.New("socks5: malformed argon2 PHC string")

// HashPassword produces an Argon2id PHC-formatted hash of password, suitable
// for storage in the TOML users table.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	p := defaultArgon2Params
	hash := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return encodePHC(p, salt, hash), nil
}

// MustHashPassword is HashPassword for callers that cannot fail, such as
// package-level fixtures and the dummy hash below.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

func encodePHC(p argon2Params, salt, hash []byte) string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Variant,
		argon2.Version,
		p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

// decodePHC parses a "$argon2id$v=19$m=...,t=...,p=...$salt$hash" string.
func decodePHC(encoded string) (argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argon2Variant {
		return argon2Params{}, nil, nil, errMalformedPHC
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return argon2Params{}, nil, nil, errMalformedPHC
	}

	var p argon2Params
	var mem, t uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &par); err != nil {
		return argon2Params{}, nil, nil, errMalformedPHC
	}
	p.Memory, p.Time, p.Parallelism = mem, t, par

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argon2Params{}, nil, nil, errMalformedPHC
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argon2Params{}, nil, nil, errMalformedPHC
	}
	p.KeyLen = uint32(len(hash))

	return p, salt, hash, nil
}

// verifyPHC reports whether password matches the Argon2id PHC string
// encoded. A malformed string always fails closed.
func verifyPHC(encoded, password string) bool {
	p, salt, hash, err := decodePHC(encoded)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(computed, hash) == 1
}

// constantTimeEqual reports whether a and b are equal, in time independent
// of where they first differ. Used by StaticCredentials, the plaintext
// credential store.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// dummyPHC absorbs the cost of an Argon2id verification when the username
// supplied by the client is not recognized, so an unknown-user reply and a
// wrong-password reply take statistically indistinguishable time.
var dummyPHC = MustHashPassword("socks5-timing-padding-only")

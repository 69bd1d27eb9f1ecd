package socks5

import (
	"strings"
	"testing"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$v=") {
		t.Errorf("hash = %q, want $argon2id$v=... prefix", hash)
	}
	if !verifyPHC(hash, "correct horse battery staple") {
		t.Error("verifyPHC() should accept the correct password")
	}
	if verifyPHC(hash, "wrong password") {
		t.Error("verifyPHC() should reject an incorrect password")
	}
}

func TestHashPassword_UniqueSalt(t *testing.T) {
	h1, _ := HashPassword("same-password")
	h2, _ := HashPassword("same-password")
	if h1 == h2 {
		t.Error("HashPassword() should generate a unique salt per call")
	}
}

func TestVerifyPHC_Malformed(t *testing.T) {
	tests := []string{
		"",
		"not-a-phc-string",
		"$argon2id$",
		"$bcrypt$v=19$m=65536,t=3,p=4$salt$hash",
		"$argon2id$v=19$m=bad,t=3,p=4$c2FsdA$aGFzaA",
	}

	for _, encoded := range tests {
		if verifyPHC(encoded, "anything") {
			t.Errorf("verifyPHC(%q, ...) = true, want false (malformed input fails closed)", encoded)
		}
	}
}

func TestDecodePHC_RoundTrip(t *testing.T) {
	hash, err := HashPassword("roundtrip")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	p, salt, digest, err := decodePHC(hash)
	if err != nil {
		t.Fatalf("decodePHC() error = %v", err)
	}
	if p.Memory != defaultArgon2Params.Memory || p.Time != defaultArgon2Params.Time || p.Parallelism != defaultArgon2Params.Parallelism {
		t.Errorf("decoded params = %+v, want %+v", p, defaultArgon2Params)
	}
	if len(salt) != saltLen {
		t.Errorf("len(salt) = %d, want %d", len(salt), saltLen)
	}
	if len(digest) != int(defaultArgon2Params.KeyLen) {
		t.Errorf("len(digest) = %d, want %d", len(digest), defaultArgon2Params.KeyLen)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("secret", "secret") {
		t.Error("constantTimeEqual() should be true for equal strings")
	}
	if constantTimeEqual("secret", "different") {
		t.Error("constantTimeEqual() should be false for different strings")
	}
	if constantTimeEqual("short", "muchlongerstring") {
		t.Error("constantTimeEqual() should be false for different-length strings")
	}
}

func TestDummyPHC_IsValidForTimingPadding(t *testing.T) {
	if !verifyPHC(dummyPHC, "socks5-timing-padding-only") {
		t.Error("dummyPHC should verify against its own known password")
	}
}

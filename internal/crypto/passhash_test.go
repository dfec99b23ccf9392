package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal, looks non-random", n)
	}
}

func TestRandomToken_Hex(t *testing.T) {
	t.Parallel()

	tok, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if len(tok) != 64 {
		t.Fatalf("len=%d, want=64", len(tok))
	}
	if strings.Trim(tok, "0123456789abcdef") != "" {
		t.Fatalf("token %q is not lower-case hex", tok)
	}
}

func TestHashToken_Stable(t *testing.T) {
	t.Parallel()

	if HashToken("abc") != HashToken("abc") {
		t.Fatalf("hash not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatalf("hash should differ for different input")
	}
	if HashToken("abc") == "abc" {
		t.Fatalf("hash must not equal input")
	}
}

func TestHashPassword_SaltedPHC(t *testing.T) {
	t.Parallel()

	h1, err := HashPassword("p@ssw0rd")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("p@ssw0rd")
	if err != nil {
		t.Fatalf("HashPassword(2): %v", err)
	}
	if !strings.HasPrefix(h1, "$argon2id$v=19$") {
		t.Fatalf("unexpected encoding %q", h1)
	}
	if h1 == h2 {
		t.Fatalf("same password hashed twice should differ by salt")
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	pw := "correct horse battery staple"
	hash, err := HashPassword(pw)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if !VerifyPassword(hash, pw) {
		t.Fatalf("VerifyPassword: expected true for correct password")
	}
	if VerifyPassword(hash, "wrong") {
		t.Fatalf("VerifyPassword: expected false for wrong password")
	}
	if VerifyPassword(hash, "") {
		t.Fatalf("VerifyPassword: expected false for empty password")
	}
	if VerifyPassword("not-a-hash", pw) {
		t.Fatalf("VerifyPassword: expected false for malformed hash")
	}
}

func TestVerifyPassword_LongPassword(t *testing.T) {
	t.Parallel()

	pw := strings.Repeat("Ab1!", 32)
	hash, err := HashPassword(pw)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword(hash, pw) {
		t.Fatalf("128-char password should verify")
	}
	if VerifyPassword(hash, pw[:127]) {
		t.Fatalf("truncated password must not verify")
	}
}

package vaultcipher

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func mustCipher(t *testing.T, pass string) *Cipher {
	t.Helper()
	c, err := New(pass)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSealOpen_Roundtrip(t *testing.T) {
	t.Parallel()
	c := mustCipher(t, "test-passphrase")

	cases := []string{
		"",
		"sk_live_123",
		"пароль-密码-🔑",
		strings.Repeat("x", 10000),
	}
	for _, pt := range cases {
		blob, err := c.Seal(pt)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := c.Open(blob)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != pt {
			t.Fatalf("roundtrip mismatch for len=%d", len(pt))
		}
	}
}

func TestSeal_FreshNonce(t *testing.T) {
	t.Parallel()
	c := mustCipher(t, "test-passphrase")

	a, err := c.Seal("same")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := c.Seal("same")
	if err != nil {
		t.Fatalf("Seal(2): %v", err)
	}
	if a == b {
		t.Fatalf("two seals of the same plaintext are identical")
	}
}

func TestSeal_Layout(t *testing.T) {
	t.Parallel()
	c := mustCipher(t, "test-passphrase")

	blob, err := c.Seal("abcd")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != NonceSize+TagSize+4 {
		t.Fatalf("len=%d, want=%d", len(raw), NonceSize+TagSize+4)
	}
}

func TestOpen_Tampered(t *testing.T) {
	t.Parallel()
	c := mustCipher(t, "test-passphrase")

	blob, err := c.Seal("secret-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)
	for i := range raw {
		mod := bytes.Clone(raw)
		mod[i] ^= 0x01
		if _, err := c.Open(base64.StdEncoding.EncodeToString(mod)); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("flip at %d: expected ErrDecrypt, got %v", i, err)
		}
	}
}

func TestOpen_WrongKeyAndGarbage(t *testing.T) {
	t.Parallel()
	c1 := mustCipher(t, "key-one")
	c2 := mustCipher(t, "key-two")

	blob, err := c1.Seal("value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := c2.Open(blob); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong key: expected ErrDecrypt, got %v", err)
	}
	for _, in := range []string{"", "!!!not-base64", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := c1.Open(in); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("input %q: expected ErrDecrypt, got %v", in, err)
		}
	}
}

func TestNewWithKey_BadLength(t *testing.T) {
	t.Parallel()
	if _, err := NewWithKey(make([]byte, 16)); err == nil {
		t.Fatalf("expected error for 16-byte key")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	t.Parallel()
	a, err := DeriveKey("p")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, _ := DeriveKey("p")
	c, _ := DeriveKey("q")
	if !bytes.Equal(a, b) || bytes.Equal(a, c) || len(a) != KeyLen {
		t.Fatalf("unexpected derived keys")
	}
}

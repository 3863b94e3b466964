package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s := NewSealer("correct horse battery staple")
	sealed, err := s.Seal("relayer:hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "relayer:hunter2" {
		t.Fatal("sealed value must not equal plaintext")
	}
	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "relayer:hunter2" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	sealed, err := NewSealer("one").Seal("token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := NewSealer("two").Open(sealed); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestRawKey(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	s := NewSealer(base64.StdEncoding.EncodeToString(key))
	if string(s.key) != string(key) {
		t.Fatal("base64 32-byte key should be used verbatim")
	}
}

func TestNoKey(t *testing.T) {
	s := NewSealer("")
	if v, err := s.Open(""); err != nil || v != "" {
		t.Fatalf("empty value should pass through, got %q %v", v, err)
	}
	if _, err := s.Open("abc"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := s.Seal("abc"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

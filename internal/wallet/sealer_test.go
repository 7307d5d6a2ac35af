package wallet

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal("w1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Fatalf("plaintext leaked into sealed blob")
	}
	plain, err := s.Open("w1", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("expected secret, got %q", plain)
	}
}

func TestSealerBindsWalletID(t *testing.T) {
	s, _ := NewSealer(testKey)
	sealed, _ := s.Seal("w1", []byte("secret"))
	if _, err := s.Open("w2", sealed); err == nil {
		t.Fatalf("blob opened under another wallet id")
	}
	if _, err := s.Open("w1", sealed[:4]); err == nil {
		t.Fatalf("truncated blob opened")
	}
}

func TestSealerKeyValidation(t *testing.T) {
	if _, err := NewSealer("abcd"); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("expected key length error, got %v", err)
	}
	if _, err := NewSealer("not-hex"); err == nil {
		t.Fatalf("expected decode error")
	}
	var s *Sealer
	if _, err := s.Seal("w1", nil); !errors.Is(err, ErrNoSealer) {
		t.Fatalf("expected ErrNoSealer, got %v", err)
	}
}

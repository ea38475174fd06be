package crypto

import (
	"errors"
	"testing"
)

func TestBoxSealOpen(t *testing.T) {
	box, err := NewBox("key-material")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	sealed, err := box.Seal("ghp_secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	again, _ := box.Seal("ghp_secret")
	if string(sealed) == string(again) {
		t.Fatalf("expected random nonce per seal")
	}
	plain, err := box.Open(sealed)
	if err != nil || plain != "ghp_secret" {
		t.Fatalf("open: %q %v", plain, err)
	}

	other, _ := NewBox("different")
	if _, err := other.Open(sealed); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext for wrong key, got %v", err)
	}
	if _, err := box.Open(sealed[:4]); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext for truncated payload, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(hash, "correct horse"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if err := ComparePassword(hash, "wrong horse"); err == nil {
		t.Fatalf("expected mismatch")
	}
}

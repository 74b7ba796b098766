package secret

import (
	"crypto/sha256"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	b, err := New("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := b.Encrypt("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "s3cret" || sealed == "" {
		t.Fatalf("sealed = %q", sealed)
	}
	got, err := b.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got != "s3cret" {
		t.Errorf("decrypt = %q, want s3cret", got)
	}
}

func TestNonceVaries(t *testing.T) {
	b, _ := New("k")
	a1, _ := b.Encrypt("same")
	a2, _ := b.Encrypt("same")
	if a1 == a2 {
		t.Error("two encryptions produced identical output")
	}
}

func TestEmpty(t *testing.T) {
	b, _ := New("k")
	if s, err := b.Encrypt(""); s != "" || err != nil {
		t.Errorf("Encrypt(\"\") = %q, %v", s, err)
	}
	if s, err := b.Decrypt(""); s != "" || err != nil {
		t.Errorf("Decrypt(\"\") = %q, %v", s, err)
	}
}

func TestWrongKey(t *testing.T) {
	b1, _ := New("one")
	b2, _ := New("two")
	sealed, _ := b1.Encrypt("pw")
	if _, err := b2.Decrypt(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("err = %v, want ErrDecrypt", err)
	}
	if _, err := b1.Decrypt("not base64!"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("err = %v, want ErrDecrypt", err)
	}
	if _, err := b1.Decrypt("AAAA"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("short err = %v, want ErrDecrypt", err)
	}
}

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestKeyStableAcrossBoxes(t *testing.T) {
	b1, _ := New("correct horse")
	b2, _ := New("correct horse")
	sealed, err := b1.Encrypt("pw")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := b2.Decrypt(sealed); err != nil || got != "pw" {
		t.Errorf("Decrypt = %q, %v, want pw", got, err)
	}
}

func TestKeyIsStretched(t *testing.T) {
	b, _ := New("correct horse")
	if b.key == sha256.Sum256([]byte("correct horse")) {
		t.Error("key is a bare SHA-256 of the passphrase")
	}
}

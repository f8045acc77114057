package credential

import (
	"testing"

	"github.com/99designs/keyring"
)

func TestTokenRoundTrip(t *testing.T) {
	store := New(keyring.NewArrayKeyring(nil))

	token, err := store.Token()
	if err != nil || token != "" {
		t.Fatalf("expected empty token, got %q %v", token, err)
	}

	if err := store.SaveToken("tok-1"); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if token, err := store.Token(); err != nil || token != "tok-1" {
		t.Fatalf("Token() = %q, %v", token, err)
	}

	if err := store.SaveToken("tok-2"); err != nil {
		t.Fatalf("SaveToken() overwrite error = %v", err)
	}
	if token, _ := store.Token(); token != "tok-2" {
		t.Fatalf("expected overwritten token, got %q", token)
	}
}

func TestClearTokenIsIdempotent(t *testing.T) {
	store := New(keyring.NewArrayKeyring([]keyring.Item{{Key: tokenKey, Data: []byte("tok")}}))

	for i := 0; i < 2; i++ {
		if err := store.ClearToken(); err != nil {
			t.Fatalf("ClearToken() #%d error = %v", i, err)
		}
	}
	if token, err := store.Token(); err != nil || token != "" {
		t.Fatalf("expected cleared token, got %q %v", token, err)
	}
}

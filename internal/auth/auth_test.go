package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyAllowListed(t *testing.T) {
	ks := NewKeySet([]string{"alpha", " ", "beta "}, "")
	if ks.Len() != 2 {
		t.Errorf("len = %d, want 2", ks.Len())
	}
	for _, k := range []string{"alpha", "beta"} {
		if _, err := ks.Verify(k); err != nil {
			t.Errorf("Verify(%q): %v", k, err)
		}
	}
	for _, k := range []string{"", "gamma"} {
		if _, err := ks.Verify(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Verify(%q) err = %v", k, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("- one\n- two\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ks := NewKeySet(nil, "")
	if err := ks.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Verify("two"); err != nil {
		t.Errorf("Verify(two): %v", err)
	}

	if err := ks.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Errorf("missing file: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("key: value\n"), 0o600)
	if err := ks.LoadFile(bad); err == nil {
		t.Error("expected error for non-list keys file")
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	ks := NewKeySet(nil, "s3cret")
	token, err := ks.Issue("ci-bot", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	subject, err := ks.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "ci-bot" {
		t.Errorf("subject = %q", subject)
	}

	other := NewKeySet(nil, "different")
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("wrong secret err = %v", err)
	}

	noTokens := NewKeySet([]string{"k"}, "")
	if _, err := noTokens.Verify(token); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("tokens disabled err = %v", err)
	}
	if _, err := noTokens.Issue("x", time.Hour); err == nil {
		t.Error("expected Issue to fail without a secret")
	}
}

func TestVerifyRejectsExpiredAndUnexpiring(t *testing.T) {
	ks := NewKeySet(nil, "s3cret")

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "old",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, _ := expired.SignedString([]byte("s3cret"))
	if _, err := ks.Verify(signed); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expired token err = %v", err)
	}

	forever := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: issuer, Subject: "x"})
	signed, _ = forever.SignedString([]byte("s3cret"))
	if _, err := ks.Verify(signed); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("token without exp err = %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	ks := NewKeySet([]string{"good"}, "")
	var seen string
	h := Middleware(ks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || rec.Body.String() != DeniedMessage {
		t.Errorf("no key: %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "good")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("good key: %d", rec.Code)
	}
	if seen != "key" {
		t.Errorf("subject = %q", seen)
	}
}

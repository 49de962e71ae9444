package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func TestIssueVerify(t *testing.T) {
	tok, err := Issue(testSecret, Identity{ID: "u1", Email: "a@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := NewVerifier(testSecret).Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != "u1" || id.Email != "a@example.com" {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	good, _ := Issue(testSecret, Identity{ID: "u1", Email: "a@example.com"}, time.Hour)
	wrongKey, _ := Issue([]byte("other"), Identity{ID: "u1"}, time.Hour)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString(testSecret)
	nobody, _ := Issue(testSecret, Identity{}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":     "",
		"garbage":   "not-a-jwt",
		"wrong key": wrongKey,
		"expired":   expired,
		"no user":   nobody,
		"alg none":  none,
		"truncated": good[:len(good)-4],
	}
	v := NewVerifier(testSecret)
	for name, tok := range tests {
		if _, err := v.Verify(tok); !errors.Is(err, ErrAuthentication) {
			t.Errorf("%s: err = %v, want ErrAuthentication", name, err)
		}
	}
}

func TestVerifyLegacyIDClaim(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"_id":   "665f1c2e9b1e8a3d4c2b1a00",
		"email": "legacy@example.com",
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := NewVerifier(testSecret).Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != "665f1c2e9b1e8a3d4c2b1a00" {
		t.Errorf("ID = %q", id.ID)
	}
}

func TestVerifyEmailOnly(t *testing.T) {
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": "e@example.com"}).SignedString(testSecret)
	id, err := NewVerifier(testSecret).Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != "e@example.com" {
		t.Errorf("ID = %q, want email fallback", id.ID)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?projectId=p&token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "q" {
		t.Errorf("query: got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "bearer  h ")
	if got := TokenFromRequest(r); got != "h" {
		t.Errorf("header: got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "chat, bearer.s")
	if got := TokenFromRequest(r); got != "s" {
		t.Errorf("subprotocol: got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(r); got != "" {
		t.Errorf("basic: got %q", got)
	}
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	s := NewCredentialStore(t.TempDir() + "/nested")

	got, err := s.Load()
	if err != nil || got != nil {
		t.Fatalf("Load empty: %v, %v", got, err)
	}

	want := &Credentials{Server: "http://localhost:8080", Token: "t", UserID: "u1", Email: "a@example.com"}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.Valid() {
		t.Error("credentials without expiry should be valid")
	}

	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
}

func TestCredentialsValid(t *testing.T) {
	var nilCreds *Credentials
	if nilCreds.Valid() {
		t.Error("nil credentials valid")
	}
	if (&Credentials{Token: "t", ExpiresAt: time.Now().Add(-time.Minute).Unix()}).Valid() {
		t.Error("expired credentials valid")
	}
}

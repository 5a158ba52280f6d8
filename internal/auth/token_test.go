package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTokenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "token.json")
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	tf := &TokenFile{Token: "abc", ExpiresAt: exp, Server: "https://example.com"}
	if err := SaveTo(path, tf); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Token != "abc" || got.Server != "https://example.com" {
		t.Errorf("loaded %+v", got)
	}
	if !got.ExpiresAt.Equal(exp) {
		t.Errorf("expiry %v, want %v", got.ExpiresAt, exp)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadFromBackfillsExpiry(t *testing.T) {
	// Token files written before expires_at existed carry only the token;
	// the expiry is recovered from the JWT itself.
	exp := time.Now().Add(2 * time.Hour)
	path := filepath.Join(t.TempDir(), "token.json")
	if err := SaveTo(path, &TokenFile{Token: signedToken(t, exp)}); err != nil {
		t.Fatal(err)
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatal("expiry must be backfilled from the token")
	}
	if got.ExpiresAt.Unix() != exp.Unix() {
		t.Errorf("expiry %v, want %v", got.ExpiresAt, exp)
	}
}

func TestIsExpired(t *testing.T) {
	future := &TokenFile{ExpiresAt: time.Now().Add(time.Hour)}
	if future.IsExpired(0) {
		t.Error("future token must not be expired")
	}
	if !future.IsExpired(2 * time.Hour) {
		t.Error("margin larger than the remaining lifetime must trip expiry")
	}

	past := &TokenFile{ExpiresAt: time.Now().Add(-time.Minute)}
	if !past.IsExpired(0) {
		t.Error("past token must be expired")
	}

	// No recorded expiry means never expired locally.
	unknown := &TokenFile{}
	if unknown.IsExpired(0) {
		t.Error("token without expiry must not be treated as expired")
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute)
	got, err := TokenExpiry(signedToken(t, exp))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Unix() != exp.Unix() {
		t.Errorf("expiry %v, want %v", got, exp)
	}

	if _, err := TokenExpiry("not-a-jwt"); err == nil {
		t.Error("malformed token must fail")
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"})
	s, _ := noExp.SignedString([]byte("k"))
	if _, err := TokenExpiry(s); err == nil {
		t.Error("token without exp claim must fail")
	}
}

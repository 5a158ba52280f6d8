// Package auth handles the locally saved bearer token. Token issuance is the
// access-control service's job; this package only loads, saves, and inspects
// what it was given.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFile holds a saved authentication token.
type TokenFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Server    string    `json:"server"`
}

// IsExpired returns true if the token has expired (with optional margin).
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// TokenExpiry extracts the exp claim from a JWT without verifying the
// signature. Verification is the server's job; the client only wants to warn
// before sending requests doomed to 401.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}
	return exp.Time, nil
}

// TokenFilePath returns the default path for the token file.
func TokenFilePath() string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Slateboard", "token.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "slateboard", "token.json")
}

// Save writes a token file to the default location.
func Save(tf *TokenFile) error {
	return SaveTo(TokenFilePath(), tf)
}

// SaveTo writes a token file to path.
func SaveTo(path string, tf *TokenFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load reads the token file from the default location.
func Load() (*TokenFile, error) {
	return LoadFrom(TokenFilePath())
}

// LoadFrom reads a token file from path.
func LoadFrom(path string) (*TokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	if tf.ExpiresAt.IsZero() && tf.Token != "" {
		// Older token files predate the expires_at field.
		if exp, err := TokenExpiry(tf.Token); err == nil {
			tf.ExpiresAt = exp
		}
	}
	return &tf, nil
}

// Delete removes the saved token file.
func Delete() error {
	return os.Remove(TokenFilePath())
}

package credentials

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

// unsignedJWT builds a syntactically valid token with the given claims
// body. The signature is garbage; only the claims are read.
func unsignedJWT(t *testing.T, claims string) string {
	t.Helper()
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body := enc.EncodeToString([]byte(claims))
	return header + "." + body + "." + enc.EncodeToString([]byte("sig"))
}

func writeSessionFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write session file: %v", err)
	}
	return path
}

func TestStaticProvider(t *testing.T) {
	provider := NewStatic(remotestore.Credentials{UserID: "u1", BearerToken: "t"})
	creds, ok := provider.Current()
	if !ok || creds.UserID != "u1" {
		t.Fatalf("current = (%+v, %v)", creds, ok)
	}

	empty := NewStatic(remotestore.Credentials{})
	if _, ok := empty.Current(); ok {
		t.Fatal("empty static provider must report logged out")
	}
}

func TestSessionFileExplicitUserID(t *testing.T) {
	path := writeSessionFile(t, `{"userId": "u42", "accessToken": "opaque-token", "refreshToken": "r1"}`)
	provider, err := NewSessionFile(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	creds, ok := provider.Current()
	if !ok {
		t.Fatal("expected credentials")
	}
	if creds.UserID != "u42" || creds.BearerToken != "opaque-token" || creds.RefreshToken != "r1" {
		t.Fatalf("credentials = %+v", creds)
	}
}

func TestSessionFileDerivesUserFromJWTSubject(t *testing.T) {
	token := unsignedJWT(t, `{"sub": "user-from-sub", "exp": 4102444800}`)
	path := writeSessionFile(t, `{"accessToken": "`+token+`"}`)
	provider, err := NewSessionFile(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	creds, ok := provider.Current()
	if !ok {
		t.Fatal("expected credentials")
	}
	if creds.UserID != "user-from-sub" {
		t.Fatalf("userID = %q, want the JWT subject", creds.UserID)
	}
}

func TestSessionFilePicksUpRewrites(t *testing.T) {
	path := writeSessionFile(t, `{"userId": "u1", "accessToken": "old"}`)
	provider, err := NewSessionFile(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if creds, _ := provider.Current(); creds.BearerToken != "old" {
		t.Fatalf("token = %q, want old", creds.BearerToken)
	}

	if err := os.WriteFile(path, []byte(`{"userId": "u1", "accessToken": "refreshed"}`), 0o600); err != nil {
		t.Fatalf("rewrite session file: %v", err)
	}
	if creds, _ := provider.Current(); creds.BearerToken != "refreshed" {
		t.Fatalf("token = %q, want refreshed", creds.BearerToken)
	}
}

func TestSessionFileLoggedOutCases(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing token", `{"userId": "u1"}`},
		{"malformed json", `{not json`},
		{"opaque token without user", `{"accessToken": "not-a-jwt"}`},
		{"jwt without subject", ""},
	}
	cases[3].content = `{"accessToken": "` + unsignedJWT(t, `{"exp": 4102444800}`) + `"}`

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider, err := NewSessionFile(writeSessionFile(t, tc.content))
			if err != nil {
				t.Fatalf("new provider: %v", err)
			}
			if creds, ok := provider.Current(); ok {
				t.Fatalf("expected logged out, got %+v", creds)
			}
		})
	}
}

func TestSessionFileMissingFile(t *testing.T) {
	provider, err := NewSessionFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, ok := provider.Current(); ok {
		t.Fatal("missing file must report logged out")
	}

	if _, err := NewSessionFile("  "); !errors.Is(err, remotestore.ErrInvalidInput) {
		t.Fatalf("blank path err = %v, want ErrInvalidInput", err)
	}
}

package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signed(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestSource_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "token")
	if err := os.WriteFile(file, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICECALL_TEST_TOKEN", "from-env")

	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"static wins", []Option{WithStatic("from-static"), WithEnv("VOICECALL_TEST_TOKEN"), WithFile(file)}, "from-static"},
		{"env before file", []Option{WithEnv("VOICECALL_TEST_TOKEN"), WithFile(file)}, "from-env"},
		{"file trimmed", []Option{WithEnv(""), WithFile(file)}, "from-file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSource(tt.opts...).Token(t.Context())
			if err != nil {
				t.Fatalf("Token: %v", err)
			}
			if got != tt.want {
				t.Errorf("Token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSource_NoToken(t *testing.T) {
	t.Setenv(DefaultEnv, "")
	if _, err := NewSource().Token(t.Context()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}

	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := NewSource(WithEnv(""), WithFile(missing)).Token(t.Context()); !errors.Is(err, ErrNoToken) {
		t.Errorf("missing file err = %v, want ErrNoToken", err)
	}
}

func TestSource_JWTExpiry(t *testing.T) {
	valid := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour))})
	expired := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(testNow.Add(-time.Minute))})
	soon := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(testNow.Add(20 * time.Second))})
	noExp := signed(t, jwt.RegisteredClaims{Subject: "user-1"})
	clock := WithClock(func() time.Time { return testNow })

	tests := []struct {
		name    string
		token   string
		leeway  time.Duration
		wantErr error
	}{
		{name: "valid", token: valid},
		{name: "expired", token: expired, wantErr: ErrExpired},
		{name: "within leeway", token: soon, leeway: 30 * time.Second, wantErr: ErrExpired},
		{name: "no exp claim", token: noExp},
		{name: "opaque", token: "sk_live_abcdef"},
		{name: "malformed jwt", token: "aaa.bbb.ccc", wantErr: ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSource(WithStatic(tt.token), clock, WithLeeway(tt.leeway))
			got, err := src.Token(t.Context())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Token: %v", err)
			}
			if got != tt.token {
				t.Errorf("Token changed the credential")
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	exp := testNow.Add(time.Hour)
	got, ok, err := Expiry(signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}))
	if err != nil || !ok {
		t.Fatalf("Expiry: ok=%v err=%v", ok, err)
	}
	if !got.Equal(exp) {
		t.Errorf("Expiry = %v, want %v", got, exp)
	}

	if _, ok, err := Expiry("opaque-token"); ok || err != nil {
		t.Errorf("opaque token: ok=%v err=%v", ok, err)
	}
}

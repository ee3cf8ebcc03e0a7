package auth

import (
	"crypto/md5"
	"errors"
	"testing"

	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestCookieDigest(t *testing.T) {
	testlog.Start(t)

	cookie := Cookie("secret")
	got := cookie.Digest(12345)
	want := md5.Sum([]byte("secret12345"))
	if got != want {
		t.Fatalf("digest mismatch: got=%x want=%x", got, want)
	}
	log.Debug().Hex("digest", got[:]).Msg("auth/cookie: digest of challenge 12345")

	if err := cookie.Verify(12345, want[:]); err != nil {
		t.Fatalf("expected matching digest, got %v", err)
	}
	if err := cookie.Verify(12346, want[:]); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch for other challenge, got %v", err)
	}
	if err := cookie.Verify(12345, want[:8]); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch for short digest, got %v", err)
	}
}

func TestCookieStringIsRedacted(t *testing.T) {
	if s := Cookie("secret").String(); s == "secret" {
		t.Fatalf("cookie leaked through String: %q", s)
	}
	if s := Cookie("").String(); s != "" {
		t.Fatalf("expected empty rendering of empty cookie, got %q", s)
	}
}

func TestNewChallengeVaries(t *testing.T) {
	seen := make(map[uint32]struct{})
	for i := 0; i < 8; i++ {
		seen[NewChallenge()] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected distinct challenges, got %v", seen)
	}
}

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

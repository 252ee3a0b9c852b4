package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"facewatch/go-backend/internal/admin"
	"facewatch/go-backend/internal/securestore"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("%w: untrusted key", securestore.ErrTamper), exitTamper},
		{securestore.ErrAuthentication, exitAuthFailed},
		{securestore.ErrBusy, exitBusy},
		{admin.ErrPasswordLocked, exitBusy},
		{admin.ErrRateLimited, exitBusy},
		{admin.ErrWeakPassword, exitInvalidInput},
		{admin.ErrNotInitialized, exitInvalidInput},
		{admin.ErrPasswordChangeRequired, exitInvalidInput},
		{fmt.Errorf("%w: %w", securestore.ErrAuthentication, securestore.ErrPasswordRequired), exitAuthFailed},
		{errors.Join(errInvalidConfig, errors.New("bad kdf")), exitInvalidInput},
		{fmt.Errorf("%w: disk full", securestore.ErrIO), exitStorageFailed},
		{securestore.ErrFormat, exitStorageFailed},
	}
	for _, tc := range cases {
		if got := exitCodeFor(tc.err); got != tc.want {
			t.Fatalf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestReadSecretLines(t *testing.T) {
	got, err := readSecretLines(strings.NewReader("old secret\r\nnew secret"), 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got[0] != "old secret" || got[1] != "new secret" {
		t.Fatalf("unexpected lines: %q", got)
	}
	if _, err := readSecretLines(strings.NewReader("only one\n"), 2); !errors.Is(err, errBadInput) {
		t.Fatalf("expected errBadInput, got %v", err)
	}
	if _, err := readSecretLines(strings.NewReader(""), 1); !errors.Is(err, errBadInput) {
		t.Fatalf("expected errBadInput for empty stdin, got %v", err)
	}
}

func TestOptionalBool(t *testing.T) {
	v, err := optionalBool("face", "")
	if err != nil || v != nil {
		t.Fatalf("empty flag must be unset, got %v %v", v, err)
	}
	v, err = optionalBool("face", "true")
	if err != nil || v == nil || !*v {
		t.Fatalf("expected true, got %v %v", v, err)
	}
	if _, err := optionalBool("voice", "maybe"); !errors.Is(err, errBadInput) {
		t.Fatalf("expected errBadInput, got %v", err)
	}
}

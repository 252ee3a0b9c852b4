package admin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"facewatch/go-backend/internal/keymanager"
	"facewatch/go-backend/internal/platform/ratelimiter"
	"facewatch/go-backend/internal/securestore"

	"github.com/tyler-smith/go-bip39"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, limiter *ratelimiter.MapLimiter) (*Manager, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	store, err := securestore.LoadOrCreateStore(filepath.Join(dir, "keys"), filepath.Join(dir, "secure_data.enc"), securestore.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m, err := NewManager(store, Options{Limiter: limiter})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	return m, clock
}

func TestInitializeMintsMnemonicCredential(t *testing.T) {
	m, _ := newTestManager(t, nil)

	status, err := m.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Initialized {
		t.Fatal("fresh installation must not be initialized")
	}

	initial, err := m.Initialize()
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if !bip39.IsMnemonicValid(initial) || len(strings.Fields(initial)) != 12 {
		t.Fatalf("expected 12 word mnemonic, got %d words", len(strings.Fields(initial)))
	}

	doc, err := m.Unlock(initial)
	if err != nil {
		t.Fatalf("unlock with initial password failed: %v", err)
	}
	if !doc.Admin.MustChangePassword {
		t.Fatal("initial credential must be flagged for change")
	}
	if doc.Admin.PublicKeyAddress != m.store.PublicFingerprint() {
		t.Fatal("admin record must carry the installation address")
	}
	if !securestore.VerifyPassword(initial, doc.Admin.PasswordDigest) {
		t.Fatal("stored digest must match initial password")
	}

	if _, err := m.Initialize(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	status, err = m.Status()
	if err != nil || !status.Initialized || status.Curve != keymanager.CurveName {
		t.Fatalf("unexpected status %+v err=%v", status, err)
	}
}

func TestUnlockBeforeInitialize(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if _, err := m.Unlock("whatever-password"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := m.Unlock(""); !errors.Is(err, securestore.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestFailedUnlockLocksWithBackoff(t *testing.T) {
	m, clock := newTestManager(t, nil)
	initial, err := m.Initialize()
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if _, err := m.Unlock("wrong password"); !errors.Is(err, securestore.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if _, err := m.Unlock(initial); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("expected ErrPasswordLocked right after failure, got %v", err)
	}

	clock.Advance(time.Second)
	if _, err := m.Unlock("wrong again"); !errors.Is(err, securestore.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	clock.Advance(time.Second)
	if _, err := m.Unlock(initial); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("second failure must lock for 2s, got %v", err)
	}

	clock.Advance(time.Second)
	if _, err := m.Unlock(initial); err != nil {
		t.Fatalf("unlock after backoff failed: %v", err)
	}
	if m.failedAttempts != 0 || !m.lockedUntil.IsZero() {
		t.Fatal("successful unlock must reset attempt state")
	}
}

func TestUnlockIsRateLimited(t *testing.T) {
	m, clock := newTestManager(t, ratelimiter.New(1, 1, time.Minute))
	if _, err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if _, err := m.Unlock("wrong password"); !errors.Is(err, securestore.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := m.Unlock("wrong password"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	m, clock := newTestManager(t, nil)
	initial, err := m.Initialize()
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if err := m.ChangePassword(initial, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword for short password, got %v", err)
	}
	if err := m.ChangePassword(initial, initial); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword for unchanged password, got %v", err)
	}
	if err := m.ChangePassword(initial, "   "); !errors.Is(err, securestore.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}

	if err := m.ChangePassword(initial, "correct horse battery"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	stats, err := m.Stats("correct horse battery")
	if err != nil {
		t.Fatalf("stats with new password failed: %v", err)
	}
	if stats.MustChangePassword {
		t.Fatal("must-change flag must clear after change")
	}
	if _, err := m.Unlock(initial); !errors.Is(err, securestore.ErrAuthentication) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	clock.Advance(time.Second)
	if err := m.ChangePassword("not the password", "another password"); !errors.Is(err, securestore.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestSetEnrollmentAndStats(t *testing.T) {
	m, _ := newTestManager(t, nil)
	initial, err := m.Initialize()
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	const password = "correct horse battery"
	if err := m.ChangePassword(initial, password); err != nil {
		t.Fatalf("change password failed: %v", err)
	}

	face := true
	if err := m.SetEnrollment(password, &face, nil); err != nil {
		t.Fatalf("set enrollment failed: %v", err)
	}
	stats, err := m.Stats(password)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !stats.FaceEnrolled || stats.VoiceEnrolled {
		t.Fatalf("unexpected enrollment flags: %+v", stats)
	}
	if stats.Curve != keymanager.CurveName || stats.PublicKeyAddress == "" {
		t.Fatalf("unexpected key info: %+v", stats)
	}
	if stats.MustChangePassword {
		t.Fatal("enrollment must not set the must-change flag")
	}

	voice := true
	face = false
	if err := m.SetEnrollment(password, &face, &voice); err != nil {
		t.Fatalf("set enrollment failed: %v", err)
	}
	stats, err = m.Stats(password)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.FaceEnrolled || !stats.VoiceEnrolled {
		t.Fatalf("unexpected enrollment flags: %+v", stats)
	}
	if err := m.SetEnrollment(password, nil, nil); err == nil {
		t.Fatal("expected error for empty enrollment change")
	}
}

func TestInitialCredentialOnlyAllowsPasswordChange(t *testing.T) {
	m, _ := newTestManager(t, nil)
	initial, err := m.Initialize()
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	before, err := os.ReadFile(m.store.Path())
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}

	face := true
	if err := m.SetEnrollment(initial, &face, nil); !errors.Is(err, ErrPasswordChangeRequired) {
		t.Fatalf("expected ErrPasswordChangeRequired from SetEnrollment, got %v", err)
	}
	if _, err := m.Stats(initial); !errors.Is(err, ErrPasswordChangeRequired) {
		t.Fatalf("expected ErrPasswordChangeRequired from Stats, got %v", err)
	}
	after, err := os.ReadFile(m.store.Path())
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("refused enrollment change must not be saved")
	}
	if m.failedAttempts != 0 {
		t.Fatal("a correct initial password is not a failed attempt")
	}

	doc, err := m.Unlock(initial)
	if err != nil || !doc.Admin.MustChangePassword {
		t.Fatalf("unlock must still report the must-change flag, got doc=%v err=%v", doc, err)
	}
	if err := m.ChangePassword(initial, "correct horse battery"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	if err := m.SetEnrollment("correct horse battery", &face, nil); err != nil {
		t.Fatalf("set enrollment after change failed: %v", err)
	}
}

func TestFailedAttemptBackoff(t *testing.T) {
	want := map[int]time.Duration{
		0:  0,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		6:  32 * time.Second,
		50: 32 * time.Second,
	}
	for attempt, expected := range want {
		if got := failedAttemptBackoff(attempt); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
}

func TestDoctorReportsIntegrityAndPermissions(t *testing.T) {
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")
	dataFile := filepath.Join(dir, "secure_data.enc")
	store, err := securestore.LoadOrCreateStore(keyDir, dataFile, securestore.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m, err := NewManager(store, Options{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	report := m.Doctor(keyDir)
	if report.Ready {
		t.Fatal("uninitialized vault must not be ready")
	}
	if _, err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	report = m.Doctor(keyDir)
	if !report.Ready || report.Tampered {
		t.Fatalf("expected healthy report, got %+v", report)
	}

	raw, err := os.ReadFile(dataFile)
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	// Flip a character inside the base64 ciphertext field.
	idx := strings.Index(string(raw), `"ciphertext": "`) + len(`"ciphertext": "`) + 4
	if raw[idx] == 'A' {
		raw[idx] = 'B'
	} else {
		raw[idx] = 'A'
	}
	if err := os.WriteFile(dataFile, raw, 0o600); err != nil {
		t.Fatalf("write data file: %v", err)
	}
	if err := os.Chmod(keyDir, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	report = m.Doctor(keyDir)
	if report.Ready || !report.Tampered {
		t.Fatalf("expected tampered report, got %+v", report)
	}
	failed := map[string]bool{}
	for _, c := range report.Checks {
		if !c.Pass {
			failed[c.Name] = true
		}
	}
	if !failed["key_dir_private"] || !failed["document_integrity"] {
		t.Fatalf("unexpected failing checks: %v", failed)
	}
}

// Package admin manages the installation's administrator credential on top of
// the secure document store.
package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"facewatch/go-backend/internal/keymanager"
	"facewatch/go-backend/internal/platform/ratelimiter"
	"facewatch/go-backend/internal/securestore"

	"github.com/tyler-smith/go-bip39"
)

const (
	componentName = "admin"

	MinPasswordRunes = 8

	// 128 bits of entropy yields a 12 word mnemonic.
	initialCredentialEntropyBits = 128
)

var (
	ErrAlreadyInitialized = errors.New("admin credential is already initialized")
	ErrNotInitialized     = errors.New("admin credential is not initialized")
	ErrPasswordLocked     = errors.New("password attempts are temporarily locked")
	ErrRateLimited        = errors.New("too many password attempts")
	ErrWeakPassword       = errors.New("password does not meet policy")
	ErrUnsupportedSchema  = errors.New("unsupported document schema")

	// ErrPasswordChangeRequired blocks everything but ChangePassword while the
	// initial credential is still in use.
	ErrPasswordChangeRequired = errors.New("initial password must be changed first")
)

// Metrics receives admin outcomes; metrics.Recorder implements it.
type Metrics interface {
	ObserveOperation(operation, result string)
	ObserveLockout()
}

type Options struct {
	Limiter *ratelimiter.MapLimiter
	Logger  *slog.Logger
	Metrics Metrics
}

type Manager struct {
	store   *securestore.Store
	limiter *ratelimiter.MapLimiter
	logger  *slog.Logger
	metrics Metrics

	mu             sync.Mutex
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

// Stats is the authenticated view of the admin record.
type Stats struct {
	FaceEnrolled       bool      `json:"face_enrolled"`
	VoiceEnrolled      bool      `json:"voice_enrolled"`
	MustChangePassword bool      `json:"must_change_password"`
	PublicKeyAddress   string    `json:"public_key_address"`
	Curve              string    `json:"curve"`
	CreatedAt          time.Time `json:"created_at"`
	PasswordChangedAt  time.Time `json:"password_changed_at"`
}

// Status needs no password.
type Status struct {
	Initialized      bool   `json:"initialized"`
	PublicKeyAddress string `json:"public_key_address"`
	Curve            string `json:"curve"`
	DataFile         string `json:"data_file"`
}

func NewManager(store *securestore.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:   store,
		limiter: opts.Limiter,
		logger:  logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *Manager) Status() (Status, error) {
	exists, err := m.store.Exists()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Initialized:      exists,
		PublicKeyAddress: m.store.PublicFingerprint(),
		Curve:            keymanager.CurveName,
		DataFile:         m.store.Path(),
	}, nil
}

// Initialize creates the admin record on first run and returns the generated
// initial password, a BIP-39 mnemonic that must be changed on first login.
func (m *Manager) Initialize() (initialPassword string, err error) {
	defer func() { m.observe("initialize", err) }()
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.store.Exists()
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrAlreadyInitialized
	}
	entropy, err := bip39.NewEntropy(initialCredentialEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate initial credential: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate initial credential: %w", err)
	}

	now := m.now()
	doc := &securestore.Document{
		SchemaVersion: securestore.DocumentSchemaVersion,
		Admin: securestore.AdminRecord{
			PasswordDigest:     securestore.HashPassword(mnemonic),
			PublicKeyAddress:   m.store.PublicFingerprint(),
			MustChangePassword: true,
			CreatedAt:          now,
			PasswordChangedAt:  now,
		},
	}
	if err := m.store.Save(doc, mnemonic); err != nil {
		return "", err
	}
	m.logger.Info("admin credential initialized",
		"component", componentName,
		"operation", "initialize",
		"fingerprint", doc.Admin.PublicKeyAddress,
	)
	return mnemonic, nil
}

// Unlock authenticates password and returns the decrypted document. It does not
// refuse the initial credential; callers read Admin.MustChangePassword.
func (m *Manager) Unlock(password string) (doc *securestore.Document, err error) {
	defer func() { m.observe("unlock", err) }()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticateLocked("unlock", password)
}

// ChangePassword re-encrypts the document under newPassword and clears the
// must-change flag.
func (m *Manager) ChangePassword(oldPassword, newPassword string) (err error) {
	defer func() { m.observe("change_password", err) }()
	if err := CheckPasswordPolicy(oldPassword, newPassword); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.authenticateLocked("change_password", oldPassword)
	if err != nil {
		return err
	}
	if _, err := m.store.RotatePassword(oldPassword, newPassword, doc); err != nil {
		return err
	}
	m.logger.Info("admin password changed",
		"component", componentName,
		"operation", "change_password",
	)
	return nil
}

// SetEnrollment updates the enrollment flags that are non-nil.
func (m *Manager) SetEnrollment(password string, face, voice *bool) (err error) {
	defer func() { m.observe("set_enrollment", err) }()
	if face == nil && voice == nil {
		return errors.New("no enrollment change requested")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.authenticateLocked("set_enrollment", password)
	if err != nil {
		return err
	}
	if err := requirePasswordChanged(doc); err != nil {
		return err
	}
	if face != nil {
		doc.Admin.FaceEnrolled = *face
	}
	if voice != nil {
		doc.Admin.VoiceEnrolled = *voice
	}
	if err := m.store.Save(doc, password); err != nil {
		return err
	}
	m.logger.Info("enrollment updated",
		"component", componentName,
		"operation", "set_enrollment",
		"face_enrolled", doc.Admin.FaceEnrolled,
		"voice_enrolled", doc.Admin.VoiceEnrolled,
	)
	return nil
}

func (m *Manager) Stats(password string) (stats Stats, err error) {
	defer func() { m.observe("stats", err) }()
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.authenticateLocked("stats", password)
	if err != nil {
		return Stats{}, err
	}
	if err := requirePasswordChanged(doc); err != nil {
		return Stats{}, err
	}
	return Stats{
		FaceEnrolled:       doc.Admin.FaceEnrolled,
		VoiceEnrolled:      doc.Admin.VoiceEnrolled,
		MustChangePassword: doc.Admin.MustChangePassword,
		PublicKeyAddress:   m.store.PublicFingerprint(),
		Curve:              keymanager.CurveName,
		CreatedAt:          doc.Admin.CreatedAt,
		PasswordChangedAt:  doc.Admin.PasswordChangedAt,
	}, nil
}

// CheckPasswordPolicy validates a replacement password.
func CheckPasswordPolicy(oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return securestore.ErrPasswordRequired
	}
	if utf8.RuneCountInString(newPassword) < MinPasswordRunes {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, MinPasswordRunes)
	}
	if newPassword == oldPassword {
		return fmt.Errorf("%w: new password must differ from the current one", ErrWeakPassword)
	}
	return nil
}

func (m *Manager) authenticateLocked(operation, password string) (*securestore.Document, error) {
	if password == "" {
		return nil, securestore.ErrPasswordRequired
	}
	if !m.limiter.Allow(operation, m.now()) {
		return nil, ErrRateLimited
	}
	if err := m.ensureUnlocked(); err != nil {
		return nil, err
	}

	doc, found, err := m.store.Load(password)
	if err != nil {
		if errors.Is(err, securestore.ErrAuthentication) {
			m.onFailedPasswordAttempt(operation)
		}
		return nil, err
	}
	if !found {
		return nil, ErrNotInitialized
	}
	if doc.SchemaVersion != securestore.DocumentSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, doc.SchemaVersion)
	}
	// Same error as a failed decryption; callers must not learn which check failed.
	if !securestore.VerifyPassword(password, doc.Admin.PasswordDigest) {
		m.onFailedPasswordAttempt(operation)
		return nil, securestore.ErrAuthentication
	}
	m.resetPasswordAttemptState()
	m.limiter.Reset(operation)
	return doc, nil
}

func requirePasswordChanged(doc *securestore.Document) error {
	if doc.Admin.MustChangePassword {
		return ErrPasswordChangeRequired
	}
	return nil
}

func (m *Manager) ensureUnlocked() error {
	if m.lockedUntil.IsZero() {
		return nil
	}
	if m.now().Before(m.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (m *Manager) onFailedPasswordAttempt(operation string) {
	m.failedAttempts++
	backoff := failedAttemptBackoff(m.failedAttempts)
	m.lockedUntil = m.now().Add(backoff)
	if m.metrics != nil {
		m.metrics.ObserveLockout()
	}
	m.logger.Warn("password attempt rejected",
		"component", componentName,
		"operation", operation,
		"failed_attempts", m.failedAttempts,
		"backoff", backoff.String(),
	)
}

func (m *Manager) resetPasswordAttemptState() {
	m.failedAttempts = 0
	m.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := min(attempt-1, 5)
	return time.Second * time.Duration(1<<shift)
}

func (m *Manager) observe(operation string, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveOperation("admin_"+operation, resultOf(err))
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyInitialized), errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrPasswordChangeRequired):
		return "state"
	case errors.Is(err, ErrPasswordLocked), errors.Is(err, ErrRateLimited):
		return "locked"
	case errors.Is(err, ErrWeakPassword), errors.Is(err, securestore.ErrPasswordRequired):
		return "invalid"
	case errors.Is(err, securestore.ErrAuthentication):
		return "auth"
	case errors.Is(err, securestore.ErrTamper):
		return "tamper"
	default:
		return "error"
	}
}

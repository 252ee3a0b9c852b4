package securestore

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"facewatch/go-backend/internal/keymanager"
)

const componentName = "securestore"

// Metrics receives store outcomes; metrics.Recorder implements it.
type Metrics interface {
	ObserveOperation(operation, result string)
	ObserveKeyDerivation(d time.Duration)
	ObserveTamper()
}

type Options struct {
	KDF     KDFParams
	Logger  *slog.Logger
	Metrics Metrics
}

// Store persists one signed, password-encrypted Document. Load may run
// concurrently with itself; Save is exclusive within the process and across
// processes sharing the data file.
type Store struct {
	keys    *keymanager.KeyPair
	path    string
	kdf     KDFParams
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	mu   sync.RWMutex
	lock *saveLock
}

// LoadOrCreateStore loads the installation key pair from keyDir (creating it on
// first run) and opens the store backed by dataFile.
func LoadOrCreateStore(keyDir, dataFile string, opts Options) (*Store, error) {
	keys, err := keymanager.LoadOrCreate(keyDir)
	if err != nil {
		return nil, err
	}
	return New(keys, dataFile, opts)
}

func New(keys *keymanager.KeyPair, dataFile string, opts Options) (*Store, error) {
	if keys == nil {
		return nil, errors.New("key pair is required")
	}
	dataFile = strings.TrimSpace(dataFile)
	if dataFile == "" {
		return nil, errors.New("data file path is required")
	}
	kdf := opts.KDF
	if kdf.Algorithm == "" {
		kdf = DefaultKDFParams()
	}
	if err := kdf.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		keys:    keys,
		path:    dataFile,
		kdf:     kdf,
		logger:  logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		lock:    newSaveLock(dataFile),
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) PublicFingerprint() string {
	return s.keys.Fingerprint()
}

func (s *Store) HashPassword(password string) string {
	return HashPassword(password)
}

func (s *Store) VerifyPassword(password, digest string) bool {
	return VerifyPassword(password, digest)
}

// Exists reports whether a document has been saved, without authenticating.
func (s *Store) Exists() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists, err := readRecordFile(s.path)
	return exists, err
}

// Save encrypts, signs and atomically replaces the backing file. On error the
// previous file is left untouched.
func (s *Store) Save(doc *Document, password string) (err error) {
	defer func() { s.observe("save", err) }()
	if password == "" {
		return ErrPasswordRequired
	}
	plaintext, err := marshalDocument(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	defer zeroBytes(plaintext)

	start := time.Now()
	record, err := sealDocument(s.kdf, s.keys.PublicKeyBytes(), password, plaintext)
	if err != nil {
		return fmt.Errorf("%w: encrypt document: %v", ErrSerialization, err)
	}
	s.observeKDF(time.Since(start))
	record.Signature = s.keys.Sign(record.signingBytes())

	raw, err := encodeRecord(record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.acquire(); err != nil {
		return err
	}
	defer s.lock.release()
	if err := writeFileAtomic(s.path, raw); err != nil {
		return fmt.Errorf("%w: write document: %w", ErrIO, err)
	}
	return nil
}

// Load verifies and decrypts the stored document. found is false, with a nil
// error, when nothing has been saved yet.
func (s *Store) Load(password string) (doc *Document, found bool, err error) {
	defer func() { s.observeLookup("load", found, err) }()

	record, found, err := s.readVerified()
	if err != nil || !found {
		return nil, found, err
	}
	if password == "" {
		return nil, true, fmt.Errorf("%w: %w", ErrAuthentication, ErrPasswordRequired)
	}

	start := time.Now()
	plaintext, err := openDocument(record, password)
	s.observeKDF(time.Since(start))
	if err != nil {
		return nil, true, ErrAuthentication
	}
	defer zeroBytes(plaintext)
	doc, err = unmarshalDocument(plaintext)
	if err != nil {
		return nil, true, ErrAuthentication
	}
	return doc, true, nil
}

// Verify runs every check Load performs before decryption, so integrity can be
// audited without the password.
func (s *Store) Verify() (found bool, err error) {
	defer func() { s.observeLookup("verify", found, err) }()
	_, found, err = s.readVerified()
	return found, err
}

func (s *Store) readVerified() (*SignedDocument, bool, error) {
	s.mu.RLock()
	raw, exists, err := readRecordFile(s.path)
	s.mu.RUnlock()
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}

	record, err := decodeRecord(raw)
	if err != nil {
		if errors.Is(err, ErrTamper) {
			s.reportTamper("record damaged")
		}
		return nil, true, err
	}
	if !s.keys.MatchesPublicKey(record.PublicKey) {
		s.reportTamper("untrusted key")
		return nil, true, fmt.Errorf("%w: untrusted key", ErrTamper)
	}
	if err := s.keys.Verify(record.signingBytes(), record.Signature); err != nil {
		s.reportTamper("integrity check failed")
		return nil, true, fmt.Errorf("%w: integrity check failed", ErrTamper)
	}
	if err := record.kdfParams().Validate(); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return record, true, nil
}

// RotatePassword re-encrypts current under newPassword after checking
// oldPassword against its stored digest. current is never modified; the
// returned document is what was persisted.
func (s *Store) RotatePassword(oldPassword, newPassword string, current *Document) (*Document, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: document is nil", ErrSerialization)
	}
	if newPassword == "" {
		return nil, ErrPasswordRequired
	}
	if !VerifyPassword(oldPassword, current.Admin.PasswordDigest) {
		s.observeResult("rotate_password", resultAuth)
		return nil, ErrAuthentication
	}
	next := current.Clone()
	next.Admin.PasswordDigest = HashPassword(newPassword)
	next.Admin.PasswordChangedAt = s.now()
	next.Admin.MustChangePassword = false
	if err := s.Save(next, newPassword); err != nil {
		return nil, err
	}
	s.logger.Info("document re-encrypted under new password",
		"component", componentName,
		"operation", "rotate_password",
	)
	return next, nil
}

func (s *Store) reportTamper(reason string) {
	if s.metrics != nil {
		s.metrics.ObserveTamper()
	}
	s.logger.Warn("document rejected",
		"component", componentName,
		"operation", "verify",
		"reason", reason,
		"fingerprint", s.keys.Fingerprint(),
	)
}

func (s *Store) observeLookup(operation string, found bool, err error) {
	if err == nil && !found {
		s.observeResult(operation, resultNotFound)
		return
	}
	s.observe(operation, err)
}

func (s *Store) observe(operation string, err error) {
	s.observeResult(operation, resultOf(err))
}

func (s *Store) observeResult(operation, result string) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, result)
	}
}

func (s *Store) observeKDF(d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveKeyDerivation(d)
	}
}

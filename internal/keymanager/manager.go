package keymanager

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"facewatch/go-backend/internal/platform/atomicfile"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	PrivateKeyFileName = "private.pem"
	PublicKeyFileName  = "public.pem"

	componentName = "keymanager"
)

var ErrKeyFormat = errors.New("key files are missing, partial or malformed")

// LoadOrCreate returns the installation key pair stored in dir, generating and
// persisting a new one only when neither key file exists.
func LoadOrCreate(dir string) (*KeyPair, error) {
	pair, _, err := loadOrCreate(dir)
	return pair, err
}

func loadOrCreate(dir string) (*KeyPair, bool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, false, fmt.Errorf("%w: key directory is required", ErrKeyFormat)
	}
	privPath := filepath.Join(dir, PrivateKeyFileName)
	pubPath := filepath.Join(dir, PublicKeyFileName)

	privExists, err := fileExists(privPath)
	if err != nil {
		return nil, false, fmt.Errorf("%w: stat %s: %v", ErrKeyFormat, PrivateKeyFileName, err)
	}
	pubExists, err := fileExists(pubPath)
	if err != nil {
		return nil, false, fmt.Errorf("%w: stat %s: %v", ErrKeyFormat, PublicKeyFileName, err)
	}

	switch {
	case privExists && pubExists:
		pair, err := load(privPath, pubPath)
		return pair, false, err
	case privExists || pubExists:
		return nil, false, fmt.Errorf(
			"%w: only one of %s and %s exists in %s; restore the missing file instead of regenerating",
			ErrKeyFormat, PrivateKeyFileName, PublicKeyFileName, dir,
		)
	}

	pair, err := create(dir, privPath, pubPath)
	if err != nil {
		return nil, false, err
	}
	return pair, true, nil
}

func load(privPath, pubPath string) (*KeyPair, error) {
	if err := checkPrivateKeyPerm(privPath); err != nil {
		return nil, err
	}
	privRaw, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyFormat, PrivateKeyFileName, err)
	}
	defer zeroBytes(privRaw)
	priv, err := parsePrivateKeyPEM(privRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyFormat, PrivateKeyFileName, err)
	}

	pubRaw, err := os.ReadFile(pubPath)
	if err != nil {
		priv.Zero()
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyFormat, PublicKeyFileName, err)
	}
	pub, err := parsePublicKeyPEM(pubRaw)
	if err != nil {
		priv.Zero()
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyFormat, PublicKeyFileName, err)
	}
	if !pub.IsEqual(priv.PubKey()) {
		priv.Zero()
		return nil, fmt.Errorf("%w: %s does not belong to %s", ErrKeyFormat, PublicKeyFileName, PrivateKeyFileName)
	}
	return newKeyPair(priv), nil
}

func create(dir, privPath, pubPath string) (*KeyPair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	privPEM, err := encodePrivateKeyPEM(priv)
	if err != nil {
		priv.Zero()
		return nil, err
	}
	defer zeroBytes(privPEM)
	pubPEM, err := encodePublicKeyPEM(priv.PubKey())
	if err != nil {
		priv.Zero()
		return nil, err
	}

	// Private first: a crash between the two renames leaves a partial state that
	// LoadOrCreate reports instead of silently replacing.
	if err := atomicfile.Write(privPath, privPEM, 0o600); err != nil {
		priv.Zero()
		return nil, err
	}
	if err := atomicfile.Write(pubPath, pubPEM, 0o644); err != nil {
		priv.Zero()
		_ = os.Remove(privPath)
		return nil, err
	}
	return newKeyPair(priv), nil
}

func checkPrivateKeyPerm(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrKeyFormat, PrivateKeyFileName, err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("%w: %s permissions %04o are too open, expected 0600", ErrKeyFormat, PrivateKeyFileName, perm)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("%s is a directory", filepath.Base(path))
		}
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Manager owns the process-wide key pair. Construct it once at startup and hand
// the same instance to every consumer.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	pair *KeyPair
}

func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{dir: dir, logger: logger}
}

// KeyPair loads or creates the pair on first use and returns the cached value
// afterwards.
func (m *Manager) KeyPair() (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair != nil {
		return m.pair, nil
	}
	pair, created, err := loadOrCreate(m.dir)
	if err != nil {
		m.logger.Error("key pair unavailable",
			"component", componentName,
			"operation", "load_or_create",
			"error", err.Error(),
		)
		return nil, err
	}
	if created {
		m.logger.Info("generated installation key pair",
			"component", componentName,
			"operation", "load_or_create",
			"curve", CurveName,
			"fingerprint", pair.Fingerprint(),
		)
	} else {
		m.logger.Debug("loaded installation key pair",
			"component", componentName,
			"operation", "load_or_create",
			"fingerprint", pair.Fingerprint(),
		)
	}
	m.pair = pair
	return pair, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

package admin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"facewatch/go-backend/internal/keymanager"
	"facewatch/go-backend/internal/securestore"
)

type DoctorCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type DoctorReport struct {
	Ready     bool          `json:"ready"`
	Tampered  bool          `json:"tampered"`
	Checks    []DoctorCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Doctor audits key file permissions and document integrity. It never needs
// the password and never modifies anything.
func (m *Manager) Doctor(keyDir string) DoctorReport {
	report := DoctorReport{
		Ready:     true,
		Checks:    make([]DoctorCheck, 0, 4),
		CheckedAt: m.now(),
	}
	appendCheck := func(name string, err error) {
		check := DoctorCheck{Name: name, Pass: err == nil}
		if err != nil {
			check.Reason = err.Error()
			report.Ready = false
		}
		report.Checks = append(report.Checks, check)
	}

	appendCheck("key_dir_private", checkNoGroupOtherAccess(keyDir))
	appendCheck("private_key_private", checkNoGroupOtherAccess(filepath.Join(keyDir, keymanager.PrivateKeyFileName)))

	found, err := m.store.Verify()
	switch {
	case err != nil:
		appendCheck("document_present", nil)
		appendCheck("document_integrity", err)
		report.Tampered = errors.Is(err, securestore.ErrTamper)
	case !found:
		appendCheck("document_present", errors.New("admin credential is not initialized"))
	default:
		appendCheck("document_present", nil)
		appendCheck("document_integrity", nil)
	}
	return report
}

func checkNoGroupOtherAccess(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("%s has mode %04o, expected no group or other access", filepath.Base(path), perm)
	}
	return nil
}

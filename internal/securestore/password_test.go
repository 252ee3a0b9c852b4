package securestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func TestHashPasswordIsDoubleSHA256(t *testing.T) {
	first := sha256.Sum256([]byte("admin123"))
	second := sha256.Sum256(first[:])
	want := hex.EncodeToString(second[:])
	if got := HashPassword("admin123"); got != want {
		t.Fatalf("unexpected digest: got %s want %s", got, want)
	}
	if HashPassword("admin123") != HashPassword("admin123") {
		t.Fatal("digest must be deterministic")
	}
}

func TestVerifyPassword(t *testing.T) {
	passwords := []string{"", "a", "correct-horse", "pässwörd", "correct-horse "}
	for _, p := range passwords {
		digest := HashPassword(p)
		if !VerifyPassword(p, digest) {
			t.Fatalf("VerifyPassword(%q) must accept its own digest", p)
		}
		for _, other := range passwords {
			if other == p {
				continue
			}
			if VerifyPassword(other, digest) {
				t.Fatalf("VerifyPassword(%q) accepted digest of %q", other, p)
			}
		}
	}
	if VerifyPassword("correct-horse", "") {
		t.Fatal("empty digest must never verify")
	}
	if VerifyPassword("correct-horse", HashPassword("correct-horse")[:10]) {
		t.Fatal("truncated digest must never verify")
	}
}

func TestCorrectHorseScenario(t *testing.T) {
	store := newTestStore(t)
	doc := &Document{SchemaVersion: DocumentSchemaVersion, Admin: AdminRecord{FaceEnrolled: false}}

	if err := store.Save(doc, "correct-horse"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, found, err := store.Load("correct-horse")
	if err != nil || !found {
		t.Fatalf("load failed: found=%v err=%v", found, err)
	}
	if got.Admin.FaceEnrolled {
		t.Fatal("expected admin not enrolled")
	}
	if _, _, err := store.Load("wrong-password"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}

	rewriteRecord(t, store.Path(), func(r *SignedDocument) { r.Ciphertext[0] ^= 0xFF })
	if _, _, err := store.Load("correct-horse"); !errors.Is(err, ErrTamper) {
		t.Fatalf("expected ErrTamper, got %v", err)
	}
}

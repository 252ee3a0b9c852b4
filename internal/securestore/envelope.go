package securestore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	recordVersion = 1
	filePrefix    = "FWVAULT1\n"
	saltSize      = 32
	publicKeySize = 33
	signingDomain = "facewatch/securestore/v1"

	KDFPBKDF2SHA256 = "pbkdf2-sha256"
	KDFArgon2id     = "argon2id"

	DefaultPBKDF2Iterations = 100_000

	defaultArgonTime    = uint32(2)
	defaultArgonMemKB   = uint32(64 * 1024)
	defaultArgonThreads = uint8(1)
)

// KDFParams selects the password-based key derivation used by Save. The
// parameters are recorded in every document so Load derives with the same ones.
type KDFParams struct {
	Algorithm  string
	Iterations uint32
	MemoryKB   uint32
	Threads    uint8
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Algorithm: KDFPBKDF2SHA256, Iterations: DefaultPBKDF2Iterations}
}

func Argon2idParams() KDFParams {
	return KDFParams{
		Algorithm:  KDFArgon2id,
		Iterations: defaultArgonTime,
		MemoryKB:   defaultArgonMemKB,
		Threads:    defaultArgonThreads,
	}
}

// Validate enforces the cost floor; anything cheaper is treated as a downgrade.
func (p KDFParams) Validate() error {
	switch p.Algorithm {
	case KDFPBKDF2SHA256:
		if p.Iterations < DefaultPBKDF2Iterations {
			return fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.Iterations, DefaultPBKDF2Iterations)
		}
		if p.MemoryKB != 0 || p.Threads != 0 {
			return fmt.Errorf("pbkdf2 does not take memory or thread parameters")
		}
	case KDFArgon2id:
		if p.Iterations < defaultArgonTime {
			return fmt.Errorf("argon2id time %d below minimum %d", p.Iterations, defaultArgonTime)
		}
		if p.MemoryKB < defaultArgonMemKB {
			return fmt.Errorf("argon2id memory %dKiB below minimum %dKiB", p.MemoryKB, defaultArgonMemKB)
		}
		if p.Threads == 0 {
			return fmt.Errorf("argon2id threads must be > 0")
		}
	default:
		return fmt.Errorf("unsupported kdf %q", p.Algorithm)
	}
	return nil
}

func (p KDFParams) deriveKey(password string, salt []byte) []byte {
	switch p.Algorithm {
	case KDFArgon2id:
		return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
	default:
		return pbkdf2.Key([]byte(password), salt, int(p.Iterations), chacha20poly1305.KeySize, sha256.New)
	}
}

// SignedDocument is the persisted record. Signature covers signingBytes, which
// bind every other field including the salt and the ciphertext.
type SignedDocument struct {
	Version       uint32 `json:"version"`
	KDF           string `json:"kdf"`
	KDFIterations uint32 `json:"kdf_iterations"`
	KDFMemoryKB   uint32 `json:"kdf_memory_kb,omitempty"`
	KDFThreads    uint8  `json:"kdf_threads,omitempty"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
	Signature     []byte `json:"signature"`
	PublicKey     []byte `json:"public_key"`
}

func (d *SignedDocument) kdfParams() KDFParams {
	return KDFParams{
		Algorithm:  d.KDF,
		Iterations: d.KDFIterations,
		MemoryKB:   d.KDFMemoryKB,
		Threads:    d.KDFThreads,
	}
}

// header is the AEAD associated data: every field except ciphertext and signature.
func (d *SignedDocument) header() []byte {
	var buf bytes.Buffer
	buf.WriteString(signingDomain)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.BigEndian, d.Version)
	writeLengthPrefixed(&buf, []byte(d.KDF))
	_ = binary.Write(&buf, binary.BigEndian, d.KDFIterations)
	_ = binary.Write(&buf, binary.BigEndian, d.KDFMemoryKB)
	buf.WriteByte(d.KDFThreads)
	writeLengthPrefixed(&buf, d.Salt)
	writeLengthPrefixed(&buf, d.Nonce)
	writeLengthPrefixed(&buf, d.PublicKey)
	return buf.Bytes()
}

func (d *SignedDocument) signingBytes() []byte {
	var buf bytes.Buffer
	buf.Write(d.header())
	writeLengthPrefixed(&buf, d.Ciphertext)
	return buf.Bytes()
}

func writeLengthPrefixed(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

// sealDocument encrypts plaintext under a key derived from password and a fresh
// salt. The caller signs the result.
func sealDocument(params KDFParams, publicKey []byte, password string, plaintext []byte) (*SignedDocument, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	doc := &SignedDocument{
		Version:       recordVersion,
		KDF:           params.Algorithm,
		KDFIterations: params.Iterations,
		KDFMemoryKB:   params.MemoryKB,
		KDFThreads:    params.Threads,
		Salt:          salt,
		Nonce:         nonce,
		PublicKey:     append([]byte(nil), publicKey...),
	}

	key := params.deriveKey(password, salt)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	doc.Ciphertext = aead.Seal(nil, nonce, plaintext, doc.header())
	return doc, nil
}

func openDocument(doc *SignedDocument, password string) ([]byte, error) {
	key := doc.kdfParams().deriveKey(password, doc.Salt)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrAuthentication
	}
	plaintext, err := aead.Open(nil, doc.Nonce, doc.Ciphertext, doc.header())
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func encodeRecord(doc *SignedDocument) ([]byte, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(filePrefix)+len(raw)+1)
	out = append(out, filePrefix...)
	out = append(out, raw...)
	return append(out, '\n'), nil
}

// recordJSON is SignedDocument as stored on disk. Byte fields stay as base64
// text until the layout is known to be ours, so damage inside a field is told
// apart from a record this version cannot read.
type recordJSON struct {
	Version       uint32 `json:"version"`
	KDF           string `json:"kdf"`
	KDFIterations uint32 `json:"kdf_iterations"`
	KDFMemoryKB   uint32 `json:"kdf_memory_kb,omitempty"`
	KDFThreads    uint8  `json:"kdf_threads,omitempty"`
	Salt          string `json:"salt"`
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
	Signature     string `json:"signature"`
	PublicKey     string `json:"public_key"`
}

// decodeRecord checks structure only; trust decisions happen in Store.Load.
//
// ErrFormat means the record is not one this version understands: no header,
// unknown fields, an unsupported version or kdf, or fields of the wrong size.
// ErrTamper means a record of our layout was damaged after it was written: the
// file stops short or a byte field no longer decodes.
func decodeRecord(data []byte) (*SignedDocument, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		if strings.HasPrefix(filePrefix, string(data)) {
			return nil, fmt.Errorf("%w: record is truncated", ErrTamper)
		}
		return nil, fmt.Errorf("%w: missing record header", ErrFormat)
	}
	dec := json.NewDecoder(bytes.NewReader(data[len(filePrefix):]))
	dec.DisallowUnknownFields()
	var wire recordJSON
	if err := dec.Decode(&wire); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: record body is damaged: %v", ErrTamper, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after record", ErrFormat)
	}
	if wire.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrFormat, wire.Version)
	}
	if wire.KDF != KDFPBKDF2SHA256 && wire.KDF != KDFArgon2id {
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrFormat, wire.KDF)
	}

	doc := SignedDocument{
		Version:       wire.Version,
		KDF:           wire.KDF,
		KDFIterations: wire.KDFIterations,
		KDFMemoryKB:   wire.KDFMemoryKB,
		KDFThreads:    wire.KDFThreads,
	}
	fields := []struct {
		name  string
		value string
		dst   *[]byte
	}{
		{"salt", wire.Salt, &doc.Salt},
		{"nonce", wire.Nonce, &doc.Nonce},
		{"ciphertext", wire.Ciphertext, &doc.Ciphertext},
		{"signature", wire.Signature, &doc.Signature},
		{"public_key", wire.PublicKey, &doc.PublicKey},
	}
	for _, f := range fields {
		b, err := base64.StdEncoding.DecodeString(f.value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s does not decode: %v", ErrTamper, f.name, err)
		}
		*f.dst = b
	}

	switch {
	case len(doc.Salt) != saltSize:
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrFormat, saltSize, len(doc.Salt))
	case len(doc.Nonce) != chacha20poly1305.NonceSizeX:
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrFormat, chacha20poly1305.NonceSizeX, len(doc.Nonce))
	case len(doc.Ciphertext) < chacha20poly1305.Overhead:
		return nil, fmt.Errorf("%w: ciphertext truncated", ErrFormat)
	case len(doc.PublicKey) != publicKeySize:
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrFormat, publicKeySize, len(doc.PublicKey))
	case len(doc.Signature) == 0:
		return nil, fmt.Errorf("%w: signature is missing", ErrFormat)
	}
	return &doc, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

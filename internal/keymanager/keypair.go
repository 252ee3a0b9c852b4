package keymanager

import (
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/ripemd160"
)

// CurveName is the fixed named curve of every installation key pair.
const CurveName = "secp256k1"

const (
	addressVersion     = 0x00
	addressChecksumLen = 4
	maxDERSignatureLen = 72
)

var ErrInvalidSignature = errors.New("signature is invalid")

// KeyPair is the installation signing key. The private scalar never leaves the
// process except through the private key file.
type KeyPair struct {
	private *secp256k1.PrivateKey
	public  *secp256k1.PublicKey
}

func newKeyPair(priv *secp256k1.PrivateKey) *KeyPair {
	return &KeyPair{private: priv, public: priv.PubKey()}
}

// PublicKeyBytes returns the 33-byte compressed public point.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.public.SerializeCompressed()
}

// MatchesPublicKey reports whether raw is this pair's compressed public key.
func (k *KeyPair) MatchesPublicKey(raw []byte) bool {
	return bytes.Equal(raw, k.PublicKeyBytes())
}

// Sign returns a DER-encoded ECDSA signature over SHA-256(msg).
func (k *KeyPair) Sign(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	return ecdsa.Sign(k.private, digest[:]).Serialize()
}

// Verify checks a DER-encoded signature produced by Sign. Undecodable
// signatures are reported the same way as mismatching ones.
func (k *KeyPair) Verify(msg, signature []byte) error {
	if len(signature) == 0 || len(signature) > maxDERSignatureLen {
		return ErrInvalidSignature
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	digest := sha256.Sum256(msg)
	if !sig.Verify(digest[:], k.public) {
		return ErrInvalidSignature
	}
	return nil
}

// Fingerprint returns a Bitcoin-style address derived from the public key:
// Base58Check(0x00 || RIPEMD160(SHA256(compressed pubkey))). Display only.
func (k *KeyPair) Fingerprint() string {
	return Fingerprint(k.PublicKeyBytes())
}

func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	h := ripemd160.New()
	_, _ = h.Write(sum[:])
	payload := make([]byte, 0, 1+ripemd160.Size+addressChecksumLen)
	payload = append(payload, addressVersion)
	payload = h.Sum(payload)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	payload = append(payload, second[:addressChecksumLen]...)
	return base58.Encode(payload)
}

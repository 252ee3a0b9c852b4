package keymanager

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	privateKeyPEMType = "EC PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
	ecParamsPEMType   = "EC PARAMETERS"
	ecPrivKeyVersion  = 1
	privateScalarSize = 32
)

var (
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidCurveSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

// ecPrivateKey is the RFC 5915 / SEC1 ECPrivateKey structure.
type ecPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

func encodePrivateKeyPEM(key *secp256k1.PrivateKey) ([]byte, error) {
	scalar := key.Serialize()
	defer zeroBytes(scalar)
	pub := key.PubKey().SerializeUncompressed()
	der, err := asn1.Marshal(ecPrivateKey{
		Version:       ecPrivKeyVersion,
		PrivateKey:    scalar,
		NamedCurveOID: oidCurveSecp256k1,
		PublicKey:     asn1.BitString{Bytes: pub, BitLength: 8 * len(pub)},
	})
	if err != nil {
		return nil, err
	}
	defer zeroBytes(der)
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der}), nil
}

func encodePublicKeyPEM(key *secp256k1.PublicKey) ([]byte, error) {
	params, err := asn1.Marshal(oidCurveSecp256k1)
	if err != nil {
		return nil, err
	}
	pub := key.SerializeUncompressed()
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidPublicKeyECDSA,
			Parameters: asn1.RawValue{FullBytes: params},
		},
		PublicKey: asn1.BitString{Bytes: pub, BitLength: 8 * len(pub)},
	})
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

// parsePrivateKeyPEM accepts the SEC1 layout written by this package and by
// python-ecdsa / OpenSSL, optionally preceded by an "EC PARAMETERS" block.
func parsePrivateKeyPEM(data []byte) (*secp256k1.PrivateKey, error) {
	block, err := findPEMBlock(data, privateKeyPEMType)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(block.Bytes)

	var raw ecPrivateKey
	rest, err := asn1.Unmarshal(block.Bytes, &raw)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %v", err)
	}
	defer zeroBytes(raw.PrivateKey)
	if len(rest) != 0 {
		return nil, errors.New("trailing data after private key")
	}
	if raw.Version != ecPrivKeyVersion {
		return nil, fmt.Errorf("unsupported private key version %d", raw.Version)
	}
	if len(raw.NamedCurveOID) != 0 && !raw.NamedCurveOID.Equal(oidCurveSecp256k1) {
		return nil, fmt.Errorf("unsupported curve %s", raw.NamedCurveOID)
	}
	if len(raw.PrivateKey) == 0 || len(raw.PrivateKey) > privateScalarSize {
		return nil, fmt.Errorf("invalid private scalar length %d", len(raw.PrivateKey))
	}

	// Some encoders strip leading zero bytes from the scalar.
	scalar := make([]byte, privateScalarSize)
	defer zeroBytes(scalar)
	copy(scalar[privateScalarSize-len(raw.PrivateKey):], raw.PrivateKey)

	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(scalar); overflow || s.IsZero() {
		return nil, errors.New("private scalar out of range")
	}
	key := secp256k1.NewPrivateKey(&s)
	s.Zero()

	if raw.PublicKey.BitLength > 0 {
		embedded, err := secp256k1.ParsePubKey(raw.PublicKey.RightAlign())
		if err != nil {
			key.Zero()
			return nil, fmt.Errorf("decode embedded public key: %v", err)
		}
		if !embedded.IsEqual(key.PubKey()) {
			key.Zero()
			return nil, errors.New("embedded public key does not match private scalar")
		}
	}
	return key, nil
}

func parsePublicKeyPEM(data []byte) (*secp256k1.PublicKey, error) {
	block, err := findPEMBlock(data, publicKeyPEMType)
	if err != nil {
		return nil, err
	}
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(block.Bytes, &spki)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %v", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after public key")
	}
	if !spki.Algorithm.Algorithm.Equal(oidPublicKeyECDSA) {
		return nil, fmt.Errorf("unsupported public key algorithm %s", spki.Algorithm.Algorithm)
	}
	var curve asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &curve); err != nil {
		return nil, fmt.Errorf("decode curve parameters: %v", err)
	}
	if !curve.Equal(oidCurveSecp256k1) {
		return nil, fmt.Errorf("unsupported curve %s", curve)
	}
	return secp256k1.ParsePubKey(spki.PublicKey.RightAlign())
}

func findPEMBlock(data []byte, want string) (*pem.Block, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no %q PEM block found", want)
		}
		switch block.Type {
		case want:
			return block, nil
		case ecParamsPEMType:
			continue
		default:
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

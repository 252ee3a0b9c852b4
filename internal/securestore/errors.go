package securestore

import "errors"

// Error taxonomy of the store. Detail is attached with fmt.Errorf("%w: ...")
// and never carries key material, salts, plaintext or passwords.
var (
	ErrFormat           = errors.New("securestore document is malformed")
	ErrTamper           = errors.New("securestore document failed integrity verification")
	ErrAuthentication   = errors.New("securestore authentication failed")
	ErrSerialization    = errors.New("securestore document serialization failed")
	ErrIO               = errors.New("securestore io failed")
	ErrBusy             = errors.New("securestore is busy")
	ErrPasswordRequired = errors.New("password is required")
)

const (
	resultOK            = "ok"
	resultNotFound      = "not_found"
	resultFormat        = "format"
	resultTamper        = "tamper"
	resultAuth          = "auth"
	resultSerialization = "serialization"
	resultIO            = "io"
	resultBusy          = "busy"
	resultInvalid       = "invalid"
)

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrFormat):
		return resultFormat
	case errors.Is(err, ErrTamper):
		return resultTamper
	case errors.Is(err, ErrAuthentication):
		return resultAuth
	case errors.Is(err, ErrSerialization):
		return resultSerialization
	case errors.Is(err, ErrBusy):
		return resultBusy
	case errors.Is(err, ErrIO):
		return resultIO
	default:
		return resultInvalid
	}
}

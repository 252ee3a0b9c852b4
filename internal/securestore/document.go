package securestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

const DocumentSchemaVersion = 1

// Document is the credential payload. The store only serializes it, except for
// RotatePassword which replaces Admin.PasswordDigest.
type Document struct {
	SchemaVersion int               `json:"schema_version"`
	Admin         AdminRecord       `json:"admin"`
	Metadata      map[string]string `json:"metadata"`
}

type AdminRecord struct {
	PasswordDigest     string    `json:"password_digest"`
	FaceEnrolled       bool      `json:"face_enrolled"`
	VoiceEnrolled      bool      `json:"voice_enrolled"`
	PublicKeyAddress   string    `json:"public_key_address,omitempty"`
	MustChangePassword bool      `json:"must_change_password"`
	CreatedAt          time.Time `json:"created_at"`
	PasswordChangedAt  time.Time `json:"password_changed_at"`
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Metadata = maps.Clone(d.Metadata)
	return &out
}

// marshalDocument yields canonical bytes: struct fields in declaration order,
// map keys sorted by encoding/json.
func marshalDocument(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, errors.New("document is nil")
	}
	return json.Marshal(doc)
}

func unmarshalDocument(raw []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after document")
	}
	return &doc, nil
}

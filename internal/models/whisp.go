package models

import (
	"encoding/json"
	"time"
)

// Whisp is one ephemeral secret. For text whisps the payload holds the
// client-encrypted message verbatim; for file whisps it holds a FileMeta
// record and the encrypted content lives in the blob store under FileRef.
type Whisp struct {
	ID           string    `db:"id" json:"id"`
	Payload      string    `db:"payload" json:"payload,omitempty"`
	IsFile       bool      `db:"is_file" json:"is_file"`
	FileRef      string    `db:"file_ref" json:"-"`
	PasswordHash string    `db:"password_hash" json:"-"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// FileMeta is the payload of a file whisp: the original filename plus the
// base64-encoded per-file key. The key only exists inside the metadata row,
// so deleting the row destroys the ability to decrypt the blob.
type FileMeta struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
}

func (w *Whisp) Expired(now time.Time) bool {
	return w.ExpiresAt.Before(now)
}

// Protected reports whether redemption requires a passphrase.
func (w *Whisp) Protected() bool {
	return w.PasswordHash != ""
}

// FileMeta decodes the payload of a file whisp.
func (w *Whisp) FileMeta() (*FileMeta, error) {
	var meta FileMeta
	if err := json.Unmarshal([]byte(w.Payload), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SetFileMeta encodes meta into the payload field.
func (w *Whisp) SetFileMeta(meta *FileMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	w.Payload = string(data)
	return nil
}

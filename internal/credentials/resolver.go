// Package credentials resolves and decrypts channel credentials (email relay
// auth, SMS gateway keys) by logical name. Secrets are stored AES-256-GCM
// encrypted; rows are versioned so environments can rotate secrets without a
// worker restart — the resolver always reads the highest version.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"database/sql"
	"fmt"
)

// Credentials is a decrypted secret bundle for one channel provider.
// Callers hold it only for the lifetime of one send session and discard it
// at teardown.
type Credentials struct {
	Name               string
	Version            int
	AccountID          string
	APIKey             string
	APISecret          string
	SenderID           string
	MessagingServiceID string
}

// Discard zeroes the secret material. The struct must not be used afterwards.
func (c *Credentials) Discard() {
	c.APIKey = ""
	c.APISecret = ""
}

// Resolver reads credential rows and decrypts their secrets. It performs no
// writes and is safe to call repeatedly and concurrently.
type Resolver struct {
	db  *sql.DB
	gcm cipher.AEAD
}

// NewResolver creates a resolver using the given 32-byte master key.
func NewResolver(db *sql.DB, masterKey []byte) (*Resolver, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Resolver{db: db, gcm: gcm}, nil
}

// Resolve fetches and decrypts the newest version of the named credential.
// Returns ErrNotFound if no row exists and *DecryptionError if the stored
// secret cannot be opened.
func (r *Resolver) Resolve(ctx context.Context, name string) (*Credentials, error) {
	var (
		c            Credentials
		keyEnc       []byte
		secretEnc    []byte
		senderID     sql.NullString
		messagingSvc sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, version, account_id, api_key_enc, api_secret_enc,
		       sender_id, messaging_service_id
		FROM channel_credentials
		WHERE name = $1
		ORDER BY version DESC
		LIMIT 1
	`, name).Scan(&c.Name, &c.Version, &c.AccountID, &keyEnc, &secretEnc, &senderID, &messagingSvc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential %q: %w", name, err)
	}

	if c.APIKey, err = r.open(keyEnc); err != nil {
		return nil, &DecryptionError{Name: name, Err: err}
	}
	if len(secretEnc) > 0 {
		if c.APISecret, err = r.open(secretEnc); err != nil {
			return nil, &DecryptionError{Name: name, Err: err}
		}
	}
	c.SenderID = senderID.String
	c.MessagingServiceID = messagingSvc.String
	return &c, nil
}

// open decrypts a nonce-prefixed AES-GCM ciphertext.
func (r *Resolver) open(enc []byte) (string, error) {
	ns := r.gcm.NonceSize()
	if len(enc) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce (%d bytes)", len(enc))
	}
	plain, err := r.gcm.Open(nil, enc[:ns], enc[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Seal encrypts a plaintext secret with a fresh nonce. Used by provisioning
// tooling and tests; the dispatch path itself only ever decrypts.
func (r *Resolver) Seal(plain string, nonce []byte) ([]byte, error) {
	if len(nonce) != r.gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", r.gcm.NonceSize())
	}
	return append(append([]byte{}, nonce...), r.gcm.Seal(nil, nonce, []byte(plain), nil)...), nil
}

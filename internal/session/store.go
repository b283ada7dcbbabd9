// Package session persists per-account authentication state (device
// fingerprint + auth blob) through a BlobStore.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/accfleet/fleetd/internal/model"
	"github.com/accfleet/fleetd/internal/storage"
)

// KeySize is the secretbox key length for at-rest encryption.
const KeySize = 32

// Store saves and restores session blobs. Save is only called after a
// verified-successful authentication; Load treats a missing or unreadable
// blob as absence so the caller falls through to a fresh login.
type Store struct {
	blobs storage.BlobStore
	// key, when set, seals session blobs at rest. Session blobs carry
	// live authentication material, so operators running on shared
	// storage are expected to set one.
	key *[KeySize]byte
}

// NewStore creates a session store. key may be nil to store blobs in plain
// JSON.
func NewStore(blobs storage.BlobStore, key []byte) (*Store, error) {
	s := &Store{blobs: blobs}
	if len(key) > 0 {
		if len(key) != KeySize {
			return nil, fmt.Errorf("session: key must be %d bytes, got %d", KeySize, len(key))
		}
		s.key = new([KeySize]byte)
		copy(s.key[:], key)
	}
	return s, nil
}

func blobKey(accountID string) string {
	return accountID + "/session.json"
}

func deviceKey(accountID string) string {
	return accountID + "/device.json"
}

// Load returns the stored session for an account, or nil when none exists.
// A blob that fails to parse or decrypt is treated identically to absence,
// never surfaced as an error: the next login starts clean.
func (s *Store) Load(ctx context.Context, accountID string) (*model.StoredSession, error) {
	data, err := s.blobs.Read(ctx, blobKey(accountID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", accountID, err)
	}

	if s.key != nil {
		data, err = s.open(data)
		if err != nil {
			log.Printf("WARN: session %s failed to decrypt, treating as absent", accountID)
			return nil, nil
		}
	}

	var sess model.StoredSession
	if err := json.Unmarshal(data, &sess); err != nil {
		log.Printf("WARN: session %s corrupt, treating as absent: %v", accountID, err)
		return nil, nil
	}
	if sess.AccountID == "" {
		sess.AccountID = accountID
	}
	return &sess, nil
}

// Save persists a session. The underlying BlobStore write is atomic, so a
// concurrent Load sees either the previous session or this one.
func (s *Store) Save(ctx context.Context, accountID string, sess *model.StoredSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", accountID, err)
	}
	if s.key != nil {
		data = s.seal(data)
	}
	if err := s.blobs.Write(ctx, blobKey(accountID), data); err != nil {
		return fmt.Errorf("write session %s: %w", accountID, err)
	}
	return nil
}

// Invalidate removes the stored session so the next attempt performs a
// clean login. The device fingerprint is kept: the remote service must
// keep seeing the same device identity across re-logins. Idempotent.
func (s *Store) Invalidate(ctx context.Context, accountID string) error {
	if err := s.blobs.Delete(ctx, blobKey(accountID)); err != nil {
		return fmt.Errorf("delete session %s: %w", accountID, err)
	}
	return nil
}

// LoadDevice returns the stored device fingerprint for an account, or nil
// when none has been generated yet. Corruption is treated as absence.
func (s *Store) LoadDevice(ctx context.Context, accountID string) (json.RawMessage, error) {
	data, err := s.blobs.Read(ctx, deviceKey(accountID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read device %s: %w", accountID, err)
	}
	if !json.Valid(data) {
		log.Printf("WARN: device settings %s corrupt, treating as absent", accountID)
		return nil, nil
	}
	return data, nil
}

// SaveDevice persists the device fingerprint. Written once per account and
// left untouched by Invalidate.
func (s *Store) SaveDevice(ctx context.Context, accountID string, settings json.RawMessage) error {
	if err := s.blobs.Write(ctx, deviceKey(accountID), settings); err != nil {
		return fmt.Errorf("write device %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) seal(plaintext []byte) []byte {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		// crypto/rand failure is unrecoverable.
		panic(fmt.Sprintf("session: read nonce: %v", err))
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, s.key)
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("sealed blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, s.key)
	if !ok {
		return nil, errors.New("secretbox open failed")
	}
	return plaintext, nil
}

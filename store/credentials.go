package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"faceswap_access/models"
)

// Fixed keys in local device storage.
const (
	AccessTokenKey     = "fg_access_token"
	AccessTokenTimeKey = "fg_access_token_acquired_at"
	UserInfoKey        = "fg_user_info"
	DeviceIDKey        = "fg_device_id"
)

// CredentialStore persists the bearer credential
type CredentialStore struct {
	kv KV
}

// NewCredentialStore creates a CredentialStore backed by kv
func NewCredentialStore(kv KV) *CredentialStore {
	return &CredentialStore{kv: kv}
}

// Get returns the held credential, or nil when none is held.
// Any returned error is a *StorageError.
func (cs *CredentialStore) Get(ctx context.Context) (*models.Credential, error) {
	value, ok, err := cs.kv.Get(ctx, AccessTokenKey)
	if err != nil {
		return nil, asStorageError("get", AccessTokenKey, err)
	}
	if !ok || value == "" {
		return nil, nil
	}

	cred := &models.Credential{Value: value}

	// Acquisition time is advisory; a missing or garbled entry leaves it zero.
	if raw, ok, err := cs.kv.Get(ctx, AccessTokenTimeKey); err == nil && ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			cred.AcquiredAt = ts
		}
	}

	return cred, nil
}

// Set stores cred, overwriting any prior credential
func (cs *CredentialStore) Set(ctx context.Context, cred models.Credential) error {
	if err := cs.kv.Set(ctx, AccessTokenKey, cred.Value); err != nil {
		return asStorageError("set", AccessTokenKey, err)
	}

	acquired := cred.AcquiredAt
	if acquired.IsZero() {
		acquired = time.Now()
	}
	if err := cs.kv.Set(ctx, AccessTokenTimeKey, acquired.UTC().Format(time.RFC3339Nano)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to store credential acquisition time")
	}

	zerolog.Ctx(ctx).Debug().
		Int("token_length", len(cred.Value)).
		Msg("Credential stored")

	return nil
}

// Clear invalidates the held credential
func (cs *CredentialStore) Clear(ctx context.Context) error {
	if err := cs.kv.Delete(ctx, AccessTokenKey); err != nil {
		return asStorageError("delete", AccessTokenKey, err)
	}
	_ = cs.kv.Delete(ctx, AccessTokenTimeKey)

	zerolog.Ctx(ctx).Debug().Msg("Credential cleared")
	return nil
}

// ProfileStore persists the JSON user profile blob
type ProfileStore struct {
	kv KV
}

// NewProfileStore creates a ProfileStore backed by kv
func NewProfileStore(kv KV) *ProfileStore {
	return &ProfileStore{kv: kv}
}

// Get returns the cached profile; absent or corrupt entries yield nil
func (ps *ProfileStore) Get(ctx context.Context) (models.UserProfile, error) {
	raw, ok, err := ps.kv.Get(ctx, UserInfoKey)
	if err != nil {
		return nil, asStorageError("get", UserInfoKey, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var profile models.UserProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Msg("Discarding unreadable user profile")
		return nil, nil
	}
	return profile, nil
}

// Set stores profile as JSON
func (ps *ProfileStore) Set(ctx context.Context, profile models.UserProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	if err := ps.kv.Set(ctx, UserInfoKey, string(data)); err != nil {
		return asStorageError("set", UserInfoKey, err)
	}
	return nil
}

// Clear removes the cached profile
func (ps *ProfileStore) Clear(ctx context.Context) error {
	if err := ps.kv.Delete(ctx, UserInfoKey); err != nil {
		return asStorageError("delete", UserInfoKey, err)
	}
	return nil
}

// Session groups the two persisted session entries
type Session struct {
	Credentials *CredentialStore
	Profiles    *ProfileStore
}

// NewSession creates a Session over kv
func NewSession(kv KV) *Session {
	return &Session{
		Credentials: NewCredentialStore(kv),
		Profiles:    NewProfileStore(kv),
	}
}

// Logout removes both the credential and the cached profile
func (s *Session) Logout(ctx context.Context) error {
	return errors.Join(s.Credentials.Clear(ctx), s.Profiles.Clear(ctx))
}

// DeviceID returns the persisted device id, generating and saving one on first use.
// A storage failure yields a fresh id that is not persisted.
func DeviceID(ctx context.Context, kv KV) string {
	if id, ok, err := kv.Get(ctx, DeviceIDKey); err == nil && ok && id != "" {
		return id
	}

	id := uuid.New().String()
	if err := kv.Set(ctx, DeviceIDKey, id); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Msg("Failed to persist device id")
	}
	return id
}

func asStorageError(op, key string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

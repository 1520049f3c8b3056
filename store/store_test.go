package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"faceswap_access/models"
)

// brokenKV fails every operation, standing in for unavailable device storage.
type brokenKV struct{}

func (brokenKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk unavailable")
}
func (brokenKV) Set(context.Context, string, string) error { return errors.New("disk unavailable") }
func (brokenKV) Delete(context.Context, string) error      { return errors.New("disk unavailable") }

func TestCredentialStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	cs := NewCredentialStore(NewMemoryKV())

	cred, err := cs.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, cred)

	acquired := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, cs.Set(ctx, models.Credential{Value: "tok-1", AcquiredAt: acquired}))

	cred, err = cs.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", cred.Value)
	require.True(t, acquired.Equal(cred.AcquiredAt))

	require.NoError(t, cs.Set(ctx, models.Credential{Value: "tok-2"}))
	cred, err = cs.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-2", cred.Value)

	require.NoError(t, cs.Clear(ctx))
	cred, err = cs.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, cred)
}

func TestCredentialStoreWrapsStorageFailures(t *testing.T) {
	cs := NewCredentialStore(brokenKV{})

	cred, err := cs.Get(context.Background())
	require.Nil(t, cred)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "get", se.Op)
	require.Equal(t, AccessTokenKey, se.Key)

	require.ErrorAs(t, cs.Set(context.Background(), models.Credential{Value: "x"}), &se)
}

func TestProfileStoreIgnoresCorruptBlob(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	ps := NewProfileStore(kv)

	require.NoError(t, kv.Set(ctx, UserInfoKey, "{not json"))
	profile, err := ps.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, profile)

	require.NoError(t, ps.Set(ctx, models.UserProfile{"id": "u1", "coins": float64(3)}))
	profile, err = ps.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", profile["id"])
}

func TestSessionLogoutClearsBothEntries(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	session := NewSession(kv)

	require.NoError(t, session.Credentials.Set(ctx, models.Credential{Value: "tok"}))
	require.NoError(t, session.Profiles.Set(ctx, models.UserProfile{"id": "u1"}))
	require.NoError(t, kv.Set(ctx, DeviceIDKey, "device"))

	require.NoError(t, session.Logout(ctx))

	_, ok, _ := kv.Get(ctx, AccessTokenKey)
	require.False(t, ok)
	_, ok, _ = kv.Get(ctx, UserInfoKey)
	require.False(t, ok)
	_, ok, _ = kv.Get(ctx, DeviceIDKey)
	require.True(t, ok, "device id survives logout")
}

func TestDeviceIDIsStable(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	first := DeviceID(ctx, kv)
	require.NotEmpty(t, first)
	require.Equal(t, first, DeviceID(ctx, kv))

	require.NotEmpty(t, DeviceID(ctx, brokenKV{}))
}

func TestSQLiteKVPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	kv, err := OpenSQLiteKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "a", "1"))
	require.NoError(t, kv.Set(ctx, "a", "2"))
	require.NoError(t, kv.Set(ctx, "b", "3"))
	require.NoError(t, kv.Delete(ctx, "b"))
	require.NoError(t, kv.Delete(ctx, "missing"))
	require.NoError(t, kv.Close())

	kv, err = OpenSQLiteKV(path)
	require.NoError(t, err)
	defer kv.Close()

	value, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", value)

	_, ok, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVersionedCache(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cache := NewVersionedCache(kv, CategoryCacheKey, 1, time.Hour)
	cache.now = func() time.Time { return now }

	var got []string
	require.False(t, cache.Read(ctx, &got))

	cache.Write(ctx, []string{"portrait", "festival"})
	require.True(t, cache.Read(ctx, &got))
	require.Equal(t, []string{"portrait", "festival"}, got)

	now = now.Add(2 * time.Hour)
	require.False(t, cache.Read(ctx, &got), "expired entry")

	now = now.Add(-2 * time.Hour)
	bumped := NewVersionedCache(kv, CategoryCacheKey, 2, time.Hour)
	bumped.now = cache.now
	require.False(t, bumped.Read(ctx, &got), "foreign version")

	require.NoError(t, kv.Set(ctx, CategoryCacheKey, `{"version":1,"payload":["x"]}`))
	require.False(t, cache.Read(ctx, &got), "missing ts")
}

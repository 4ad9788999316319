package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	fb, err := NewFileBackend(path)
	require.NoError(t, err)

	_, err = fb.Get(ctx, KeyAccessToken)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fb.Set(ctx, KeyAccessToken, "A1"))
	require.NoError(t, fb.Set(ctx, KeyRefreshToken, "R1"))

	got, err := fb.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	require.Equal(t, "A1", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, fb.Delete(ctx, KeyAccessToken))
	require.NoError(t, fb.Delete(ctx, "never-set"))
	_, err = fb.Get(ctx, KeyAccessToken)
	require.ErrorIs(t, err, ErrNotFound)

	got, err = fb.Get(ctx, KeyRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "R1", got)
}

func TestFileBackendRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth_token":"A1"}`), 0644))

	fb, err := NewFileBackend(path)
	require.NoError(t, err)

	_, err = fb.Get(context.Background(), KeyAccessToken)
	require.ErrorContains(t, err, "insecure permissions")
}

func TestFileBackendHonoursContext(t *testing.T) {
	fb, err := NewFileBackend(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, fb.Set(ctx, KeyAccessToken, "A1"), context.Canceled)
	_, err = fb.Get(ctx, KeyAccessToken)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewFileBackendRequiresPath(t *testing.T) {
	_, err := NewFileBackend("")
	require.Error(t, err)
}

func TestEnvBackend(t *testing.T) {
	ctx := context.Background()
	eb, err := NewEnvBackend("JIGTRACK_TEST_")
	require.NoError(t, err)
	eb.lookup = func(name string) (string, bool) {
		if name == "JIGTRACK_TEST_AUTH_TOKEN" {
			return "env-token", true
		}
		return "", false
	}

	got, err := eb.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	require.Equal(t, "env-token", got)

	_, err = eb.Get(ctx, KeyRefreshToken)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, eb.Set(ctx, KeyAccessToken, "x"), ErrReadOnly)
	require.ErrorIs(t, eb.Delete(ctx, KeyAccessToken), ErrReadOnly)

	_, err = NewEnvBackend("")
	require.Error(t, err)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)

	rb, err := NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "jigtrack:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rb.Close() })
	require.NoError(t, rb.Ping(ctx))

	_, err = rb.Get(ctx, KeyUserData)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rb.Set(ctx, KeyUserData, `{"id":7}`))
	raw, err := mr.Get("jigtrack:user_data")
	require.NoError(t, err)
	require.Equal(t, `{"id":7}`, raw)

	got, err := rb.Get(ctx, KeyUserData)
	require.NoError(t, err)
	require.Equal(t, `{"id":7}`, got)

	require.NoError(t, rb.Delete(ctx, KeyUserData))
	require.False(t, mr.Exists("jigtrack:user_data"))

	_, err = NewRedisBackend(nil, "")
	require.Error(t, err)
}

func TestKeyringBackendRoundTrip(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	require.NoError(t, KeyringAvailable("jigtrack-test"))

	kb, err := NewKeyringBackend("jigtrack-test")
	require.NoError(t, err)

	_, err = kb.Get(ctx, KeyAccessToken)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kb.Set(ctx, KeyAccessToken, "secure-A1"))
	got, err := kb.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	require.Equal(t, "secure-A1", got)

	require.NoError(t, kb.Delete(ctx, KeyAccessToken))
	require.NoError(t, kb.Delete(ctx, KeyAccessToken))
	_, err = kb.Get(ctx, KeyAccessToken)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = NewKeyringBackend("")
	require.Error(t, err)
}

func TestKeyringAvailableReportsProviderErrors(t *testing.T) {
	keyring.MockInitWithError(keyring.ErrUnsupportedPlatform)
	t.Cleanup(keyring.MockInit)

	require.ErrorIs(t, KeyringAvailable("jigtrack-test"), keyring.ErrUnsupportedPlatform)
}

package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/jigtrack/internal/app"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jigtrack.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", nil, environ())
	require.NoError(t, err)

	require.Equal(t, app.DefaultConfigAPIBaseURL, cfg.API.BaseURL)
	require.Equal(t, app.SecureStorageAuto, cfg.Storage.Secure)
	require.True(t, *cfg.Storage.LegacyMirror)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfigFile(t, `
log_level = "debug"

[api]
base_url = "https://file.example.com"
timeout = "10s"

[storage]
secure = "none"
file = "/tmp/jigtrack-test/credentials.json"
legacy_mirror = false

[auth]
refresh_timeout = "20s"
`)

	cfg, err := loadConfig(path, nil, environ(
		"JIGTRACK_API__BASE_URL=https://env.example.com",
		"JIGTRACK_AUTH__PURGE_ON_TRANSPORT_FAILURE=false",
		"UNRELATED=1",
	))
	require.NoError(t, err)

	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, "https://env.example.com", cfg.API.BaseURL, "env overrides file")
	require.Equal(t, 10*time.Second, cfg.API.Timeout)
	require.Equal(t, app.SecureStorageNone, cfg.Storage.Secure)
	require.False(t, *cfg.Storage.LegacyMirror)
	require.False(t, *cfg.Auth.PurgeOnTransportFailure)
	require.Equal(t, 20*time.Second, cfg.Auth.RefreshTimeout)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := loadConfig("", nil, environ("JIGTRACK_STORAGE__SECURE=tpm"))
	require.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.toml"), nil, environ())
	require.Error(t, err)
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	var cfg *app.Config
	cmd := &cli.Command{
		Name: "jigtrack",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.StringFlag{Name: "api--base-url"},
			&cli.IntFlag{Name: "server--port", Value: 9999},
			&cli.StringFlag{Name: "data"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var err error
			cfg, err = loadConfig(cmd.String("config"), cmd, environ(
				"JIGTRACK_API__BASE_URL=https://env.example.com",
				"JIGTRACK_SERVER__PORT=5000",
			))
			return err
		},
	}

	err := cmd.Run(context.Background(), []string{"jigtrack", "--api--base-url", "https://flag.example.com", "--data", `{"a":1}`})
	require.NoError(t, err)

	require.Equal(t, "https://flag.example.com", cfg.API.BaseURL)
	require.Equal(t, uint16(5000), cfg.Server.Port, "unset flag keeps env value")
}

func TestExtractAndTransformFlags(t *testing.T) {
	var values map[string]any
	cmd := &cli.Command{
		Name: "jigtrack",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level"},
			&cli.StringFlag{Name: "server--host"},
			&cli.StringFlag{Name: "usuario", Aliases: []string{"u"}},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			values = extractAndTransformFlags(cmd)
			return nil
		},
	}

	require.NoError(t, cmd.Run(context.Background(), []string{"jigtrack", "--log-level", "warn", "--server--host", "0.0.0.0", "-u", "ana"}))
	require.Equal(t, map[string]any{
		"log_level":   "warn",
		"server.host": "0.0.0.0",
	}, values)
}

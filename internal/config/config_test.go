package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMustLoadByPath(t *testing.T) {
	path := writeConfig(t, `
env: "prod"
http_server:
  address: "0.0.0.0:9090"
storage:
  database_url: "postgres://u:p@db:5432/talqui"
neural:
  url: "ws://neural:9000/ws"
  timeout: 30s
`)

	cfg := MustLoadByPath(path)

	require.Equal(t, "prod", cfg.ENV)
	require.Equal(t, "0.0.0.0:9090", cfg.HTTPServer.Address)
	require.Equal(t, 10*time.Second, cfg.HTTPServer.ReadTimeout)
	require.Zero(t, cfg.HTTPServer.WriteTimeout)
	require.Equal(t, 10*time.Second, cfg.HTTPServer.ShutdownTimeout)
	require.Equal(t, "postgres://u:p@db:5432/talqui", cfg.Storage.DatabaseURL)
	require.Equal(t, 10, cfg.Storage.MaxOpenConns)
	require.Equal(t, 30*time.Second, cfg.Neural.Timeout)
	require.Equal(t, 16, cfg.Neural.StreamBuffer)
	require.Equal(t, 10, cfg.Completion.MaxHistory)
}

func TestMustLoadByPath_EnvOverrides(t *testing.T) {
	t.Setenv("NEURAL_URL", "ws://override:9000/ws")

	cfg := MustLoadByPath(writeConfig(t, `
storage:
  database_url: "postgres://u:p@db:5432/talqui"
neural:
  url: "ws://neural:9000/ws"
`))
	require.Equal(t, "ws://override:9000/ws", cfg.Neural.URL)
}

func TestMustLoadByPath_Panics(t *testing.T) {
	require.PanicsWithValue(t, "config file does not exist: /nope/config.yaml", func() {
		MustLoadByPath("/nope/config.yaml")
	})

	// обязательный database_url
	path := writeConfig(t, `
neural:
  url: "ws://neural:9000/ws"
`)
	t.Setenv("DATABASE_URL", "")
	require.NoError(t, os.Unsetenv("DATABASE_URL"))
	require.Panics(t, func() { MustLoadByPath(path) })
}

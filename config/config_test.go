package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Source{SecretsDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.Name)
	assert.Equal(t, "postgres", cfg.Database.Username)
	assert.Equal(t, 60*time.Second, cfg.Database.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Database.Wait)
	assert.Equal(t, int32(2), cfg.Database.Pool.MinSize)
	assert.Equal(t, int32(10), cfg.Database.Pool.MaxSize)
	assert.Equal(t, -time.Second, cfg.Database.Pool.Recycle)

	assert.Equal(t, "certs/ca.crt", cfg.PKI.CA)
	assert.Equal(t, "certs/root.crt", cfg.PKI.Cert)
	assert.Equal(t, "certs/root.key", cfg.PKI.PKey)
	assert.Equal(t, "certs/ta.key", cfg.PKI.TLSAuth)
	assert.Equal(t, 24*time.Hour, cfg.PKI.CRLValidity)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 1443, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Default.MaxDevices)
	assert.Equal(t, "info", cfg.Logs.Level)
	assert.Equal(t, "text", cfg.Logs.Format)
}

func TestLoad_Precedence(t *testing.T) {
	secrets := t.TempDir()
	writeFile(t, secrets, "server.host", "secret.example.com\n")
	writeFile(t, secrets, "server.port", "2000")
	writeFile(t, secrets, "database.name", "from-secrets")
	writeFile(t, secrets, "database.password", "s3cr3t\n")

	file := writeFile(t, t.TempDir(), "ovpnkeeper.yaml", `
server:
  host: file.example.com
  port: 3000
database:
  host: file-db
`)
	t.Setenv("OVPNKEEPER_SERVER_PORT", "4000")
	t.Setenv("OVPNKEEPER_DATABASE_HOST", "env-db")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--server.port=5000"}))

	cfg, err := Load(Source{File: file, SecretsDir: secrets, Flags: fs})
	require.NoError(t, err)

	assert.Equal(t, "file.example.com", cfg.Server.Host, "file beats secrets")
	assert.Equal(t, 5000, cfg.Server.Port, "flag beats env")
	assert.Equal(t, "env-db", cfg.Database.Host, "env beats file")
	assert.Equal(t, "from-secrets", cfg.Database.Name, "secrets beat defaults")
	assert.Equal(t, "s3cr3t", cfg.Database.Password, "trailing newline trimmed")
}

func TestLoad_UnchangedFlagsDoNotShadowFile(t *testing.T) {
	file := writeFile(t, t.TempDir(), "ovpnkeeper.yaml", "default:\n  max_devices: 3\n")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(Source{File: file, SecretsDir: t.TempDir(), Flags: fs})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Default.MaxDevices)
}

func TestLoad_Durations(t *testing.T) {
	file := writeFile(t, t.TempDir(), "ovpnkeeper.yaml", `
database:
  timeout: 90
  wait: 1m30s
  pool:
    recycle: 2.5
`)
	t.Setenv("OVPNKEEPER_PKI_CRL_VALIDITY", "3600")

	cfg, err := Load(Source{File: file, SecretsDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Database.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Database.Wait)
	assert.Equal(t, 2500*time.Millisecond, cfg.Database.Pool.Recycle)
	assert.Equal(t, time.Hour, cfg.PKI.CRLValidity)
}

func TestLoad_SecretsDirFromEnv(t *testing.T) {
	secrets := t.TempDir()
	writeFile(t, secrets, "pki.passphrase", "hunter2\r\n")
	t.Setenv(SecretsDirEnv, secrets)

	cfg, err := Load(Source{})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.PKI.Passphrase)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(Source{File: filepath.Join(t.TempDir(), "nope.yaml"), SecretsDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_ReportsAllViolations(t *testing.T) {
	t.Setenv("OVPNKEEPER_DATABASE_DRIVER", "mysql")
	t.Setenv("OVPNKEEPER_SERVER_PORT", "0")
	t.Setenv("OVPNKEEPER_LOGS_FORMAT", "xml")

	_, err := Load(Source{SecretsDir: t.TempDir()})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid configuration")
	assert.Contains(t, msg, "database.driver")
	assert.Contains(t, msg, "server.port")
	assert.Contains(t, msg, "logs.format")
}

func TestValidate_DriverSpecificFields(t *testing.T) {
	cfg, err := Load(Source{SecretsDir: t.TempDir()})
	require.NoError(t, err)

	cfg.Database.Driver = "bbolt"
	cfg.Database.Path = ""
	cfg.Database.Host = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
	assert.NotContains(t, err.Error(), "database.host")

	cfg.Database.Driver = "memory"
	assert.NoError(t, cfg.Validate())

	cfg.Database.Driver = "postgres"
	cfg.Database.Pool.MinSize = 20
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.host")
	assert.Contains(t, err.Error(), "database.pool.maxsize")
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "database.pool.maxsize", "25\n")
	writeFile(t, dir, ".hidden", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o700))

	got, err := LoadSecrets(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"database": map[string]any{
			"pool": map[string]any{"maxsize": "25"},
		},
	}, got)

	empty, err := LoadSecrets(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

package cmd

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/ovpnkeeper/devices"
	"github.com/jmcleod/ovpnkeeper/pki/pkitest"
)

// baseArgs points every command at a fresh bbolt file and test CA.
func baseArgs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	paths := pkitest.New(t, pkitest.ECDSAP256).WriteFiles(t, dir)
	return []string{
		"--secrets-dir", filepath.Join(dir, "secrets"),
		"--database.driver", "bbolt",
		"--database.path", filepath.Join(dir, "keeper.db"),
		"--database.timeout", "2s",
		"--pki.ca", paths.CA,
		"--pki.cert", paths.Cert,
		"--pki.pkey", paths.Key,
		"--pki.tls-auth", paths.SharedSecret,
		"--server.host", "vpn.example.com",
		"--server.port", "1194",
		"--default.max-devices", "6",
	}
}

// setContext replaces the context cobra kept from a previous execution.
// ExecuteContext only fills in a nil context on subcommands.
func setContext(ctx context.Context, c *cobra.Command) {
	c.SetContext(ctx)
	for _, sub := range c.Commands() {
		setContext(ctx, sub)
	}
}

func run(t *testing.T, base []string, args ...string) (string, string, error) {
	t.Helper()
	ownerID, outputPath, bundlePassword, crlOutput, skipQuota = 0, "", "", "", false
	setContext(t.Context(), rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append(args, base...))
	err := rootCmd.ExecuteContext(t.Context())
	return stdout.String(), stderr.String(), err
}

func TestDeviceLifecycle(t *testing.T) {
	base := baseArgs(t)
	out := t.TempDir()

	stdout, stderr, err := run(t, base, "device", "create", "laptop", "--owner", "1")
	require.NoError(t, err, stderr)
	id := strings.TrimSpace(stdout)
	_, err = devices.ParseDeviceID(id)
	require.NoError(t, err)
	assert.Contains(t, stderr, "device created")

	stdout, _, err = run(t, base, "device", "list", "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, id)
	assert.Contains(t, stdout, "laptop")

	stdout, _, err = run(t, base, "device", "show", id, "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 laptop")
	assert.Contains(t, stdout, "Test Signing CA")

	stdout, _, err = run(t, base, "device", "config", id, "--owner", "1", "-o", out)
	require.NoError(t, err)
	configPath := filepath.Join(out, "laptop.ovpn")
	assert.Equal(t, configPath, strings.TrimSpace(stdout))
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "remote vpn.example.com 1194")

	_, _, err = run(t, base, "device", "bundle", id, "--owner", "1", "-o", out, "--password", "pw")
	require.NoError(t, err)
	p12, err := os.ReadFile(filepath.Join(out, "laptop.p12"))
	require.NoError(t, err)
	_, cert, _, err := pkcs12.DecodeChain(p12, "pw")
	require.NoError(t, err)
	assert.Equal(t, "1 laptop", cert.Subject.CommonName)

	stdout, _, err = run(t, base, "device", "remove", id, "--owner", "1")
	require.NoError(t, err)
	assert.Equal(t, "removed laptop (serial "+strconv.FormatInt(cert.SerialNumber.Int64(), 10)+")\n", stdout)

	stdout, _, err = run(t, base, "crl")
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(stdout))
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, cert.SerialNumber, crl.RevokedCertificateEntries[0].SerialNumber)

	stdout, _, err = run(t, base, "device", "list", "--owner", "1")
	require.NoError(t, err)
	assert.NotContains(t, stdout, id)
}

func TestDeviceCreate_Quota(t *testing.T) {
	base := append(baseArgs(t), "--default.max-devices", "1")

	_, _, err := run(t, base, "device", "create", "one", "--owner", "5")
	require.NoError(t, err)

	_, _, err = run(t, base, "device", "create", "two", "--owner", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum of 1 devices")

	_, _, err = run(t, base, "device", "create", "two", "--owner", "5", "--skip-quota")
	require.NoError(t, err)
}

func TestDeviceCreate_Duplicate(t *testing.T) {
	base := baseArgs(t)

	_, _, err := run(t, base, "device", "create", "phone", "--owner", "2")
	require.NoError(t, err)
	_, _, err = run(t, base, "device", "create", "phone", "--owner", "2")
	require.Error(t, err)
	assert.ErrorIs(t, err, devices.ErrDeviceDuplicated)
	assert.Contains(t, err.Error(), "A device with this name already exists")
}

func TestDeviceShow_InvalidID(t *testing.T) {
	_, _, err := run(t, baseArgs(t), "device", "show", "not-a-uuid", "--owner", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, devices.ErrInvalidDeviceID)
}

func TestDeviceBundle_RequiresOutput(t *testing.T) {
	_, _, err := run(t, baseArgs(t), "device", "bundle", "9c1d4f8e-6b0a-4c55-9f1e-2d7a3b8c0e11", "--owner", "1", "--password", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--output")
}

func TestInvalidConfiguration(t *testing.T) {
	base := append(baseArgs(t), "--database.driver", "mysql")
	_, _, err := run(t, base, "crl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "database.driver")
}

func TestMigrate_EmbeddedStore(t *testing.T) {
	_, stderr, err := run(t, baseArgs(t), "migrate")
	require.NoError(t, err)
	assert.Contains(t, stderr, "no schema to apply")
}

func TestVersion(t *testing.T) {
	stdout, _, err := run(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "ovpnkeeper "+Version+"\n", stdout)
}

func TestWriteExport(t *testing.T) {
	e := &devices.Export{Filename: "crl.pem", Content: []byte("data")}

	var buf bytes.Buffer
	require.NoError(t, writeExport(&buf, "-", e))
	assert.Equal(t, "data", buf.String())

	dir := t.TempDir()
	buf.Reset()
	require.NoError(t, writeExport(&buf, dir, e))
	got, err := os.ReadFile(filepath.Join(dir, "crl.pem"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	file := filepath.Join(dir, "custom.pem")
	require.NoError(t, writeExport(&buf, file, e))
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCommands_OutliveEarlierTestContexts(t *testing.T) {
	base := baseArgs(t)

	// Each subtest's context is canceled when it returns; later runs must
	// not inherit it.
	for i, name := range []string{"laptop", "phone", "tablet"} {
		t.Run(name, func(t *testing.T) {
			stdout, stderr, err := run(t, base, "device", "create", name, "--owner", "9")
			require.NoError(t, err, stderr)
			assert.NotEmpty(t, strings.TrimSpace(stdout))

			stdout, _, err = run(t, base, "device", "list", "--owner", "9")
			require.NoError(t, err)
			assert.Equal(t, i+2, len(strings.Split(strings.TrimSpace(stdout), "\n")))
		})
	}
}

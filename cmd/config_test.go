package main

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maeshinshin/nbns"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nbns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
bind: 192.168.1.10
primary_wins: 10.0.0.1
secondary_wins: 10.0.0.2
port: 1137
scope: corp.example
ttl: 1h
refresh_interval: 5m
release_on_shutdown: false
defend_names: true
query_rate_limit: 0
server_name: fileserver
domain: workgroup
http: 127.0.0.1:8137
`)

	fc, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "fileserver", fc.ServerName)
	assert.Equal(t, "127.0.0.1:8137", fc.HTTP)

	cfg, err := fc.nbnsConfig()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.10"), cfg.BindAddress)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), cfg.PrimaryWINS)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), cfg.SecondaryWINS)
	assert.Equal(t, 1137, cfg.Port)
	assert.Equal(t, "corp.example", cfg.Scope)
	assert.Equal(t, time.Hour, cfg.TTL)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.False(t, cfg.ReleaseOnShutdown)
	assert.True(t, cfg.DefendNames)
	assert.Zero(t, cfg.QueryRateLimit)
	assert.True(t, cfg.HasWINS())
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg, err := fileConfig{}.nbnsConfig()
	require.NoError(t, err)
	assert.Equal(t, nbns.DefaultConfig(), cfg)
}

func TestConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "ttl: [1, 2]\n"))
	assert.Error(t, err)

	_, err = fileConfig{Bind: "not-an-address"}.nbnsConfig()
	assert.Error(t, err)

	_, err = fileConfig{Port: 70000}.nbnsConfig()
	assert.ErrorIs(t, err, nbns.ErrInvalidConfig)
}

func TestHostNames(t *testing.T) {
	addrs := []netip.Addr{netip.MustParseAddr("192.168.1.10")}

	names, err := hostNames("fileserver.corp.example", "workgroup", addrs)
	require.NoError(t, err)
	require.Len(t, names, 3)

	assert.Equal(t, nbns.NameKey{Name: "FILESERVER", Type: nbns.FileServer}, names[0].Key())
	assert.Equal(t, nbns.NameKey{Name: "FILESERVER", Type: nbns.WorkStation}, names[1].Key())
	assert.Equal(t, nbns.NameKey{Name: "WORKGROUP", Type: nbns.Domain}, names[2].Key())
	assert.False(t, names[0].Group)
	assert.True(t, names[2].Group)
	assert.Equal(t, addrs, names[2].Addrs)

	names, err = hostNames("a-very-long-host-name-indeed", "", addrs)
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "A-VERY-LONG-HOS", names[0].Name)
}

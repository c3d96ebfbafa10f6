package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadArgsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfg, err := LoadArgs(nil)
	require.NoError(t, err)
	require.Equal(t, "server", cfg.Mode)
	require.Equal(t, "memory", cfg.Backend)
	require.Equal(t, filepath.Join(dir, ".web3-messenger", "messenger.db"), cfg.DatabasePath)
	require.Equal(t, filepath.Join(dir, ".web3-messenger", "messenger_wa.db"), cfg.DeviceStore)
	require.Equal(t, 5*time.Minute, cfg.StaleOfferWindow)
	require.Equal(t, 2*time.Second, cfg.BroadcastRetryDelay)
	require.Equal(t, 10*time.Second, cfg.MemberRefreshInterval)
	require.Equal(t, uint64(1), cfg.ChainID)
	require.Len(t, cfg.STUNServers, 1)
}

func TestLoadArgsPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	path := filepath.Join(dir, "messenger.yaml")
	yaml := `
mode: headless
database: ` + filepath.Join(dir, "from-file.db") + `
demo_peers: [alice, bob]
stale_offer_window: 90s
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))
	t.Setenv("MSG_LOG_LEVEL", "warn")

	cfg, err := LoadArgs([]string{"-config", path, "-mode", "interactive", "-stun", "stun:a, stun:b"})
	require.NoError(t, err)
	require.Equal(t, "interactive", cfg.Mode, "flags beat the file")
	require.Equal(t, "warn", cfg.LogLevel, "env beats the file")
	require.Equal(t, filepath.Join(dir, "from-file.db"), cfg.DatabasePath)
	require.Equal(t, filepath.Join(dir, "from-file_wa.db"), cfg.DeviceStore)
	require.Equal(t, []string{"alice", "bob"}, cfg.DemoPeers)
	require.Equal(t, 90*time.Second, cfg.StaleOfferWindow)
	require.Equal(t, []string{"stun:a", "stun:b"}, cfg.STUNServers)
}

func TestLoadArgsRejectsUnknownValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := LoadArgs([]string{"-mode", "daemon"})
	require.Error(t, err)
	_, err = LoadArgs([]string{"-backend", "carrier-pigeon"})
	require.Error(t, err)
	_, err = LoadArgs([]string{"-chain-id", "mainnet"})
	require.Error(t, err)
}

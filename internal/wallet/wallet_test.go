package wallet

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeepsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "wallet.key")

	first, err := LoadOrCreate(path, 1)
	require.NoError(t, err)
	second, err := LoadOrCreate(path, 5)
	require.NoError(t, err)

	require.Equal(t, first.Address(), second.Address())
	require.Equal(t, uint64(5), second.ChainID())
}

func TestSignAndVerify(t *testing.T) {
	w, err := Generate(1)
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := w.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[crypto.RecoveryIDOffset])

	require.True(t, Verify(w.Address(), msg, sig))
	require.False(t, Verify(w.Address(), []byte("other"), sig))

	other, err := Generate(1)
	require.NoError(t, err)
	require.False(t, Verify(other.Address(), msg, sig))
	require.False(t, Verify(w.Address(), msg, sig[:10]))
}

func TestChangeNotifications(t *testing.T) {
	w, err := Generate(1)
	require.NoError(t, err)
	changes := w.Subscribe()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w.SwitchAccount(key)
	change := <-changes
	require.Equal(t, ChangeAccount, change.Kind)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), change.Address)
	require.Equal(t, change.Address, w.Address())

	w.SwitchChain(10)
	change = <-changes
	require.Equal(t, ChangeChain, change.Kind)
	require.Equal(t, uint64(10), change.ChainID)
}

func TestAddressHelpers(t *testing.T) {
	lower := "0x52908400098527886e0f7030069857d2e4169ee7"

	addr, ok := NormalizeAddress(lower)
	require.True(t, ok)
	require.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", addr)
	require.True(t, IsAddress(lower))

	_, ok = NormalizeAddress("bob")
	require.False(t, ok)
	require.False(t, IsAddress("bob"))

	short := ShortAddress(lower)
	require.True(t, strings.HasPrefix(short, "0x5290"))
	require.True(t, strings.HasSuffix(short, "9EE7"))
	require.Equal(t, "bob", ShortAddress("bob"))
}

// Package wallet provides the wallet collaborator: the account address, personal
// message signatures used for identity operations, and account/chain change
// notifications.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Signer interface {
	Address() common.Address
	SignMessage(msg []byte) ([]byte, error)
}

type ChangeKind string

const (
	ChangeAccount ChangeKind = "account"
	ChangeChain   ChangeKind = "chain"
)

type Change struct {
	Kind    ChangeKind
	Address common.Address
	ChainID uint64
}

// LocalWallet signs with an in-process secp256k1 key.
type LocalWallet struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	chainID uint64
	subs    []chan Change
}

func NewLocalWallet(key *ecdsa.PrivateKey, chainID uint64) *LocalWallet {
	return &LocalWallet{key: key, chainID: chainID}
}

func Generate(chainID uint64) (*LocalWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewLocalWallet(key, chainID), nil
}

// LoadOrCreate reads a hex-encoded key from path, creating one if the file
// does not exist.
func LoadOrCreate(path string, chainID uint64) (*LocalWallet, error) {
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return NewLocalWallet(key, chainID), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load wallet key: %w", err)
	}

	w, err := Generate(chainID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create wallet dir: %w", err)
	}
	if err := crypto.SaveECDSA(path, w.key); err != nil {
		return nil, fmt.Errorf("failed to save wallet key: %w", err)
	}
	return w, nil
}

func (w *LocalWallet) Address() common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

func (w *LocalWallet) ChainID() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chainID
}

// SignMessage produces an EIP-191 personal_sign signature with V in {27, 28}.
func (w *LocalWallet) SignMessage(msg []byte) ([]byte, error) {
	w.mu.RLock()
	key := w.key
	w.mu.RUnlock()

	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Subscribe returns a channel receiving account and chain changes.
func (w *LocalWallet) Subscribe() <-chan Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan Change, 8)
	w.subs = append(w.subs, ch)
	return ch
}

func (w *LocalWallet) SwitchAccount(key *ecdsa.PrivateKey) {
	w.mu.Lock()
	w.key = key
	change := Change{Kind: ChangeAccount, Address: crypto.PubkeyToAddress(key.PublicKey), ChainID: w.chainID}
	w.mu.Unlock()
	w.notify(change)
}

func (w *LocalWallet) SwitchChain(chainID uint64) {
	w.mu.Lock()
	w.chainID = chainID
	change := Change{Kind: ChangeChain, Address: crypto.PubkeyToAddress(w.key.PublicKey), ChainID: chainID}
	w.mu.Unlock()
	w.notify(change)
}

func (w *LocalWallet) notify(change Change) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, ch := range w.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// Verify reports whether sig is a personal_sign signature of msg by address.
func Verify(address common.Address, msg, sig []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == address
}

// NormalizeAddress returns the EIP-55 checksummed form of a hex address.
func NormalizeAddress(s string) (string, bool) {
	if !common.IsHexAddress(s) {
		return "", false
	}
	return common.HexToAddress(s).Hex(), true
}

func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}

// ShortAddress abbreviates a hex address as 0x1234…abcd.
func ShortAddress(s string) string {
	addr, ok := NormalizeAddress(s)
	if !ok {
		return s
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// Package identity holds the classification cache and the DM/room classifier.
package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

// Cache is a read-through copy of the persisted identity state. Reads never
// touch the database; writes go to the repository first and then to memory.
// A nil repository keeps the cache process-local.
type Cache struct {
	mu   sync.RWMutex
	repo repository.IdentityRepository
	log  zerolog.Logger

	names     map[string]string
	dmPeers   map[string]string
	sequences map[string]int
	blocked   map[string]struct{}
	addresses map[string]string
	nextSeq   int
}

func NewCache(repo repository.IdentityRepository, log zerolog.Logger) *Cache {
	return &Cache{
		repo:      repo,
		log:       log,
		names:     make(map[string]string),
		dmPeers:   make(map[string]string),
		sequences: make(map[string]int),
		blocked:   make(map[string]struct{}),
		addresses: make(map[string]string),
	}
}

// Load replaces the in-memory state with the persisted snapshot.
func (c *Cache) Load(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	snap, err := c.repo.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identity cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = snap.Names
	c.dmPeers = snap.DMPeers
	c.sequences = snap.RoomSequences
	c.addresses = snap.PeerAddresses
	c.blocked = make(map[string]struct{}, len(snap.BlockedRooms))
	for _, id := range snap.BlockedRooms {
		c.blocked[id] = struct{}{}
	}
	c.nextSeq = 0
	for _, seq := range c.sequences {
		if seq > c.nextSeq {
			c.nextSeq = seq
		}
	}
	return nil
}

// Classification returns the cached DM classification for id, if any.
func (c *Cache) Classification(id string) (domain.Classification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	peer, ok := c.dmPeers[id]
	if !ok {
		return domain.Classification{}, false
	}
	return domain.Classification{Kind: domain.KindDM, PeerIdentifier: peer, FromCache: true}, true
}

// RecordDM stores a DM classification. An existing entry is never replaced.
func (c *Cache) RecordDM(ctx context.Context, id, peer string) error {
	c.mu.RLock()
	_, exists := c.dmPeers[id]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	if c.repo != nil {
		if _, err := c.repo.RecordDM(ctx, id, peer); err != nil {
			return fmt.Errorf("failed to persist dm classification: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dmPeers[id]; !exists {
		c.dmPeers[id] = peer
	}
	return nil
}

func (c *Cache) Name(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[id]
}

// SetName stores a display-name override; an empty name removes it.
func (c *Cache) SetName(ctx context.Context, id, name string) error {
	if c.repo != nil {
		if err := c.repo.SetName(ctx, id, name); err != nil {
			return fmt.Errorf("failed to persist name: %w", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		delete(c.names, id)
	} else {
		c.names[id] = name
	}
	return nil
}

// RoomSequence returns the room's sequence number, assigning the next one on first use.
func (c *Cache) RoomSequence(ctx context.Context, id string) (int, error) {
	c.mu.RLock()
	seq, ok := c.sequences[id]
	c.mu.RUnlock()
	if ok {
		return seq, nil
	}

	if c.repo != nil {
		seq, err := c.repo.AssignRoomSequence(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to assign room sequence: %w", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.sequences[id] = seq
		if seq > c.nextSeq {
			c.nextSeq = seq
		}
		return seq, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq, ok := c.sequences[id]; ok {
		return seq, nil
	}
	c.nextSeq++
	c.sequences[id] = c.nextSeq
	return c.nextSeq, nil
}

// KnownSequence returns the sequence number without assigning one.
func (c *Cache) KnownSequence(id string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq, ok := c.sequences[id]
	return seq, ok
}

func (c *Cache) IsBlocked(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blocked[id]
	return ok
}

func (c *Cache) Block(ctx context.Context, id string) error {
	return c.setBlocked(ctx, id, true)
}

func (c *Cache) Unblock(ctx context.Context, id string) error {
	return c.setBlocked(ctx, id, false)
}

func (c *Cache) setBlocked(ctx context.Context, id string, blocked bool) error {
	if c.repo != nil {
		if err := c.repo.SetBlocked(ctx, id, blocked); err != nil {
			return fmt.Errorf("failed to persist blocked rooms: %w", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if blocked {
		c.blocked[id] = struct{}{}
	} else {
		delete(c.blocked, id)
	}
	return nil
}

func (c *Cache) BlockedRooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.blocked))
	for id := range c.blocked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddressFor returns the wallet address remembered for a peer identity.
func (c *Cache) AddressFor(peer string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addresses[peer]
}

func (c *Cache) RememberAddress(ctx context.Context, peer, address string) error {
	if addr, ok := wallet.NormalizeAddress(address); ok {
		address = addr
	}
	c.mu.RLock()
	current := c.addresses[peer]
	c.mu.RUnlock()
	if current == address {
		return nil
	}
	if c.repo != nil {
		if err := c.repo.SetPeerAddress(ctx, peer, address); err != nil {
			return fmt.Errorf("failed to persist peer address: %w", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addresses[peer] = address
	return nil
}

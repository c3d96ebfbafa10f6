package identity

import (
	"fmt"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

// DisplayName resolves the label shown in the conversation list: a custom name,
// else the DM peer (by wallet address when known), else the numbered room label.
func (c *Cache) DisplayName(conv *domain.Conversation) string {
	if name := c.Name(conv.ID); name != "" {
		return name
	}
	if conv.IsDM() {
		return c.peerLabel(conv.PeerIdentifier)
	}
	return c.roomLabel(conv)
}

// NotificationName resolves the label used in notifications. For DMs the
// peer's wallet address takes precedence over a custom name.
func (c *Cache) NotificationName(conv *domain.Conversation) string {
	if conv.IsDM() {
		if addr := c.AddressFor(conv.PeerIdentifier); addr != "" {
			return wallet.ShortAddress(addr)
		}
	}
	if name := c.Name(conv.ID); name != "" {
		return name
	}
	if conv.IsDM() {
		return c.peerLabel(conv.PeerIdentifier)
	}
	return c.roomLabel(conv)
}

// SenderLabel names a message author.
func (c *Cache) SenderLabel(sender string) string {
	return c.peerLabel(sender)
}

func (c *Cache) peerLabel(peer string) string {
	if addr := c.AddressFor(peer); addr != "" {
		return wallet.ShortAddress(addr)
	}
	if wallet.IsAddress(peer) {
		return wallet.ShortAddress(peer)
	}
	if peer == "" {
		return "Unknown"
	}
	return shorten(peer)
}

func (c *Cache) roomLabel(conv *domain.Conversation) string {
	seq := conv.SequenceNumber
	if seq == 0 {
		seq, _ = c.KnownSequence(conv.ID)
	}
	if seq > 0 {
		return fmt.Sprintf("Room #%d", seq)
	}
	return "Room " + shorten(conv.ID)
}

func shorten(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "…" + id[len(id)-4:]
}

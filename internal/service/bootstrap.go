package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
)

// DefaultConnectDelays are the waits between connection attempts while an
// identity registration is still propagating.
var DefaultConnectDelays = []time.Duration{3 * time.Second, 5 * time.Second}

// ClientFactory opens a messaging client for the configured wallet.
type ClientFactory func(ctx context.Context) (messaging.Client, error)

// ConnectClient calls factory, retrying after each delay while the identity
// is still registering. Reaching the installation limit is returned at once.
func ConnectClient(ctx context.Context, factory ClientFactory, delays []time.Duration, log zerolog.Logger) (messaging.Client, error) {
	for attempt := 0; ; attempt++ {
		client, err := factory(ctx)
		if err == nil {
			return client, nil
		}
		if errors.Is(err, messaging.ErrInstallationLimit) {
			return nil, fmt.Errorf("cannot connect, revoke an existing installation first: %w", err)
		}
		if !errors.Is(err, messaging.ErrIdentityRegistering) || attempt >= len(delays) {
			return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt+1, err)
		}

		log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delays[attempt]).Msg("Identity still registering, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delays[attempt]):
		}
	}
}

// Package killsignal is an optional latency shortcut for cooperative
// cancellation (§5.1). The database KillRequested marker on Instance
// is the only authoritative signal a Runner's yield() must honor; this
// package just fans a marker's arrival out over Redis pub/sub so a
// Runner blocked between polls of the store notices sooner than the
// next scheduled GetInstance call would surface it.
package killsignal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ErikWegner/jqm/id"
)

const channelPrefix = "jqm:kill:"

func channel(instanceID id.InstanceID) string {
	return channelPrefix + instanceID.String()
}

// Notifier publishes kill markers. A no-op Notifier (nil *Notifier) is
// valid and Publish becomes a no-op, so callers can wire it
// unconditionally whether or not Config.RedisAddr is set.
type Notifier struct {
	client *goredis.Client
	logger *slog.Logger
}

// New connects to addr and returns a Notifier. When addr is empty it
// returns nil; a nil *Notifier is safe to pass around, since
// Publish/Listen tolerate it.
func New(addr string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		return nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	return &Notifier{client: client, logger: logger}
}

type marker struct {
	InstanceID string `json:"instance_id"`
}

// Publish announces that instanceID has a pending kill marker. Best
// effort: publish failures are logged, never returned, since the
// database marker remains authoritative regardless.
func (n *Notifier) Publish(ctx context.Context, instanceID id.InstanceID) {
	if n == nil {
		return
	}

	payload, err := json.Marshal(marker{InstanceID: instanceID.String()})
	if err != nil {
		return
	}

	if err := n.client.Publish(ctx, channel(instanceID), payload).Err(); err != nil {
		n.logger.Warn("killsignal: publish failed",
			slog.String("instance_id", instanceID.String()), slog.Any("error", err))
	}
}

// Listen subscribes to instanceID's channel and returns a channel that
// receives once when a kill marker is published, or is closed when ctx
// is done or the subscription errors. Callers still must fall back to
// polling GetInstance on ctx cancellation or channel close, since this
// is a shortcut, not a replacement, for the database marker (§5.1).
func (n *Notifier) Listen(ctx context.Context, instanceID id.InstanceID) <-chan struct{} {
	fired := make(chan struct{}, 1)
	if n == nil {
		close(fired)
		return fired
	}

	sub := n.client.Subscribe(ctx, channel(instanceID))

	go func() {
		defer sub.Close()
		msgCh := sub.Channel()

		select {
		case <-ctx.Done():
		case _, ok := <-msgCh:
			if ok {
				fired <- struct{}{}
			}
		}
		close(fired)
	}()

	return fired
}

// Close releases the underlying Redis client.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("killsignal: close: %w", err)
	}
	return nil
}

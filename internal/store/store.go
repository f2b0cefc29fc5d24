package store

import (
	"context"
	"time"

	"github.com/teamhub/realtime-gateway/internal/types"
)

// TypingEntry identifies a single typing indicator.
type TypingEntry struct {
	ChannelId string
	UserId    string
}

// RelayMessage is an event published by a gateway instance on a channel's
// pub/sub topic, as received by a subscribed instance.
type RelayMessage struct {
	ChannelId string
	Payload   []byte
}

// Store is the shared state backing all gateway instances: presence records,
// typing indicators, rate-limit counters, per-channel event buffers and the
// cross-instance pub/sub relay. All cross-instance state lives here so that no
// gateway process holds authoritative state its peers cannot reconstruct.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// SetPresence applies a presence record last-write-wins by UpdatedAt and
	// arms the heartbeat window. It reports whether the record was applied or
	// lost to a newer write.
	SetPresence(ctx context.Context, rec types.PresenceRecord, window time.Duration) (bool, error)
	// GetPresence returns the user's presence record. A missing or expired
	// record reads as offline.
	GetPresence(ctx context.Context, userId string) (types.PresenceRecord, error)
	GetPresences(ctx context.Context, userIds []string) (map[string]types.PresenceStatus, error)
	// TouchPresence re-arms the heartbeat window without changing status.
	TouchPresence(ctx context.Context, userId string, window time.Duration) error

	// JoinRoster and LeaveRoster maintain a reference-counted set of users per
	// channel, shared across instances. A user with connections on two
	// instances stays on the roster until both release them.
	JoinRoster(ctx context.Context, channelId, userId string) error
	LeaveRoster(ctx context.Context, channelId, userId string) error
	Roster(ctx context.Context, channelId string) ([]string, error)
	// ChannelExists reports whether the channel has any roster entries or
	// buffered events, distinguishing "no events" from "unknown channel".
	ChannelExists(ctx context.Context, channelId string) (bool, error)

	// StartTyping (re)arms the typing indicator TTL for (channel, user).
	StartTyping(ctx context.Context, channelId, userId string, ttl time.Duration) error
	// StopTyping clears the indicator immediately, reporting whether it was
	// present. Only the caller that actually removed the entry broadcasts the
	// stop event, which keeps the broadcast exactly once.
	StopTyping(ctx context.Context, channelId, userId string) (bool, error)
	// ActiveTypers returns unexpired typers. Expired entries are filtered but
	// left for SweepTyping so their stop broadcast is not lost.
	ActiveTypers(ctx context.Context, channelId string) ([]string, error)
	// SweepTyping removes expired typing entries and returns exactly the
	// entries this caller removed.
	SweepTyping(ctx context.Context) ([]TypingEntry, error)

	// AllowRate atomically checks and increments a sliding-window counter.
	// When the limit is exceeded it returns false plus a retry-after hint.
	AllowRate(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)

	// AppendEvent adds a message event to the channel's bounded buffer,
	// evicting the oldest entries beyond capacity.
	AppendEvent(ctx context.Context, ev types.MessageEvent, capacity int) error
	// EventsSince returns buffered events with timestamp strictly greater
	// than since, in ascending timestamp order. The bool result signals that
	// eviction may have dropped events the caller never saw.
	EventsSince(ctx context.Context, channelId string, since int64) ([]types.MessageEvent, bool, error)

	// Publish sends a payload on the channel's pub/sub topic. Subscribe and
	// Unsubscribe control which topics are delivered on Relayed.
	Publish(ctx context.Context, channelId string, payload []byte) error
	Subscribe(channelId string) error
	Unsubscribe(channelId string) error
	Relayed() <-chan RelayMessage
}

package types

// PresenceStatus is a user's coarse availability state as seen by other
// members of their channels.
type PresenceStatus string

const (
	StatusOnline    PresenceStatus = "online"
	StatusAway      PresenceStatus = "away"
	StatusDnd       PresenceStatus = "dnd"
	StatusOffline   PresenceStatus = "offline"
	StatusInvisible PresenceStatus = "invisible"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusDnd, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

// Public returns the status as it may be surfaced to other clients.
// Invisible users always appear offline.
func (s PresenceStatus) Public() PresenceStatus {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}

// PresenceRecord is the shared presence state for a single user. Records are
// last-write-wins by UpdatedAt (unix milliseconds) so out-of-order delivery
// across gateway instances resolves deterministically.
type PresenceRecord struct {
	UserId    string         `json:"userId"`
	Status    PresenceStatus `json:"status"`
	UpdatedAt int64          `json:"updatedAt"`
}

// MessageEvent is a chat message as relayed by the gateway. The gateway keeps
// it only in a bounded per-channel buffer for the polling fallback; canonical
// storage is external.
type MessageEvent struct {
	ChannelId       string   `json:"channelId"`
	UserId          string   `json:"userId"`
	Content         string   `json:"content"`
	Mentions        []string `json:"mentions,omitempty"`
	ServerTimestamp int64    `json:"serverTimestamp"`
}

// Member is an entry in a channel membership snapshot.
type Member struct {
	UserId string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

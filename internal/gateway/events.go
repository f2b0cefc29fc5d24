package gateway

import (
	"net/http"
	"time"

	"github.com/teamhub/realtime-gateway/internal/types"
)

type BaseEvent struct {
	Id        int   `json:"id,omitempty"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ClientEvent is the inbound event envelope. Exactly one of the variant
// fields is set; the field name is the wire event type.
type ClientEvent struct {
	BaseEvent
	Join     *JoinChannel    `json:"channel:join,omitempty"`
	Leave    *LeaveChannel   `json:"channel:leave,omitempty"`
	Presence *PresenceUpdate `json:"presence:update,omitempty"`
	Typing   *TypingUpdate   `json:"typing,omitempty"`
	Message  *MessageSend    `json:"message:send,omitempty"`

	client *Client
}

// Op names the operation for rate-limit accounting. Empty means the event
// carried no known variant.
func (e *ClientEvent) Op() string {
	switch {
	case e.Join != nil:
		return "join"
	case e.Leave != nil:
		return "leave"
	case e.Presence != nil:
		return "presence"
	case e.Typing != nil:
		return "typing"
	case e.Message != nil:
		return "message"
	}
	return ""
}

type JoinChannel struct {
	ChannelId string `json:"channelId"`
}

type LeaveChannel struct {
	ChannelId string `json:"channelId"`
}

type PresenceUpdate struct {
	Status types.PresenceStatus `json:"status"`
}

type TypingUpdate struct {
	ChannelId string `json:"channelId"`
	IsTyping  bool   `json:"isTyping"`
}

type MessageSend struct {
	ChannelId string   `json:"channelId"`
	Content   string   `json:"content"`
	Mentions  []string `json:"mentions,omitempty"`
}

// ServerEvent is the outbound event envelope, mirroring ClientEvent.
type ServerEvent struct {
	BaseEvent
	Joined   *ChannelJoined      `json:"channel:joined,omitempty"`
	Members  *ChannelMembers     `json:"channel:members,omitempty"`
	Presence *PresenceEvent      `json:"presence,omitempty"`
	Typing   *TypingEvent        `json:"typing,omitempty"`
	Message  *types.MessageEvent `json:"message,omitempty"`
	Response *Response           `json:"response,omitempty"`

	SkipClient *Client `json:"-"`
}

type ChannelJoined struct {
	ChannelId string `json:"channelId"`
	UserId    string `json:"userId"`
}

// ChannelMembers is the membership snapshot delivered to a joining
// connection: the channel roster plus aggregate presence counts.
type ChannelMembers struct {
	ChannelId string                       `json:"channelId"`
	Members   []types.Member               `json:"members"`
	Counts    map[types.PresenceStatus]int `json:"counts"`
}

type PresenceEvent struct {
	UserId string               `json:"userId"`
	Status types.PresenceStatus `json:"status"`
}

type TypingEvent struct {
	ChannelId string `json:"channelId"`
	UserId    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// relayEnvelope wraps a ServerEvent published on the shared store's pub/sub
// topic. Origin lets the publishing instance drop its own copy.
type relayEnvelope struct {
	Origin string       `json:"origin"`
	Event  *ServerEvent `json:"event"`
}

func NoErrOK(id int, data any) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrChannelNotFound(id int) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "channel not found",
		},
	}
}

func ErrInvalidChannel(id int) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid channel id",
		},
	}
}

func ErrInternalError(id int) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrRateLimited(id int, retryAfter time.Duration) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusTooManyRequests,
			Error:        "rate limit exceeded",
			RetryAfterMs: retryAfter.Milliseconds(),
		},
	}
}

func ErrInvalidEvent(id int) *ServerEvent {
	ev := &ServerEvent{
		BaseEvent: BaseEvent{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid event format",
		},
	}

	if id > 0 {
		ev.Id = id
	}
	return ev
}

// Now is the gateway's event clock: unix milliseconds, the unit used for
// poll cursors and last-write-wins presence timestamps.
func Now() int64 {
	return time.Now().UnixMilli()
}

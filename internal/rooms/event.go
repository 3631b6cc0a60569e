package rooms

import "time"

// EventType enumerates the realtime events flowing through the gateway and
// the fan-out queue.
type EventType string

const (
	// EventTypePresence carries the full online-user list after a change.
	EventTypePresence EventType = "presence"
	// EventTypeChat represents a chat message posted in a room.
	EventTypeChat EventType = "chat_message"
	// EventTypeChannelChanged announces that the live TV stream switched to
	// a new channel.
	EventTypeChannelChanged EventType = "channel_changed"
	// EventTypeStreamStopped announces that the live TV stream ended.
	EventTypeStreamStopped EventType = "stream_stopped"
	// EventTypeMediaUpdated announces that a room switched to new media.
	EventTypeMediaUpdated EventType = "media_updated"
	// EventTypePlayback carries a play, pause, or seek command for a room.
	EventTypePlayback EventType = "playback"
)

// Event is the wire representation fanned out to clients and forwarded to the
// persistence queue. Room-scoped events carry a room ID; channel and stream
// events are global and reach every connected client.
type Event struct {
	Type          EventType           `json:"type"`
	RoomID        int                 `json:"roomId,omitempty"`
	Chat          *ChatEvent          `json:"chat,omitempty"`
	ChannelChange *ChannelChangeEvent `json:"channelChange,omitempty"`
	Media         *MediaEvent         `json:"media,omitempty"`
	Playback      *PlaybackEvent      `json:"playback,omitempty"`
	Presence      *PresenceEvent      `json:"presence,omitempty"`
	OccurredAt    time.Time           `json:"occurredAt"`
}

// ChatEvent transports a chat message for fan-out and persistence.
type ChatEvent struct {
	ID        string    `json:"id"`
	RoomID    int       `json:"roomId"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelChangeEvent identifies the channel the live stream switched to.
type ChannelChangeEvent struct {
	ChannelID int    `json:"channelId"`
	Name      string `json:"name"`
}

// MediaEvent describes the media a room switched to, including the offset at
// which playback should begin.
type MediaEvent struct {
	RoomID    int     `json:"roomId"`
	RatingKey string  `json:"ratingKey"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	StartTime float64 `json:"startTime"`
}

// PlaybackAction enumerates the synchronized playback commands.
type PlaybackAction string

const (
	PlaybackPlay  PlaybackAction = "play"
	PlaybackPause PlaybackAction = "pause"
	PlaybackSeek  PlaybackAction = "seek"
)

// PlaybackEvent carries a playback command issued by a room member. Position
// is in seconds from the start of the media.
type PlaybackEvent struct {
	RoomID   int            `json:"roomId"`
	Action   PlaybackAction `json:"action"`
	Position float64        `json:"position"`
	User     string         `json:"user"`
}

// PresenceEvent carries the sorted list of currently online users.
type PresenceEvent struct {
	Online []string `json:"online"`
}

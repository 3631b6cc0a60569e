package models

import (
	"strings"
	"time"
)

// User identifies an account known to the service. The password hash never
// leaves the storage layer in API responses.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Channel describes a live TV source that can be transcoded on demand.
type Channel struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Brand     string    `json:"brand,omitempty"`
	Logo      string    `json:"logo,omitempty"`
	Favorite  bool      `json:"favorite"`
	IsPlaying bool      `json:"isPlaying"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room is a host-created context in which members co-watch library media.
// Playback state is authoritative here and mutated only through the room
// gateway so all members observe updates in a single order.
type Room struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	HostID     string    `json:"hostId"`
	MediaKey   string    `json:"mediaKey,omitempty"`
	MediaTitle string    `json:"mediaTitle,omitempty"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	IsPlaying  bool      `json:"isPlaying"`
	Position   float64   `json:"position"`
	UpdatedAt  time.Time `json:"updatedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RoomSummary is the listing shape returned by the rooms index endpoint.
type RoomSummary struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Host       string `json:"host"`
	MediaTitle string `json:"mediaTitle,omitempty"`
	IsPlaying  bool   `json:"isPlaying"`
}

// ChatMessage is a persisted room chat entry.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    int       `json:"roomId"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// NormalizeUsername canonicalises a username for map keys and comparisons.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

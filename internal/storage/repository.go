package storage

import (
	"context"
	"errors"

	"peakdecline-live/internal/models"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidCredentials is returned for failed login attempts. Callers must
// not distinguish unknown accounts from wrong passwords.
var ErrInvalidCredentials = errors.New("invalid email or password")

// CreateUserParams collects the inputs for account registration.
type CreateUserParams struct {
	Username string
	Email    string
	Password string
}

// CreateChannelParams collects the inputs for registering a live TV channel.
type CreateChannelParams struct {
	Name     string
	URL      string
	Brand    string
	Logo     string
	Favorite bool
}

// Repository exposes the datastore operations required by API handlers, the
// room gateway, and the supporting tools.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUser(id string) (models.User, bool)
	GetUserByUsername(username string) (models.User, bool)
	ListUsers() []models.User

	CreateChannel(params CreateChannelParams) (models.Channel, error)
	ListChannels() []models.Channel
	GetChannel(id int) (models.Channel, bool)
	SetChannelPlaying(id int) error
	ClearChannelPlaying() error
	SetChannelFavorite(id int, favorite bool) (models.Channel, error)
	SetChannelLogo(id int, logo string) (models.Channel, error)

	CreateRoom(name, hostID string) (models.Room, error)
	GetRoom(id int) (models.Room, bool)
	ListRooms() []models.RoomSummary
	DeleteRoom(id int) error
	UpdateRoomMedia(id int, ratingKey, title, url string, position float64) error
	UpdateRoomPlayback(id int, playing bool, position float64) error

	AppendChatMessage(message models.ChatMessage) error
	ListChatMessages(roomID, limit int) []models.ChatMessage
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"peakdecline-live/internal/auth"
	"peakdecline-live/internal/models"
)

type dataset struct {
	Users         []models.User        `json:"users"`
	Channels      []models.Channel     `json:"channels"`
	Rooms         []models.Room        `json:"rooms"`
	Messages      []models.ChatMessage `json:"messages"`
	NextChannelID int                  `json:"nextChannelId"`
	NextRoomID    int                  `json:"nextRoomId"`
}

func newDataset() dataset {
	return dataset{NextChannelID: 1, NextRoomID: 1}
}

// Storage is a JSON-file backed Repository for development and single-instance
// deployments. Every mutation rewrites the file atomically via a temp file.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
}

// NewStorage loads (or initialises) the JSON store at path.
func NewStorage(path string) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.NextChannelID <= 0 {
		s.data.NextChannelID = 1
		for _, channel := range s.data.Channels {
			if channel.ID >= s.data.NextChannelID {
				s.data.NextChannelID = channel.ID + 1
			}
		}
	}
	if s.data.NextRoomID <= 0 {
		s.data.NextRoomID = 1
		for _, room := range s.data.Rooms {
			if room.ID >= s.data.NextRoomID {
				s.data.NextRoomID = room.ID + 1
			}
		}
	}
	return nil
}

func (s *Storage) persistLocked() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping always reports success for the file-backed store.
func (s *Storage) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the file-backed store.
func (s *Storage) Close(context.Context) error {
	return nil
}

// --- users ---

// CreateUser registers a new account with a hashed password.
func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
	username := strings.TrimSpace(params.Username)
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if username == "" {
		return models.User{}, fmt.Errorf("username is required")
	}
	if email == "" {
		return models.User{}, fmt.Errorf("email is required")
	}
	hash, err := auth.HashPassword(params.Password)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.data.Users {
		if models.NormalizeUsername(user.Username) == models.NormalizeUsername(username) {
			return models.User{}, fmt.Errorf("username already exists")
		}
		if strings.EqualFold(user.Email, email) {
			return models.User{}, fmt.Errorf("email already exists")
		}
	}
	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	s.data.Users = append(s.data.Users, user)
	if err := s.persistLocked(); err != nil {
		s.data.Users = s.data.Users[:len(s.data.Users)-1]
		return models.User{}, err
	}
	return user, nil
}

// AuthenticateUser verifies credentials by email.
func (s *Storage) AuthenticateUser(email, password string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			if auth.VerifyPassword(user.PasswordHash, password) {
				return user, nil
			}
			break
		}
	}
	return models.User{}, ErrInvalidCredentials
}

// GetUser returns the user with the given ID.
func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if user.ID == id {
			return user, true
		}
	}
	return models.User{}, false
}

// GetUserByUsername returns the user with the given username.
func (s *Storage) GetUserByUsername(username string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	normalized := models.NormalizeUsername(username)
	for _, user := range s.data.Users {
		if models.NormalizeUsername(user.Username) == normalized {
			return user, true
		}
	}
	return models.User{}, false
}

// ListUsers returns all registered users.
func (s *Storage) ListUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, len(s.data.Users))
	copy(users, s.data.Users)
	return users
}

// --- channels ---

// CreateChannel registers a live TV channel.
func (s *Storage) CreateChannel(params CreateChannelParams) (models.Channel, error) {
	name := strings.TrimSpace(params.Name)
	url := strings.TrimSpace(params.URL)
	if name == "" || url == "" {
		return models.Channel{}, fmt.Errorf("channel name and url are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	channel := models.Channel{
		ID:        s.data.NextChannelID,
		Name:      name,
		URL:       url,
		Brand:     strings.TrimSpace(params.Brand),
		Logo:      strings.TrimSpace(params.Logo),
		Favorite:  params.Favorite,
		CreatedAt: time.Now().UTC(),
	}
	s.data.NextChannelID++
	s.data.Channels = append(s.data.Channels, channel)
	if err := s.persistLocked(); err != nil {
		s.data.Channels = s.data.Channels[:len(s.data.Channels)-1]
		s.data.NextChannelID--
		return models.Channel{}, err
	}
	return channel, nil
}

// ListChannels returns all channels ordered by ID.
func (s *Storage) ListChannels() []models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]models.Channel, len(s.data.Channels))
	copy(channels, s.data.Channels)
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels
}

// GetChannel returns the channel with the given ID.
func (s *Storage) GetChannel(id int) (models.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, channel := range s.data.Channels {
		if channel.ID == id {
			return channel, true
		}
	}
	return models.Channel{}, false
}

// SetChannelPlaying marks the given channel as playing and every other
// channel as stopped, so at most one channel is ever flagged live.
func (s *Storage) SetChannelPlaying(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.data.Channels {
		playing := s.data.Channels[i].ID == id
		s.data.Channels[i].IsPlaying = playing
		if playing {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	return s.persistLocked()
}

// ClearChannelPlaying marks every channel as stopped.
func (s *Storage) ClearChannelPlaying() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Channels {
		s.data.Channels[i].IsPlaying = false
	}
	return s.persistLocked()
}

// SetChannelFavorite toggles the favourite flag on a channel.
func (s *Storage) SetChannelFavorite(id int, favorite bool) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Channels {
		if s.data.Channels[i].ID == id {
			s.data.Channels[i].Favorite = favorite
			if err := s.persistLocked(); err != nil {
				return models.Channel{}, err
			}
			return s.data.Channels[i], nil
		}
	}
	return models.Channel{}, fmt.Errorf("channel %d: %w", id, ErrNotFound)
}

// SetChannelLogo records the logo URL for a channel.
func (s *Storage) SetChannelLogo(id int, logo string) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Channels {
		if s.data.Channels[i].ID == id {
			s.data.Channels[i].Logo = strings.TrimSpace(logo)
			if err := s.persistLocked(); err != nil {
				return models.Channel{}, err
			}
			return s.data.Channels[i], nil
		}
	}
	return models.Channel{}, fmt.Errorf("channel %d: %w", id, ErrNotFound)
}

// --- rooms ---

// CreateRoom creates a co-watch room owned by the given user.
func (s *Storage) CreateRoom(name, hostID string) (models.Room, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return models.Room{}, fmt.Errorf("room name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	hostExists := false
	for _, user := range s.data.Users {
		if user.ID == hostID {
			hostExists = true
			break
		}
	}
	if !hostExists {
		return models.Room{}, fmt.Errorf("host %s: %w", hostID, ErrNotFound)
	}
	now := time.Now().UTC()
	room := models.Room{
		ID:        s.data.NextRoomID,
		Name:      trimmed,
		HostID:    hostID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.NextRoomID++
	s.data.Rooms = append(s.data.Rooms, room)
	if err := s.persistLocked(); err != nil {
		s.data.Rooms = s.data.Rooms[:len(s.data.Rooms)-1]
		s.data.NextRoomID--
		return models.Room{}, err
	}
	return room, nil
}

// GetRoom returns the room with the given ID.
func (s *Storage) GetRoom(id int) (models.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.data.Rooms {
		if room.ID == id {
			return room, true
		}
	}
	return models.Room{}, false
}

// ListRooms returns room summaries with resolved host usernames, ordered by ID.
func (s *Storage) ListRooms() []models.RoomSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usernames := make(map[string]string, len(s.data.Users))
	for _, user := range s.data.Users {
		usernames[user.ID] = user.Username
	}
	summaries := make([]models.RoomSummary, 0, len(s.data.Rooms))
	for _, room := range s.data.Rooms {
		summaries = append(summaries, models.RoomSummary{
			ID:         room.ID,
			Name:       room.Name,
			Host:       usernames[room.HostID],
			MediaTitle: room.MediaTitle,
			IsPlaying:  room.IsPlaying,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// DeleteRoom removes the room and its chat history.
func (s *Storage) DeleteRoom(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, room := range s.data.Rooms {
		if room.ID == id {
			s.data.Rooms = append(s.data.Rooms[:i], s.data.Rooms[i+1:]...)
			kept := s.data.Messages[:0]
			for _, message := range s.data.Messages {
				if message.RoomID != id {
					kept = append(kept, message)
				}
			}
			s.data.Messages = kept
			return s.persistLocked()
		}
	}
	return fmt.Errorf("room %d: %w", id, ErrNotFound)
}

// UpdateRoomMedia sets the room's current media and the position playback
// starts from.
func (s *Storage) UpdateRoomMedia(id int, ratingKey, title, url string, position float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Rooms {
		if s.data.Rooms[i].ID == id {
			s.data.Rooms[i].MediaKey = ratingKey
			s.data.Rooms[i].MediaTitle = title
			s.data.Rooms[i].MediaURL = url
			s.data.Rooms[i].IsPlaying = true
			s.data.Rooms[i].Position = position
			s.data.Rooms[i].UpdatedAt = time.Now().UTC()
			return s.persistLocked()
		}
	}
	return fmt.Errorf("room %d: %w", id, ErrNotFound)
}

// UpdateRoomPlayback records the latest playback state. Writes are applied in
// call order; the newest write wins.
func (s *Storage) UpdateRoomPlayback(id int, playing bool, position float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Rooms {
		if s.data.Rooms[i].ID == id {
			s.data.Rooms[i].IsPlaying = playing
			s.data.Rooms[i].Position = position
			s.data.Rooms[i].UpdatedAt = time.Now().UTC()
			return s.persistLocked()
		}
	}
	return fmt.Errorf("room %d: %w", id, ErrNotFound)
}

// --- chat ---

// AppendChatMessage persists a chat message.
func (s *Storage) AppendChatMessage(message models.ChatMessage) error {
	if message.RoomID == 0 || strings.TrimSpace(message.Text) == "" {
		return fmt.Errorf("room and text are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	s.data.Messages = append(s.data.Messages, message)
	if err := s.persistLocked(); err != nil {
		s.data.Messages = s.data.Messages[:len(s.data.Messages)-1]
		return err
	}
	return nil
}

// ListChatMessages returns the most recent messages for a room in
// chronological order, capped at limit when limit is positive.
func (s *Storage) ListChatMessages(roomID, limit int) []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var messages []models.ChatMessage
	for _, message := range s.data.Messages {
		if message.RoomID == roomID {
			messages = append(messages, message)
		}
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages
}

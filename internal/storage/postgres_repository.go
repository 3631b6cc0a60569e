package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peakdecline-live/internal/auth"
	"peakdecline-live/internal/models"
)

// PostgresRepository is the production Repository backed by Postgres, so
// several server replicas can share channels, rooms, and chat history.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a connection pool for the given DSN and applies
// the schema migrations.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := runMigrations(context.Background(), pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

// Ping verifies connectivity to the database.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the connection pool.
func (r *PostgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// --- users ---

func (r *PostgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	username := strings.TrimSpace(params.Username)
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if username == "" || email == "" {
		return models.User{}, fmt.Errorf("username and email are required")
	}
	hash, err := auth.HashPassword(params.Password)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO users (id, username, email, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5)
`, user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "unique") {
			return models.User{}, fmt.Errorf("username or email already exists")
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *PostgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, username, email, password_hash, created_at
FROM users WHERE lower(email) = lower($1)
`, strings.TrimSpace(email))
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (r *PostgresRepository) GetUser(id string) (models.User, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1
`, id)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *PostgresRepository) GetUserByUsername(username string) (models.User, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, username, email, password_hash, created_at
FROM users WHERE lower(username) = lower($1)
`, strings.TrimSpace(username))
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *PostgresRepository) ListUsers() []models.User {
	rows, err := r.pool.Query(context.Background(), `
SELECT id, username, email, password_hash, created_at FROM users ORDER BY created_at
`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
			continue
		}
		users = append(users, user)
	}
	return users
}

// --- channels ---

func (r *PostgresRepository) CreateChannel(params CreateChannelParams) (models.Channel, error) {
	name := strings.TrimSpace(params.Name)
	url := strings.TrimSpace(params.URL)
	if name == "" || url == "" {
		return models.Channel{}, fmt.Errorf("channel name and url are required")
	}
	row := r.pool.QueryRow(context.Background(), `
INSERT INTO channels (name, url, brand, logo, favorite)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at
`, name, url, strings.TrimSpace(params.Brand), strings.TrimSpace(params.Logo), params.Favorite)
	channel := models.Channel{
		Name:     name,
		URL:      url,
		Brand:    strings.TrimSpace(params.Brand),
		Logo:     strings.TrimSpace(params.Logo),
		Favorite: params.Favorite,
	}
	if err := row.Scan(&channel.ID, &channel.CreatedAt); err != nil {
		return models.Channel{}, err
	}
	return channel, nil
}

func (r *PostgresRepository) ListChannels() []models.Channel {
	rows, err := r.pool.Query(context.Background(), `
SELECT id, name, url, brand, logo, favorite, is_playing, created_at
FROM channels ORDER BY id
`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var channels []models.Channel
	for rows.Next() {
		var channel models.Channel
		err := rows.Scan(&channel.ID, &channel.Name, &channel.URL, &channel.Brand,
			&channel.Logo, &channel.Favorite, &channel.IsPlaying, &channel.CreatedAt)
		if err != nil {
			continue
		}
		channels = append(channels, channel)
	}
	return channels
}

func (r *PostgresRepository) GetChannel(id int) (models.Channel, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, name, url, brand, logo, favorite, is_playing, created_at
FROM channels WHERE id = $1
`, id)
	var channel models.Channel
	err := row.Scan(&channel.ID, &channel.Name, &channel.URL, &channel.Brand,
		&channel.Logo, &channel.Favorite, &channel.IsPlaying, &channel.CreatedAt)
	if err != nil {
		return models.Channel{}, false
	}
	return channel, true
}

// SetChannelPlaying flips the playing flag to the given channel inside one
// transaction so readers never observe two live channels.
func (r *PostgresRepository) SetChannelPlaying(id int) error {
	ctx := context.Background()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE channels SET is_playing = FALSE WHERE is_playing`); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE channels SET is_playing = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) ClearChannelPlaying() error {
	_, err := r.pool.Exec(context.Background(), `UPDATE channels SET is_playing = FALSE WHERE is_playing`)
	return err
}

func (r *PostgresRepository) SetChannelFavorite(id int, favorite bool) (models.Channel, error) {
	tag, err := r.pool.Exec(context.Background(),
		`UPDATE channels SET favorite = $2 WHERE id = $1`, id, favorite)
	if err != nil {
		return models.Channel{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Channel{}, fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	channel, _ := r.GetChannel(id)
	return channel, nil
}

func (r *PostgresRepository) SetChannelLogo(id int, logo string) (models.Channel, error) {
	tag, err := r.pool.Exec(context.Background(),
		`UPDATE channels SET logo = $2 WHERE id = $1`, id, strings.TrimSpace(logo))
	if err != nil {
		return models.Channel{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Channel{}, fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	channel, _ := r.GetChannel(id)
	return channel, nil
}

// --- rooms ---

func (r *PostgresRepository) CreateRoom(name, hostID string) (models.Room, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return models.Room{}, fmt.Errorf("room name is required")
	}
	row := r.pool.QueryRow(context.Background(), `
INSERT INTO rooms (name, host_id)
VALUES ($1, $2)
RETURNING id, updated_at, created_at
`, trimmed, hostID)
	room := models.Room{Name: trimmed, HostID: hostID}
	if err := row.Scan(&room.ID, &room.UpdatedAt, &room.CreatedAt); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *PostgresRepository) GetRoom(id int) (models.Room, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, name, host_id, media_key, media_title, media_url, is_playing, position, updated_at, created_at
FROM rooms WHERE id = $1
`, id)
	var room models.Room
	err := row.Scan(&room.ID, &room.Name, &room.HostID, &room.MediaKey, &room.MediaTitle,
		&room.MediaURL, &room.IsPlaying, &room.Position, &room.UpdatedAt, &room.CreatedAt)
	if err != nil {
		return models.Room{}, false
	}
	return room, true
}

func (r *PostgresRepository) ListRooms() []models.RoomSummary {
	rows, err := r.pool.Query(context.Background(), `
SELECT r.id, r.name, u.username, r.media_title, r.is_playing
FROM rooms r JOIN users u ON u.id = r.host_id
ORDER BY r.id
`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var summaries []models.RoomSummary
	for rows.Next() {
		var summary models.RoomSummary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.Host, &summary.MediaTitle, &summary.IsPlaying); err != nil {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

func (r *PostgresRepository) DeleteRoom(id int) error {
	tag, err := r.pool.Exec(context.Background(), `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) UpdateRoomMedia(id int, ratingKey, title, url string, position float64) error {
	tag, err := r.pool.Exec(context.Background(), `
UPDATE rooms
SET media_key = $2, media_title = $3, media_url = $4,
    is_playing = TRUE, position = $5, updated_at = now()
WHERE id = $1
`, id, ratingKey, title, url, position)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) UpdateRoomPlayback(id int, playing bool, position float64) error {
	tag, err := r.pool.Exec(context.Background(), `
UPDATE rooms SET is_playing = $2, position = $3, updated_at = now() WHERE id = $1
`, id, playing, position)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- chat ---

func (r *PostgresRepository) AppendChatMessage(message models.ChatMessage) error {
	if message.RoomID == 0 || strings.TrimSpace(message.Text) == "" {
		return fmt.Errorf("room and text are required")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(context.Background(), `
INSERT INTO chat_messages (id, room_id, sender, text, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`, message.ID, message.RoomID, message.Sender, message.Text, message.CreatedAt)
	return err
}

func (r *PostgresRepository) ListChatMessages(roomID, limit int) []models.ChatMessage {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(context.Background(), `
SELECT id, room_id, sender, text, created_at
FROM (
    SELECT id, room_id, sender, text, created_at
    FROM chat_messages WHERE room_id = $1
    ORDER BY created_at DESC LIMIT $2
) recent
ORDER BY created_at
`, roomID, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var messages []models.ChatMessage
	for rows.Next() {
		var message models.ChatMessage
		if err := rows.Scan(&message.ID, &message.RoomID, &message.Sender, &message.Text, &message.CreatedAt); err != nil {
			continue
		}
		messages = append(messages, message)
	}
	return messages
}

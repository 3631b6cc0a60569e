package rooms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peakdecline-live/internal/library"
	"peakdecline-live/internal/models"
	"peakdecline-live/internal/observability/metrics"
)

const maxChatRunes = 500

// Store exposes the room persistence operations the gateway requires.
type Store interface {
	GetRoom(id int) (models.Room, bool)
	UpdateRoomMedia(id int, ratingKey, title, url string, position float64) error
	UpdateRoomPlayback(id int, playing bool, position float64) error
	AppendChatMessage(message models.ChatMessage) error
}

// MediaResolver turns a rating key and track selection into a playable URL.
// The library client satisfies it; tests substitute fakes.
type MediaResolver interface {
	Resolve(ctx context.Context, req library.SelectRequest) (library.Resolved, error)
}

// Presence receives connection lifecycle notifications for online tracking.
type Presence interface {
	Connect(username string)
	Disconnect(username string)
}

// MediaRequest names the media a room should switch to, with optional track
// overrides and a resume offset in seconds.
type MediaRequest struct {
	RatingKey        string
	AudioStreamID    string
	SubtitleStreamID string
	ViewOffset       float64
}

// GatewayConfig configures a room Gateway.
type GatewayConfig struct {
	Queue    Queue
	Store    Store
	Resolver MediaResolver
	Presence Presence
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// HeartbeatInterval controls how often the gateway pings connected
	// clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway coordinates realtime fan-out for co-watch rooms: chat, synchronized
// playback, media switches, presence, and live TV notifications. It also
// implements the stream supervisor's notifier.
type Gateway struct {
	queue    Queue
	store    Store
	resolver MediaResolver
	presence Presence
	logger   *slog.Logger
	metrics  *metrics.Recorder
	upgrader websocket.Upgrader

	heartbeatInterval time.Duration

	// commands serializes state-changing room commands with their broadcasts
	// so subscribers observe events in store commit order.
	commands sync.Mutex

	// mu guards the client registries and is held across every broadcast so
	// clients in the same room observe events in one global order.
	mu      sync.Mutex
	clients map[*client]struct{}
	rooms   map[int]map[*client]struct{}
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Gateway{
		queue:             cfg.Queue,
		store:             cfg.Store,
		resolver:          cfg.Resolver,
		presence:          cfg.Presence,
		logger:            logger,
		metrics:           rec,
		heartbeatInterval: cfg.HeartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		rooms:   make(map[int]map[*client]struct{}),
	}
}

// HandleConnection upgrades the HTTP request to a WebSocket connection for the
// authenticated user.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, user models.User) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		gateway: g,
		conn:    conn,
		user:    user,
		send:    make(chan []byte, 16),
		rooms:   make(map[int]struct{}),
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	g.metrics.ClientConnected()
	if g.presence != nil {
		g.presence.Connect(user.Username)
	}

	go c.writeLoop()
	go c.readLoop()
}

// Chat validates, broadcasts, and queues a chat message for persistence.
// Whitespace-only messages are dropped silently, reported by the second return
// value; overlong messages are cut at 500 characters rather than refused.
func (g *Gateway) Chat(ctx context.Context, user models.User, roomID int, text string) (ChatEvent, bool, error) {
	if _, ok := g.room(roomID); !ok {
		return ChatEvent{}, false, fmt.Errorf("room %d not found", roomID)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ChatEvent{}, false, nil
	}
	if runes := []rune(trimmed); len(runes) > maxChatRunes {
		trimmed = string(runes[:maxChatRunes])
	}
	id, err := generateID()
	if err != nil {
		return ChatEvent{}, false, err
	}
	chat := ChatEvent{
		ID:        id,
		RoomID:    roomID,
		User:      user.Username,
		Text:      trimmed,
		CreatedAt: time.Now().UTC(),
	}
	event := Event{Type: EventTypeChat, RoomID: roomID, Chat: &chat, OccurredAt: chat.CreatedAt}
	g.commands.Lock()
	g.broadcast(event)
	g.publish(ctx, event)
	g.commands.Unlock()
	g.metrics.ObserveRoomEvent(string(EventTypeChat))
	return chat, true, nil
}

// SetMedia resolves the requested media and, only if resolution succeeds,
// updates the room state and announces the switch. A failed lookup leaves the
// room playing whatever it was playing before.
func (g *Gateway) SetMedia(ctx context.Context, user models.User, roomID int, req MediaRequest) (MediaEvent, error) {
	if _, ok := g.room(roomID); !ok {
		return MediaEvent{}, fmt.Errorf("room %d not found", roomID)
	}
	if strings.TrimSpace(req.RatingKey) == "" {
		return MediaEvent{}, fmt.Errorf("rating key is required")
	}
	resolved, err := g.resolver.Resolve(ctx, library.SelectRequest{
		RatingKey:        req.RatingKey,
		AudioStreamID:    req.AudioStreamID,
		SubtitleStreamID: req.SubtitleStreamID,
	})
	if err != nil {
		return MediaEvent{}, err
	}
	g.commands.Lock()
	if err := g.store.UpdateRoomMedia(roomID, resolved.RatingKey, resolved.Title, resolved.URL, req.ViewOffset); err != nil {
		g.commands.Unlock()
		return MediaEvent{}, err
	}
	media := MediaEvent{
		RoomID:    roomID,
		RatingKey: resolved.RatingKey,
		Title:     resolved.Title,
		URL:       resolved.URL,
		StartTime: req.ViewOffset,
	}
	event := Event{Type: EventTypeMediaUpdated, RoomID: roomID, Media: &media, OccurredAt: time.Now().UTC()}
	g.broadcast(event)
	g.publish(ctx, event)
	g.commands.Unlock()
	g.metrics.ObserveRoomEvent(string(EventTypeMediaUpdated))
	g.logger.Info("room media updated", "room_id", roomID, "rating_key", resolved.RatingKey, "user", user.Username)
	return media, nil
}

// SetPlayback applies a play, pause, or seek command to the room. Commands are
// applied in arrival order with no conflict resolution; the latest one wins.
func (g *Gateway) SetPlayback(ctx context.Context, user models.User, roomID int, action PlaybackAction, position float64) error {
	if position < 0 {
		return fmt.Errorf("position cannot be negative")
	}
	switch action {
	case PlaybackPlay, PlaybackPause, PlaybackSeek:
	default:
		return fmt.Errorf("unknown playback action %q", action)
	}
	g.commands.Lock()
	room, ok := g.room(roomID)
	if !ok {
		g.commands.Unlock()
		return fmt.Errorf("room %d not found", roomID)
	}
	playing := room.IsPlaying
	switch action {
	case PlaybackPlay:
		playing = true
	case PlaybackPause:
		playing = false
	}
	if err := g.store.UpdateRoomPlayback(roomID, playing, position); err != nil {
		g.commands.Unlock()
		return err
	}
	playback := PlaybackEvent{RoomID: roomID, Action: action, Position: position, User: user.Username}
	event := Event{Type: EventTypePlayback, RoomID: roomID, Playback: &playback, OccurredAt: time.Now().UTC()}
	g.broadcast(event)
	g.publish(ctx, event)
	g.commands.Unlock()
	g.metrics.ObserveRoomEvent(string(EventTypePlayback))
	return nil
}

// NotifyChannelChanged announces a live TV channel switch to every client.
func (g *Gateway) NotifyChannelChanged(channelID int, name string) {
	change := ChannelChangeEvent{ChannelID: channelID, Name: name}
	event := Event{Type: EventTypeChannelChanged, ChannelChange: &change, OccurredAt: time.Now().UTC()}
	g.broadcast(event)
	g.publish(context.Background(), event)
	g.metrics.ObserveRoomEvent(string(EventTypeChannelChanged))
}

// NotifyStreamStopped announces that the live TV stream ended.
func (g *Gateway) NotifyStreamStopped() {
	event := Event{Type: EventTypeStreamStopped, OccurredAt: time.Now().UTC()}
	g.broadcast(event)
	g.publish(context.Background(), event)
	g.metrics.ObserveRoomEvent(string(EventTypeStreamStopped))
}

// BroadcastPresence pushes the online-user list to every connected client.
// Presence is instance-local, so it is not forwarded to the queue.
func (g *Gateway) BroadcastPresence(online []string) {
	event := Event{
		Type:       EventTypePresence,
		Presence:   &PresenceEvent{Online: online},
		OccurredAt: time.Now().UTC(),
	}
	g.broadcast(event)
}

// Run consumes the event queue and persists chat messages until the context
// is cancelled. Intended to run in its own goroutine.
func (g *Gateway) Run(ctx context.Context) {
	if g.queue == nil {
		return
	}
	sub := g.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Type != EventTypeChat || event.Chat == nil {
				continue
			}
			message := models.ChatMessage{
				ID:        event.Chat.ID,
				RoomID:    event.Chat.RoomID,
				Sender:    event.Chat.User,
				Text:      event.Chat.Text,
				CreatedAt: event.Chat.CreatedAt,
			}
			if err := g.store.AppendChatMessage(message); err != nil {
				g.logger.Warn("failed to persist chat message", "room_id", message.RoomID, "error", err)
			}
		}
	}
}

func (g *Gateway) room(id int) (models.Room, bool) {
	if g.store == nil {
		return models.Room{}, false
	}
	return g.store.GetRoom(id)
}

func (g *Gateway) publish(ctx context.Context, event Event) {
	if g.queue == nil {
		return
	}
	if err := g.queue.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish room event", "type", event.Type, "error", err)
	}
}

// broadcast delivers the event to its audience: room-scoped events go to
// clients joined to that room, everything else goes to every client. Slow
// clients are skipped rather than allowed to stall the rest.
func (g *Gateway) broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("failed to marshal room event", "type", event.Type, "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	recipients := g.clients
	if event.RoomID != 0 {
		recipients = g.rooms[event.RoomID]
	}
	for c := range recipients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (g *Gateway) join(c *client, roomID int) {
	g.mu.Lock()
	if g.rooms[roomID] == nil {
		g.rooms[roomID] = make(map[*client]struct{})
	}
	g.rooms[roomID][c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) leave(c *client, roomID int) {
	g.mu.Lock()
	if clients := g.rooms[roomID]; clients != nil {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.rooms, roomID)
		}
	}
	g.mu.Unlock()
}

// drop removes the client from every registry and closes its send channel.
// Broadcasters hold the same lock, so once the registries no longer list the
// client nothing can send to it.
func (g *Gateway) drop(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	for roomID, clients := range g.rooms {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.rooms, roomID)
		}
	}
	close(c.send)
	g.mu.Unlock()
}

func generateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	user    models.User
	send    chan []byte
	rooms   map[int]struct{}
	closed  sync.Once
}

type inboundMessage struct {
	Type     string  `json:"type"`
	RoomID   int     `json:"roomId"`
	Text     string  `json:"text"`
	Action   string  `json:"action"`
	Position float64 `json:"position"`
}

func (c *client) writeLoop() {
	var ticker *time.Ticker
	var heartbeat <-chan time.Time
	if interval := c.gateway.heartbeatInterval; interval > 0 {
		ticker = time.NewTicker(interval)
		heartbeat = ticker.C
		defer ticker.Stop()
	}
	defer c.close()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-heartbeat:
			deadline := time.Now().Add(c.gateway.heartbeatInterval)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.close()
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid payload")
			continue
		}
		switch msg.Type {
		case "join":
			c.handleJoin(msg.RoomID)
		case "leave":
			c.handleLeave(msg.RoomID)
		case "chat_message":
			c.handleChat(msg)
		case "playback":
			c.handlePlayback(msg)
		default:
			c.sendError("unknown command")
		}
	}
}

func (c *client) handleJoin(roomID int) {
	if roomID == 0 {
		c.sendError("room required")
		return
	}
	if _, ok := c.gateway.room(roomID); !ok {
		c.sendError(fmt.Sprintf("room %d not found", roomID))
		return
	}
	c.gateway.join(c, roomID)
	c.rooms[roomID] = struct{}{}
	c.enqueue([]byte(`{"type":"ack"}`))
}

func (c *client) handleLeave(roomID int) {
	if roomID == 0 {
		return
	}
	c.gateway.leave(c, roomID)
	delete(c.rooms, roomID)
}

func (c *client) handleChat(msg inboundMessage) {
	if _, joined := c.rooms[msg.RoomID]; !joined {
		c.sendError("join room first")
		return
	}
	if _, _, err := c.gateway.Chat(context.Background(), c.user, msg.RoomID, msg.Text); err != nil {
		c.sendError(err.Error())
	}
}

func (c *client) handlePlayback(msg inboundMessage) {
	if _, joined := c.rooms[msg.RoomID]; !joined {
		c.sendError("join room first")
		return
	}
	err := c.gateway.SetPlayback(context.Background(), c.user, msg.RoomID, PlaybackAction(msg.Action), msg.Position)
	if err != nil {
		c.sendError(err.Error())
	}
}

func (c *client) sendError(message string) {
	payload, err := json.Marshal(map[string]string{"type": "error", "error": message})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// enqueue delivers a payload to this client only. It takes the registry lock
// so a send can never race the channel close in drop.
func (c *client) enqueue(payload []byte) {
	g := c.gateway
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		c.gateway.drop(c)
		c.conn.Close()
		c.gateway.metrics.ClientDisconnected()
		if c.gateway.presence != nil {
			c.gateway.presence.Disconnect(c.user.Username)
		}
	})
}

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"peakdecline-live/internal/auth"
	"peakdecline-live/internal/library"
	"peakdecline-live/internal/models"
	"peakdecline-live/internal/presence"
	"peakdecline-live/internal/rooms"
	"peakdecline-live/internal/storage"
	"peakdecline-live/internal/stream"
)

// StreamController is the supervisor surface the handlers depend on. The
// stream.Supervisor satisfies it; tests substitute stubs.
type StreamController interface {
	StartStream(ctx context.Context, channel models.Channel) (string, error)
	StopStream()
	Status() stream.Status
	ActiveDir() (string, bool)
}

// MediaLibrary is the library client surface exposed through the API proxy
// endpoints.
type MediaLibrary interface {
	Search(ctx context.Context, query string) ([]library.Item, error)
	Children(ctx context.Context, key string) ([]library.Item, error)
	Metadata(ctx context.Context, key string) (library.MediaInfo, error)
	Image(ctx context.Context, path string) (io.ReadCloser, string, error)
}

// Handler carries the service collaborators used by the HTTP endpoints.
type Handler struct {
	Store    storage.Repository
	Sessions *auth.SessionManager
	Streams  StreamController
	Gateway  *rooms.Gateway
	Library  MediaLibrary
	Presence *presence.Tracker
	Logger   *slog.Logger
}

// NewHandler wires a Handler, filling in defaults for optional collaborators.
func NewHandler(store storage.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(7 * 24 * time.Hour)
	}
	return &Handler{Store: store, Sessions: sessions, Logger: slog.Default()}
}

// Health reports datastore and session-store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	services := map[string]string{}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			services["storage"] = err.Error()
		} else {
			services["storage"] = "ok"
		}
	}
	if h.Sessions != nil {
		if err := h.Sessions.Ping(r.Context()); err != nil {
			status = "degraded"
			services["sessions"] = err.Error()
		} else {
			services["sessions"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt"`
}

func newUserResponse(user models.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		CreatedAt: user.CreatedAt.Format(time.RFC3339Nano),
	}
}

func newAuthResponse(user models.User, expires time.Time) authResponse {
	return authResponse{
		ExpiresAt: expires.UTC().Format(time.RFC3339Nano),
		User:      newUserResponse(user),
	}
}

// Register creates an account and opens a session for it.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("password must be at least 8 characters"))
		return
	}

	user, err := h.Store.CreateUser(storage.CreateUserParams{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, expiresAt, err := h.Sessions.Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusCreated, newAuthResponse(user, expiresAt))
}

// Login authenticates by email and password and opens a session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := h.Store.AuthenticateUser(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, storage.ErrInvalidCredentials)
		return
	}

	token, expiresAt, err := h.Sessions.Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, newAuthResponse(user, expiresAt))
}

// Session inspects or revokes the caller's session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing session token"))
			return
		}
		userID, expiresAt, ok, err := h.Sessions.Validate(token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or expired session"))
			return
		}
		user, exists := h.Store.GetUser(userID)
		if !exists {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("account not found"))
			return
		}
		writeJSON(w, http.StatusOK, newAuthResponse(user, expiresAt))
	case http.MethodDelete:
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing session token"))
			return
		}
		if err := h.Sessions.Revoke(token); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		clearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// RoomsWebsocket authenticates the request and hands the connection to the
// room gateway.
func (h *Handler) RoomsWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("realtime gateway not configured"))
		return
	}
	user, err := h.AuthenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	h.Gateway.HandleConnection(w, r, user)
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"peakdecline-live/internal/models"
	"peakdecline-live/internal/observability/metrics"
)

// State enumerates the supervisor lifecycle. Failed is transient: the
// supervisor settles back to Idle as soon as the failed session is torn down,
// so Status never reports it; it exists to make transitions explicit.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

var (
	// ErrSpawnFailed indicates the transcoder subprocess could not start.
	ErrSpawnFailed = errors.New("could not start transcoder")
	// ErrProcessExited indicates the subprocess died before the playlist
	// became ready.
	ErrProcessExited = errors.New("process exited during startup")
	// ErrStartupTimeout indicates the poll budget was exhausted without a
	// ready playlist.
	ErrStartupTimeout = errors.New("timed out waiting for stream")
	// ErrStartAborted indicates a concurrent stop or replacement request
	// cancelled the startup poll.
	ErrStartAborted = errors.New("stream start aborted")
)

// Notifier receives advisory events after supervisor state changes. The room
// gateway implements it to push channel changes to connected clients.
type Notifier interface {
	NotifyChannelChanged(channelID int, name string)
	NotifyStreamStopped()
}

// Config assembles the supervisor's collaborators and tuning knobs.
type Config struct {
	Runner     Runner
	Output     *OutputManager
	Notifier   Notifier
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	FFmpegPath string
	// PollInterval and PollAttempts bound the readiness wait; defaults are
	// 500ms and 20 attempts (10s total).
	PollInterval    time.Duration
	PollAttempts    int
	GracefulTimeout time.Duration
	// ExtraArgs are appended to the transcoder invocation before the output
	// playlist, for deployment-specific tuning.
	ExtraArgs []string
}

// Status reports the current supervisor state for the status endpoint.
type Status struct {
	State       State  `json:"state"`
	IsStreaming bool   `json:"isStreaming"`
	ChannelID   int    `json:"currentChannelId,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}

type session struct {
	channelID   int
	channelName string
	token       string
	dir         string
	playlist    string
	proc        Process
	cancel      context.CancelFunc
}

// Supervisor owns at most one live transcode session. Start and stop requests
// are serialized; a start request always replaces any existing session, even
// for the same channel, so a stalled subprocess can never survive a restart.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	// lifecycle serializes the full start/stop sequence including the
	// readiness poll. mu guards the state fields and is never held while
	// waiting on the subprocess.
	lifecycle sync.Mutex
	mu        sync.Mutex
	state     State
	current   *session
}

// NewSupervisor validates the configuration and returns an idle supervisor.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("output manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 20
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 2 * time.Second
	}
	return &Supervisor{cfg: cfg, logger: cfg.Logger, state: StateIdle}, nil
}

// StartStream replaces any active session with a fresh transcode of the given
// channel and blocks until the new session is ready or has failed. The
// returned message is suitable for direct display to the requesting user.
func (s *Supervisor) StartStream(ctx context.Context, channel models.Channel) (string, error) {
	// Abort an in-flight startup poll before queueing behind it.
	s.cancelCurrent()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stopLocked()

	dir, err := s.cfg.Output.Prepare(channel.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	// Leftovers from a crashed prior run of this channel must not be served.
	if err := s.cfg.Output.Cleanup(dir); err != nil {
		s.logger.Warn("pre-start cleanup failed", "dir", dir, "error", err)
	}

	token := uuid.NewString()[:8]
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		channelID:   channel.ID,
		channelName: channel.Name,
		token:       token,
		dir:         dir,
		playlist:    filepath.Join(dir, "stream.m3u8"),
		cancel:      cancel,
	}

	s.mu.Lock()
	s.state = StateStarting
	s.current = sess
	s.mu.Unlock()

	args := s.transcodeArgs(channel.URL, sess)
	proc, err := s.cfg.Runner.Start(s.cfg.FFmpegPath, args)
	if err != nil {
		s.logger.Error("transcoder spawn failed", "channel_id", channel.ID, "error", err)
		cancel()
		s.clearSession(sess)
		s.cfg.Metrics.StreamFailed("spawn")
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	sess.proc = proc

	s.logger.Info("transcoder started, waiting for playlist",
		"channel_id", channel.ID,
		"channel", channel.Name,
		"session", token,
		"playlist", sess.playlist)

	if err := s.awaitReady(ctx, sessCtx, sess); err != nil {
		s.teardown(sess)
		s.clearSession(sess)
		s.cfg.Metrics.StreamFailed(failureLabel(err))
		return "", err
	}

	s.mu.Lock()
	if s.current == sess {
		s.state = StateReady
	}
	s.mu.Unlock()

	s.cfg.Metrics.StreamStarted()
	s.logger.Info("stream ready", "channel_id", channel.ID, "channel", channel.Name, "session", token)
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifyChannelChanged(channel.ID, channel.Name)
	}
	return fmt.Sprintf("Playing %s", channel.Name), nil
}

// StopStream terminates the active session, removes its output files, and
// returns the supervisor to Idle. Stopping an idle supervisor is a no-op.
func (s *Supervisor) StopStream() {
	s.cancelCurrent()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stopLocked() {
		s.cfg.Metrics.StreamStopped()
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.NotifyStreamStopped()
		}
	}
}

// Status reports the current state and active channel, if any.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.state == StateReady && s.current != nil {
		st.IsStreaming = true
		st.ChannelID = s.current.channelID
		st.ChannelName = s.current.channelName
	}
	return st
}

// ActiveDir returns the output directory of the ready session, if one exists,
// for the playlist/segment file handler.
func (s *Supervisor) ActiveDir() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.current == nil {
		return "", false
	}
	return s.current.dir, true
}

// Close stops any active session. Intended for service shutdown.
func (s *Supervisor) Close() {
	s.StopStream()
}

func (s *Supervisor) cancelCurrent() {
	s.mu.Lock()
	if s.current != nil {
		s.current.cancel()
	}
	s.mu.Unlock()
}

// stopLocked tears down the current session, if any. Callers must hold
// lifecycle. Reports whether a session was actually stopped.
func (s *Supervisor) stopLocked() bool {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.state = StateIdle
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	s.teardown(sess)
	return true
}

// teardown terminates the subprocess and then empties the session directory.
// The ordering matters: the process must be confirmed stopped before its own
// files are removed.
func (s *Supervisor) teardown(sess *session) {
	sess.cancel()
	if sess.proc != nil {
		sess.proc.Terminate(s.cfg.GracefulTimeout)
	}
	if err := s.cfg.Output.Cleanup(sess.dir); err != nil {
		s.logger.Warn("session cleanup failed", "dir", sess.dir, "error", err)
	}
	s.logger.Info("session stopped", "channel_id", sess.channelID, "session", sess.token)
}

func (s *Supervisor) clearSession(sess *session) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// awaitReady polls for the playlist at a fixed interval until the subprocess
// exits, the poll budget runs out, or a concurrent stop aborts the wait.
func (s *Supervisor) awaitReady(ctx, sessCtx context.Context, sess *session) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < s.cfg.PollAttempts; attempt++ {
		select {
		case <-sessCtx.Done():
			return ErrStartAborted
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrStartAborted, ctx.Err())
		case <-sess.proc.Done():
			s.logger.Error("transcoder exited during startup",
				"channel_id", sess.channelID, "error", sess.proc.Err())
			return ErrProcessExited
		case <-ticker.C:
			if info, err := os.Stat(sess.playlist); err == nil && info.Size() > 0 {
				return nil
			}
		}
	}
	return ErrStartupTimeout
}

// transcodeArgs builds the ffmpeg invocation: a low-latency H.264/AAC encode
// writing a rolling six-segment HLS window with two-second segments. Segment
// names carry the session token so leftovers from a superseded session can
// never be referenced by the new playlist.
func (s *Supervisor) transcodeArgs(sourceURL string, sess *session) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", sourceURL,
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-crf", "15", "-maxrate", "15M", "-bufsize", "30M",
		"-force_key_frames", "expr:gte(t,n_forced*2)", "-sc_threshold", "0",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac", "-ar", "48000", "-b:a", "320k",
		"-f", "hls", "-hls_time", "2", "-hls_list_size", "6",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(sess.dir, fmt.Sprintf("seg_%s_%%03d.ts", sess.token)),
	}
	args = append(args, s.cfg.ExtraArgs...)
	return append(args, "-y", sess.playlist)
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrProcessExited):
		return "exited"
	case errors.Is(err, ErrStartupTimeout):
		return "timeout"
	case errors.Is(err, ErrStartAborted):
		return "aborted"
	default:
		return "error"
	}
}

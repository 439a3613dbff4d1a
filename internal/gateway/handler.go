package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetsynth/transcribe-gateway/internal/asr"
	"github.com/meetsynth/transcribe-gateway/internal/audio"
	"github.com/meetsynth/transcribe-gateway/internal/backend"
	"github.com/meetsynth/transcribe-gateway/internal/config"
	"github.com/meetsynth/transcribe-gateway/internal/observability"
	"github.com/meetsynth/transcribe-gateway/internal/session"
	"github.com/meetsynth/transcribe-gateway/internal/summary"
)

// SessionFactory builds the controller for one browser connection.
// token is the caller's backend token, empty when none was sent.
type SessionFactory func(sessionID, meetingID, token string) *session.Controller

// NewSessionFactory wires controllers to the meeting backend, the configured
// ASR provider and the live-session lock
func NewSessionFactory(cfg *config.Config, client *backend.Client, newChannel asr.Factory, locker session.Locker, logger zerolog.Logger) SessionFactory {
	return func(sessionID, meetingID, token string) *session.Controller {
		c := client
		if token != "" {
			c = client.WithToken(token)
		}
		return session.New(session.Options{
			SessionID:         sessionID,
			MeetingID:         meetingID,
			Backend:           c,
			NewChannel:        newChannel,
			Summary:           &summary.HTTPSource{Backend: c, Path: cfg.SummaryPath},
			Locker:            locker,
			SampleRate:        cfg.AudioSampleRate,
			FrameSize:         cfg.AudioFrameSize,
			SaveDebounce:      cfg.SaveDebounce(),
			FirstChunkTimeout: cfg.FirstChunkTimeout(),
			LockTTL:           cfg.LockTTL(),
			Logger:            logger,
		})
	}
}

// Handler upgrades /sessions/ws requests and runs one session per socket.
//
//	GET /sessions/ws?meeting_id=<id>[&token=<token>]
//
// The backend token may also be sent in the Token header.
// Hijacked sockets are invisible to http.Server.Shutdown, so the handler
// tracks its sessions itself; see Shutdown.
type Handler struct {
	NewSession SessionFactory
	VAD        audio.VADConfig
	Logger     zerolog.Logger

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewHandler creates a handler. Origins are checked by the fronting proxy.
func NewHandler(newSession SessionFactory, vad audio.VADConfig, logger zerolog.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		ctx:        ctx,
		cancel:     cancel,
		NewSession: newSession,
		VAD:        vad,
		Logger:     logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// VADConfigFrom maps the VAD settings in cfg
func VADConfigFrom(cfg *config.Config) audio.VADConfig {
	return audio.VADConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		SilenceFrames:   cfg.VADSilenceFrames,
		FrameSize:       cfg.AudioFrameSize / 2,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	meetingID := r.URL.Query().Get("meeting_id")
	if meetingID == "" {
		http.Error(w, "meeting_id is required", http.StatusBadRequest)
		return
	}
	token := r.Header.Get(backend.TokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.Logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	sessionID := observability.NewCorrelationID()
	logger := observability.SessionLogger(h.Logger, sessionID, meetingID)
	logger.Info().Str("remote", r.RemoteAddr).Msg("Session connected")

	start := time.Now()
	conn := newConnection(ws, h.NewSession(sessionID, meetingID, token), h.VAD, logger)
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(h.ctx, cancel)
	conn.serve(ctx)
	stop()
	cancel()

	logger.Info().Dur("duration", time.Since(start)).Msg("Session ended")
}

// Shutdown refuses new sessions, ends the open ones and waits until each
// has run its final save, or until ctx is done
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.Logger.Info().Msg("All sessions closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

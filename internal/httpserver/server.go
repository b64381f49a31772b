// Package httpserver exposes the carrier-facing HTTP surface: webhook
// endpoints answering inbound calls with stream-connect documents, and the
// media-stream WebSocket endpoints that hand each call to a session engine.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/Omkarthipparthi/voice-agent/internal/config"
	"github.com/Omkarthipparthi/voice-agent/internal/llm"
	"github.com/Omkarthipparthi/voice-agent/internal/middleware"
	"github.com/Omkarthipparthi/voice-agent/internal/session"
	"github.com/Omkarthipparthi/voice-agent/internal/storage"
	"github.com/Omkarthipparthi/voice-agent/internal/telephony"
	"github.com/Omkarthipparthi/voice-agent/internal/transcript"
	"github.com/Omkarthipparthi/voice-agent/internal/tts"
)

const sttConnectTimeout = 10 * time.Second

// Server bundles the Echo router with the per-call session wiring.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader
	archiver session.Archiver
}

// New constructs the HTTP server with routes. Transcript archival is enabled
// only when the Supabase credentials are fully configured.
func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			// carriers connect server-to-server, no browser origin to check
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" && cfg.SupabaseBucket != "" {
		archiver, err := storage.NewSupabase(storage.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			logger.Warn("supabase disabled", "err", err)
		} else {
			s.archiver = archiver
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	if cfg.TwilioAuthToken != "" {
		e.Use(middleware.TwilioAuth(func() string { return cfg.TwilioAuthToken }))
	}

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Voice agent server is running")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/incoming-call/:provider", s.handleIncomingCall)
	e.POST("/incoming-call/:provider", s.handleIncomingCall)
	e.GET("/media-stream/:provider", s.handleMediaStream)

	// legacy Twilio-only paths kept for deployed webhook configurations
	e.GET("/incoming-call", s.handleIncomingCall)
	e.POST("/incoming-call", s.handleIncomingCall)
	e.GET("/media-stream", s.handleMediaStream)

	s.echo = e
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves HTTP on the configured address until Shutdown.
func (s *Server) Start() error {
	if err := s.echo.Start(s.cfg.HTTPAddress); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server. Active media-stream sessions end when
// their WebSocket connections close.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func providerFor(name string) (telephony.Provider, bool) {
	switch name {
	case "", "twilio":
		return telephony.Twilio{}, true
	case "telnyx":
		return telephony.Telnyx{}, true
	default:
		return nil, false
	}
}

// forwardedHost resolves the externally visible host so the answer document
// points the carrier back at us through any reverse proxy in front.
func forwardedHost(r *http.Request) string {
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		return h
	}
	if h := r.Header.Get("X-Original-Host"); h != "" {
		return h
	}
	return r.Host
}

// handleIncomingCall answers the carrier's inbound-call webhook with an XML
// document instructing it to open a media stream back to this server.
func (s *Server) handleIncomingCall(c echo.Context) error {
	provider, ok := providerFor(c.Param("provider"))
	if !ok {
		return c.String(http.StatusNotFound, "unknown telephony provider")
	}
	host := forwardedHost(c.Request())
	s.logger.Info("incoming call", "provider", provider.Name(), "host", host)
	// the documents carry their own XML declaration
	return c.Blob(http.StatusOK, echo.MIMETextXMLCharsetUTF8, []byte(provider.AnswerDocument(host)))
}

// handleMediaStream upgrades to WebSocket and runs one session engine for
// the lifetime of the call.
func (s *Server) handleMediaStream(c echo.Context) error {
	provider, ok := providerFor(c.Param("provider"))
	if !ok {
		return c.String(http.StatusNotFound, "unknown telephony provider")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "provider", provider.Name(), "err", err)
		return nil
	}
	carrier := &carrierConn{conn: conn}
	defer carrier.Close()

	s.logger.Info("media stream connected", "provider", provider.Name())

	stt := transcript.NewLive(s.cfg.DeepgramKey, s.logger)
	connectCtx, cancel := context.WithTimeout(context.Background(), sttConnectTimeout)
	err = stt.Connect(connectCtx)
	cancel()
	if err != nil {
		s.logger.Error("transcription connect failed", "err", err)
		return nil
	}

	engine := session.New(provider, carrier, stt, s.generator(), s.synthesizer(),
		session.WithLogger(s.logger),
		session.WithSystemPrompt(s.cfg.SystemPrompt),
		session.WithArchiver(s.archiver),
	)
	// the session outlives the handler's request context once hijacked
	if err := engine.Run(context.Background()); err != nil {
		s.logger.Error("session ended with error", "err", err)
	}
	return nil
}

func (s *Server) generator() session.Generator {
	return llm.NewGroqClient(s.cfg.GroqKey, s.cfg.GroqModelID)
}

func (s *Server) synthesizer() session.Synthesizer {
	if strings.EqualFold(s.cfg.TTSProvider, "elevenlabs") && s.cfg.ElevenLabsKey != "" {
		return tts.NewElevenLabsClient(s.cfg.ElevenLabsKey, s.cfg.ElevenLabsVoiceID)
	}
	return tts.NewDeepgramClient(s.cfg.DeepgramKey, "")
}

// carrierConn adapts a gorilla WebSocket connection to the session engine's
// carrier interface. Writes are serialized because the engine's pumps and
// reply goroutine may write concurrently.
type carrierConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *carrierConn) ReadMessage() ([]byte, error) {
	_, p, err := c.conn.ReadMessage()
	return p, err
}

func (c *carrierConn) WriteMessage(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

func (c *carrierConn) Close() error {
	return c.conn.Close()
}

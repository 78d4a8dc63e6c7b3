package gesture

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// ServerConfig holds the websocket frame-feed configuration.
type ServerConfig struct {
	ReadTimeout     time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	FrameBuffer     int
	// AllowedOrigins for the browser classifier; empty allows any origin.
	AllowedOrigins []string
}

// DefaultServerConfig returns the production frame-feed settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadTimeout:     60 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		FrameBuffer:     8,
	}
}

// FrameServer accepts the external classifier's frame stream. The classifier
// runs in a browser process, connects cross-origin over a websocket, and
// pushes one JSON Frame per video frame.
type FrameServer struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	frames   chan Frame
}

// NewFrameServer builds the frame feed.
func NewFrameServer(cfg ServerConfig) *FrameServer {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultServerConfig().FrameBuffer
	}
	return &FrameServer{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Cross-origin policy is enforced by the CORS layer around the
			// handler; the upgrade itself accepts any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		frames: make(chan Frame, cfg.FrameBuffer),
	}
}

// Frames returns the decoded frame stream.
func (s *FrameServer) Frames() <-chan Frame { return s.frames }

// Handler mounts the frame endpoint behind the CORS policy.
func (s *FrameServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/frames", s.handleFrames)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(mux)
}

func (s *FrameServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("frame feed upgrade failed")
		return
	}
	defer conn.Close()

	log.Info().Str("remote", r.RemoteAddr).Msg("classifier connected")

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("frame feed closed unexpectedly")
			} else {
				log.Info().Msg("classifier disconnected")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("malformed frame, dropping")
			continue
		}
		s.push(frame)
	}
}

// push enqueues a frame, evicting the stalest one under backpressure: a
// newer frame always supersedes an older one.
func (s *FrameServer) push(frame Frame) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
			select {
			case <-s.frames:
			default:
			}
		}
	}
}

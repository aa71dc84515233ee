package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const shutdownTimeout = 10 * time.Second

// Server is the hub HTTP server.
type Server struct {
	cfg        *Config
	log        zerolog.Logger
	auth       *AuthGate
	hub        *Hub
	ingress    *Ingress
	counter    *Counter
	store      Store // nil when persistence is disabled
	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
}

// New creates the hub server. store may be nil.
func New(cfg *Config, store Store, log zerolog.Logger) (*Server, error) {
	counter, err := NewCounter(context.Background(), store, log)
	if err != nil {
		return nil, err
	}

	auth := NewAuthGate(cfg.Token)
	hub := NewHub(log, NewRegistry(), cfg.WriteTimeout)

	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		auth:    auth,
		hub:     hub,
		ingress: NewIngress(log, auth, hub, store, cfg.MaxDurationMS),
		counter: counter,
		store:   store,
		wsUpgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.OriginAllowed(r.Header.Get("Origin"))
			},
		},
	}

	s.setupRouter(log)
	return s, nil
}

func (s *Server) setupRouter(log zerolog.Logger) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.With().Str("component", "http").Logger()))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(s.securityHeaders)

	// Overlay and counter
	r.Get("/", s.handleOverlay)
	r.Get("/add", s.handleAdd)
	r.Get("/set", s.handleSet)
	r.Get("/reset", s.handleReset)
	r.Get("/count", s.handleCount)

	r.Get("/gift-tester.html", s.handleTester)
	r.Get("/health", s.handleHealth)

	// Triggers and agents
	r.Post("/gift", s.handleGift)
	r.Get("/ws", s.handleWebSocket)

	// Inspection
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/connections", s.handleConnections)
		r.Get("/triggers", s.handleTriggers)
	})

	s.router = r
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request")
}

// cors allows cross-origin calls from the allowed origins, or any origin when
// none are configured.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.cfg.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if h := r.Header.Get("Access-Control-Request-Headers"); h != "" {
				w.Header().Set("Access-Control-Allow-Headers", h)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken rejects requests without the shared token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authenticate(TokenFromRequest(r)) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then closes agent connections with a
// going-away frame and drains HTTP requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Str("version", VersionInfo()).Msg("starting hub server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	// Hijacked WebSocket connections are not tracked by http.Server.
	s.hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the broadcast hub (for testing).
func (s *Server) Hub() *Hub {
	return s.hub
}

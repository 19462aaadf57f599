package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hubertat/swout"
)

const shutdownTimeoutSeconds = 10

// Outputs is the output registry as seen by the api.
type Outputs interface {
	List() []swout.Output
	Get(id uint64) (swout.Output, error)
	Create(ctx context.Context, name string, pin int) (swout.Output, error)
	Update(ctx context.Context, id uint64, name string, pin int) (swout.Output, error)
	Delete(ctx context.Context, id uint64) error
	Enable(ctx context.Context, id uint64) (swout.Output, error)
	Disable(ctx context.Context, id uint64) (swout.Output, error)
}

type Authenticator interface {
	Authenticate(username, password string) error
}

type Config struct {
	Addr        string
	TokenTtl    time.Duration
	AllowOrigin string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		TokenTtl:     24 * time.Hour,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type Server struct {
	outputs     Outputs
	auth        Authenticator
	tokens      *TokenStore
	allowOrigin string
	logger      *log.Logger

	router     *httprouter.Router
	httpServer *http.Server
}

func NewServer(cfg Config, outputs Outputs, auth Authenticator) *Server {
	s := &Server{
		outputs:     outputs,
		auth:        auth,
		tokens:      NewTokenStore(cfg.TokenTtl),
		allowOrigin: cfg.AllowOrigin,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "Api",
			Level:  log.GetLevel(),
		}),
		router: httprouter.New(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) SetLogger(logger *log.Logger) {
	s.logger = logger
}

func (s *Server) registerRoutes() {
	s.router.POST("/api/token", s.handleToken)
	s.router.DELETE("/api/token", s.withAuth(s.handleLogout))

	s.router.GET("/api/outputs", s.withAuth(s.handleList))
	s.router.POST("/api/outputs", s.withAuth(s.handleCreate))
	s.router.GET("/api/outputs/:id", s.withAuth(s.handleShow))
	s.router.PUT("/api/outputs/:id", s.withAuth(s.handleUpdate))
	s.router.DELETE("/api/outputs/:id", s.withAuth(s.handleDelete))
	s.router.POST("/api/outputs/:id/enable", s.withAuth(s.handleEnable))
	s.router.POST("/api/outputs/:id/disable", s.withAuth(s.handleDisable))

	s.router.GET("/health", s.handleHealth)

	s.router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", w.Header().Get("Allow"))
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fail(w, http.StatusNotFound, "Not found", map[string]interface{}{"route": r.URL.Path}, nil)
	})
	s.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fail(w, http.StatusMethodNotAllowed, "Method not allowed", map[string]interface{}{"method": r.Method}, nil)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// Handler serves the api with cors headers and request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowOrigin) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin)
		}

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		started := time.Now()
		s.router.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "code", rec.code, "took", time.Since(started))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (s *Server) withAuth(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		id := bearerToken(r)
		if len(id) == 0 {
			fail(w, http.StatusUnauthorized, "Unauthenticated.", map[string]interface{}{"authentication": "Missing bearer token."}, nil)
			return
		}
		if _, ok := s.tokens.Get(id); !ok {
			fail(w, http.StatusUnauthorized, "Unauthenticated.", map[string]interface{}{"authentication": "Invalid or expired token."}, nil)
			return
		}
		handle(w, r, p)
	}
}

func (s *Server) purgeTokens(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := s.tokens.Purge(); purged > 0 {
				s.logger.Debug("purged expired tokens", "count", purged)
			}
		}
	}
}

// Start serves until ctx is done, then shuts the server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	go s.purgeTokens(ctx, time.Hour)

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "api shutdown failed")
		}
		return nil
	case err := <-errChan:
		return errors.Wrap(err, "api server failed")
	}
}

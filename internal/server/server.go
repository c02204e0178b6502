// Package server exposes the assistant over HTTP: account routes, the three
// request kinds, per-user history and health.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bull/medassist/internal/assistant"
	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/store"
	"github.com/bull/medassist/internal/vectorindex"
)

// Authenticator registers users and checks tokens.
type Authenticator interface {
	Register(ctx context.Context, email, password string) (store.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	Verify(token string) (string, error)
}

// Assistant serves the three request kinds.
type Assistant interface {
	AskText(ctx context.Context, userID, query string) (*assistant.Reply, error)
	AskImage(ctx context.Context, userID, filename string, r io.Reader, question string) (*assistant.Reply, error)
	SummarizePDF(ctx context.Context, userID, filename string, r io.Reader) (*assistant.Reply, error)
}

// HistoryReader lists a user's past requests, newest first.
type HistoryReader interface {
	RecentQueryLogs(ctx context.Context, userID string, limit int) ([]domain.QueryLogEntry, error)
}

// IndexStatus reports the state of the published indexes.
type IndexStatus interface {
	Status(ctx context.Context) []vectorindex.Status
}

// Options wires a Server.
type Options struct {
	Addr            string
	Auth            Authenticator
	Assistant       Assistant
	History         HistoryReader
	Indexes         IndexStatus
	MCP             http.Handler // mounted at /mcp when set
	CORSOrigins     []string
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxUploadBytes  int64
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the HTTP front of the assistant.
type Server struct {
	opts    Options
	logger  *slog.Logger
	handler http.Handler
}

// New builds the route table and middleware chain.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{opts: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /query-text-rag", s.handleQueryText)
	mux.HandleFunc("POST /upload-image", s.handleUploadImage)
	mux.HandleFunc("POST /upload-pdf", s.handleUploadPDF)
	mux.HandleFunc("POST /history", s.handleHistory)
	if opts.MCP != nil {
		mux.Handle("/mcp", opts.MCP)
	}

	s.handler = Chain(mux,
		Recover(s.logger),
		Logger(s.logger),
		CORS(opts.CORSOrigins),
		OTel("medassist"),
		RateLimit(opts.RateLimitRPS, opts.RateLimitBurst),
	)
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// requestContext bounds a handler's upstream calls by the request timeout.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

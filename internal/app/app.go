// Package app builds the object graph shared by the command-line tools from
// a loaded configuration. Nothing here is a package-level singleton: every
// client is constructed once and injected.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nats-io/nats.go"

	"github.com/bull/medassist/internal/answer"
	"github.com/bull/medassist/internal/assistant"
	"github.com/bull/medassist/internal/auth"
	"github.com/bull/medassist/internal/chunk"
	"github.com/bull/medassist/internal/config"
	"github.com/bull/medassist/internal/embedding"
	ghclient "github.com/bull/medassist/internal/github"
	"github.com/bull/medassist/internal/ingest"
	"github.com/bull/medassist/internal/mcp"
	"github.com/bull/medassist/internal/pdftext"
	"github.com/bull/medassist/internal/querylog"
	"github.com/bull/medassist/internal/retrieval"
	"github.com/bull/medassist/internal/server"
	"github.com/bull/medassist/internal/store"
	"github.com/bull/medassist/internal/vectorindex"
)

// App holds the clients every command needs: the OpenAI client, both
// embedders and the index backend.
type App struct {
	Config        *config.AppConfig
	Logger        *slog.Logger
	OpenAI        *embedding.Client
	TextEmbedder  *embedding.TextEmbedder
	ImageEmbedder *embedding.ImageEmbedder
	Index         vectorindex.Backend

	closers []func(context.Context) error
}

// Open connects the embedding providers and the index backend.
func Open(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	client, err := embedding.NewClient(embedding.Config{
		APIKey:  cfg.Embedding.APIKey,
		BaseURL: cfg.Embedding.BaseURL,
		Timeout: config.Seconds(cfg.Embedding.TimeoutSecs),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	a.OpenAI = client
	a.TextEmbedder = embedding.NewTextEmbedder(client, embedding.TextOptions{
		BatchSize:         cfg.Embedding.BatchSize,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Logger:            logger,
	})
	a.ImageEmbedder = embedding.NewImageEmbedder(embedding.ImageOptions{
		BaseURL:   cfg.Embedding.Image.BaseURL,
		Model:     cfg.Embedding.Image.Model,
		Dimension: cfg.Embedding.Image.Dimension,
		Timeout:   config.Seconds(cfg.Embedding.Image.TimeoutSecs),
		Logger:    logger,
	})

	switch cfg.Index.Backend {
	case "qdrant":
		qs, err := vectorindex.NewQdrantStore(ctx, vectorindex.QdrantOptions{
			Host:           cfg.Index.Qdrant.Host,
			Port:           cfg.Index.Qdrant.Port,
			APIKey:         cfg.Index.Qdrant.APIKey,
			Prefix:         cfg.Index.Qdrant.Prefix,
			TextDimension:  a.TextEmbedder.Dimension(),
			ImageDimension: a.ImageEmbedder.Dimension(),
			SidecarPath:    filepath.Join(cfg.Index.Dir, vectorindex.SidecarFile),
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		a.Index = qs
		a.onClose(func(context.Context) error { return qs.Close() })
	default:
		a.Index = vectorindex.NewStore(vectorindex.StoreOptions{
			Dir:            cfg.Index.Dir,
			TextDimension:  a.TextEmbedder.Dimension(),
			ImageDimension: a.ImageEmbedder.Dimension(),
			Logger:         logger,
		})
	}
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Pipeline returns an ingestion pipeline publishing into the index backend.
func (a *App) Pipeline() *ingest.Pipeline {
	return ingest.NewPipeline(ingest.Options{
		Extractor:     pdftext.NewExtractor(),
		Window:        chunk.Default(),
		TextEmbedder:  a.TextEmbedder,
		ImageEmbedder: a.ImageEmbedder,
		Writer:        a.Index,
		Logger:        a.Logger,
	})
}

// Engine returns a retrieval engine over the index backend.
func (a *App) Engine() *retrieval.Engine {
	return retrieval.NewEngine(retrieval.Options{
		TextEmbedder:  a.TextEmbedder,
		ImageEmbedder: a.ImageEmbedder,
		Index:         a.Index,
		TopK:          a.Config.Generation.TopK,
		Logger:        a.Logger,
	})
}

// Generator returns the answer generator sharing the OpenAI client.
func (a *App) Generator() *answer.Generator {
	return answer.NewGenerator(a.OpenAI.Client(), answer.Options{
		Model:            a.Config.Generation.Model,
		MaxTokens:        a.Config.Generation.MaxTokens,
		Temperature:      a.Config.Generation.Temperature,
		MaxContextTokens: a.Config.Generation.MaxContextTokens,
		Logger:           a.Logger,
	})
}

// Fetcher returns the GitHub source fetcher, or nil when no source
// repository is configured.
func (a *App) Fetcher(token string) (*ghclient.Fetcher, error) {
	src := a.Config.Source
	if src.Owner == "" || src.Repo == "" {
		return nil, nil
	}
	client, err := ghclient.NewClient(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	return ghclient.NewFetcher(client, src.Owner, src.Repo, src.Path, src.Ref, a.Logger), nil
}

// OpenStore connects the configured user and query log store.
func (a *App) OpenStore(ctx context.Context) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch a.Config.Store.Driver {
	case "sqlite":
		s, err = store.NewSQLiteStore(ctx, a.Config.Store.SQLitePath)
	default:
		s, err = store.NewMongoStore(ctx, a.Config.Store.MongoURI, a.Config.Store.Database)
	}
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)
	return s, nil
}

// QueryLog returns the fire-and-forget logger writing to db and, when
// configured, publishing on NATS.
func (a *App) QueryLog(db store.Store) (*querylog.Logger, error) {
	sinks := []querylog.Sink{db}
	if url := a.Config.QueryLog.NATSURL; url != "" {
		nc, err := nats.Connect(url, nats.Name("medassist"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.onClose(func(context.Context) error { return nc.Drain() })
		sinks = append(sinks, querylog.NewNATSSink(nc, a.Config.QueryLog.Subject))
	}
	ql := querylog.New(a.Logger, sinks...)
	a.onClose(func(context.Context) error { ql.Wait(); return nil })
	return ql, nil
}

// ServerOptions holds what the HTTP server needs beyond the App.
type ServerOptions struct {
	GitHubToken string
}

// Server assembles the HTTP server: store, auth, query log, assistant and
// (when enabled) the MCP endpoint.
func (a *App) Server(ctx context.Context, opts ServerOptions) (*server.Server, error) {
	cfg := a.Config
	if cfg.UsingDefaultSecret() {
		a.Logger.Warn("SECRET_KEY not set, signing tokens with the built-in development secret")
	}

	db, err := a.OpenStore(ctx)
	if err != nil {
		return nil, err
	}
	ql, err := a.QueryLog(db)
	if err != nil {
		return nil, err
	}
	authSvc, err := auth.NewService(db, auth.Options{
		Secret:   []byte(cfg.Auth.Secret),
		TokenTTL: config.Seconds(cfg.Auth.TokenTTLHours * 3600),
	})
	if err != nil {
		return nil, err
	}

	engine := a.Engine()
	gen := a.Generator()
	maxUpload := int64(cfg.Server.MaxUploadMB) << 20

	asst := assistant.NewService(assistant.Options{
		Retriever: engine,
		Answerer:  gen,
		Extractor: pdftext.NewExtractor(),
		Window:    chunk.Default(),
		Recorder:  ql,
		UploadDir: cfg.Server.UploadDir,
		MaxUpload: maxUpload,
		Logger:    a.Logger,
	})

	srvOpts := server.Options{
		Addr:            ":" + cfg.Server.Port,
		Auth:            authSvc,
		Assistant:       asst,
		History:         db,
		Indexes:         a.Index,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		MaxUploadBytes:  maxUpload,
		RequestTimeout:  config.Seconds(cfg.Generation.TimeoutSecs),
		ShutdownTimeout: config.Seconds(cfg.Server.ShutdownTimeout),
		Logger:          a.Logger,
	}
	if cfg.Server.MCPEnabled {
		mcpServer, err := a.MCP(ql, opts.GitHubToken)
		if err != nil {
			return nil, err
		}
		srvOpts.MCP = mcp.NewHTTPHandler(mcpServer)
	}
	return server.New(srvOpts), nil
}

// MCP builds the MCP server over the retrieval engine and generator.
func (a *App) MCP(recorder mcp.Recorder, githubToken string) (*mcp.Server, error) {
	fetcher, err := a.Fetcher(githubToken)
	if err != nil {
		return nil, err
	}
	return mcp.NewServer(&mcp.Config{
		Engine:   a.Engine(),
		Answerer: a.Generator(),
		Indexes:  a.Index,
		Recorder: recorder,
		DataDir:  a.Config.DataDir,
		Fetcher:  fetcher,
	}), nil
}

package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/medassist/internal/domain"
	ghclient "github.com/bull/medassist/internal/github"
	"github.com/bull/medassist/internal/retrieval"
	"github.com/bull/medassist/internal/vectorindex"
)

// MCPUserID is recorded on query log entries produced through MCP.
const MCPUserID = "mcp"

// TextSearcher retrieves chunks from the text index.
type TextSearcher interface {
	QueryText(ctx context.Context, query string) (*retrieval.TextResult, error)
	SearchText(ctx context.Context, query string, k int) (*retrieval.TextResult, error)
}

// Answerer generates an answer from retrieved context.
type Answerer interface {
	ComposeAndGenerate(ctx context.Context, contextItems []string, userInput string, modality domain.Modality) (string, error)
	Model() string
}

// Recorder receives query log entries.
type Recorder interface {
	Append(ctx context.Context, entry domain.QueryLogEntry)
}

// IndexStatus reports the published indexes.
type IndexStatus interface {
	Status(ctx context.Context) []vectorindex.Status
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies. Fetcher and Recorder are optional.
type Config struct {
	Engine   TextSearcher
	Answerer Answerer
	Indexes  IndexStatus
	Recorder Recorder
	DataDir  string
	Fetcher  *ghclient.Fetcher
	Version  string
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "v0.1.0"
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "medassist",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_medical_text",
		Description: "Search the indexed medical documents semantically. Returns matching passages with their source document and page.",
	}, makeSearchHandler(cfg.Engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_medical_question",
		Description: "Answer a medical question using passages retrieved from the indexed documents.",
	}, makeAskHandler(cfg.Engine, cfg.Answerer, cfg.Recorder))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_index_status",
		Description: "Get the status of the text and image indexes (row counts, dimensions, build time) and the freshness of the mirrored sources.",
	}, makeStatusHandler(cfg.Indexes, cfg.DataDir, cfg.Fetcher))

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/vectorindex"
)

// connect serves cfg over in-memory transports and returns a client session.
func connect(t *testing.T, cfg *Config) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := NewServer(cfg)
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	ss, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func testConfig(rec *captureRecorder) *Config {
	return &Config{
		Engine:   &fakeEngine{result: sampleResult()},
		Answerer: fakeAnswerer{},
		Indexes:  staticStatus{{Kind: vectorindex.KindText, Exists: true, Rows: 2}},
		Recorder: rec,
		DataDir:  "",
	}
}

type inputSchema struct {
	Required   []string       `json:"required"`
	Properties map[string]any `json:"properties"`
}

func TestNewServer_ListsTools(t *testing.T) {
	cs := connect(t, testConfig(&captureRecorder{}))

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	schemas := map[string]inputSchema{}
	for _, tool := range res.Tools {
		raw, err := json.Marshal(tool.InputSchema)
		require.NoError(t, err)
		var s inputSchema
		require.NoError(t, json.Unmarshal(raw, &s))
		schemas[tool.Name] = s
	}

	require.Len(t, schemas, 3)
	assert.Contains(t, schemas, "search_medical_text")
	assert.Contains(t, schemas, "ask_medical_question")
	assert.Contains(t, schemas, "get_index_status")

	assert.Equal(t, []string{"query"}, schemas["search_medical_text"].Required)
	assert.Contains(t, schemas["search_medical_text"].Properties, "max_results")
	assert.Equal(t, []string{"question"}, schemas["ask_medical_question"].Required)
}

func TestNewServer_CallAskTool(t *testing.T) {
	rec := &captureRecorder{}
	cs := connect(t, testConfig(rec))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ask_medical_question",
		Arguments: map[string]any{"question": "what does high creatinine mean?"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out AskQuestionOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "answer to what does high creatinine mean?", out.Answer)
	assert.Equal(t, []string{"nephro.pdf"}, out.Sources)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, domain.ModalityText, rec.entries[0].QueryType)
}

func TestNewServer_CallStatusTool(t *testing.T) {
	cs := connect(t, testConfig(&captureRecorder{}))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "get_index_status",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out StatusOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Indexes, 1)
	assert.Equal(t, "text", out.Indexes[0].Kind)
	assert.Equal(t, 2, out.Indexes[0].Rows)
}

func TestNewServer_RejectsMissingQuery(t *testing.T) {
	cs := connect(t, testConfig(&captureRecorder{}))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "search_medical_text",
		Arguments: map[string]any{},
	})
	if err == nil {
		assert.True(t, res.IsError)
	}
}

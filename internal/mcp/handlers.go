package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/medassist/internal/domain"
	ghclient "github.com/bull/medassist/internal/github"
	"github.com/bull/medassist/internal/vectorindex"
)

// staleThreshold is how many upstream commits make the index stale.
const staleThreshold = 20

// makeSearchHandler creates the search_medical_text tool handler.
// Search flow:
// 1. Embed the query and search the text index for MaxResults chunks
// 2. Drop chunks under MinScore
// 3. Return chunk content with provenance
func makeSearchHandler(engine TextSearcher) func(
	context.Context, *mcp.CallToolRequest, SearchTextInput,
) (*mcp.CallToolResult, SearchTextOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchTextInput) (
		*mcp.CallToolResult, SearchTextOutput, error,
	) {
		maxResults := input.MaxResults
		if maxResults <= 0 {
			maxResults = 3
		}
		if maxResults > 20 {
			maxResults = 20
		}

		result, err := engine.SearchText(ctx, input.Query, maxResults)
		if err != nil {
			return nil, SearchTextOutput{}, fmt.Errorf("search failed: %w", err)
		}

		results := make([]ChunkResult, 0, len(result.Hits))
		for _, h := range result.Hits {
			if float64(h.Score) < input.MinScore {
				continue
			}
			results = append(results, ChunkResult{
				SourcePath:    h.Chunk.SourcePath,
				Page:          h.Chunk.Page,
				SequenceIndex: h.Chunk.SequenceIndex,
				Content:       h.Chunk.Content,
				Score:         float64(h.Score),
			})
		}

		if len(results) == 0 {
			return nil, SearchTextOutput{
				Results: []ChunkResult{},
				Message: "No matching passages found. Try broader search terms.",
			}, nil
		}
		return nil, SearchTextOutput{Results: results}, nil
	}
}

// makeAskHandler creates the ask_medical_question tool handler. It runs the
// same text path as the HTTP route and logs under the "mcp" user.
func makeAskHandler(engine TextSearcher, answerer Answerer, recorder Recorder) func(
	context.Context, *mcp.CallToolRequest, AskQuestionInput,
) (*mcp.CallToolResult, AskQuestionOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskQuestionInput) (
		*mcp.CallToolResult, AskQuestionOutput, error,
	) {
		result, err := engine.QueryText(ctx, input.Question)
		if err != nil {
			return nil, AskQuestionOutput{}, fmt.Errorf("retrieval failed: %w", err)
		}

		answer, err := answerer.ComposeAndGenerate(ctx, result.Contents(), input.Question, domain.ModalityText)
		if err != nil {
			return nil, AskQuestionOutput{}, fmt.Errorf("generation failed: %w", err)
		}

		sources := []string{}
		seen := map[string]bool{}
		for _, h := range result.Hits {
			if p := h.Chunk.SourcePath; p != "" && !seen[p] {
				seen[p] = true
				sources = append(sources, p)
			}
		}

		if recorder != nil {
			recorder.Append(ctx, domain.NewQueryLogEntry(MCPUserID, domain.ModalityText,
				input.Question, answer, answerer.Model(), time.Now()))
		}
		return nil, AskQuestionOutput{Answer: answer, Sources: sources, Model: answerer.Model()}, nil
	}
}

// makeStatusHandler creates the get_index_status tool handler.
// Returns both index statuses plus, when the data directory was filled by
// the fetch command, the mirrored commit and how far upstream has moved.
func makeStatusHandler(indexes IndexStatus, dataDir string, fetcher *ghclient.Fetcher) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		out := StatusOutput{Indexes: indexInfos(indexes.Status(ctx))}

		manifest, err := ghclient.ReadManifest(dataDir)
		if err != nil {
			// Sources were not fetched from GitHub; nothing more to report.
			return nil, out, nil
		}
		out.SourceRepo = manifest.Owner + "/" + manifest.Repo
		out.SourceCommit = manifest.CommitSHA
		out.LastFetchTime = manifest.FetchedAt.Format(time.RFC3339)

		if manifest.CommitSHA != "" && fetcher != nil {
			// If GitHub API fails, leave CommitsBehind nil (not an error for the tool)
			if behind, err := fetcher.CommitsBehind(ctx, manifest.CommitSHA); err == nil {
				out.CommitsBehind = &behind
				if behind > staleThreshold {
					out.StaleWarning = fmt.Sprintf("Sources are %d commits behind GitHub. Consider refetching and rebuilding.", behind)
				}
			}
		}
		return nil, out, nil
	}
}

func indexInfos(statuses []vectorindex.Status) []IndexInfo {
	out := make([]IndexInfo, len(statuses))
	for i, st := range statuses {
		out[i] = IndexInfo{
			Kind:      string(st.Kind),
			Location:  st.Location,
			Exists:    st.Exists,
			Rows:      st.Rows,
			Dimension: st.Dimension,
			Metric:    string(st.Metric),
			Error:     st.Error,
		}
		if !st.BuiltAt.IsZero() {
			out[i].BuiltAt = st.BuiltAt.Format(time.RFC3339)
		}
	}
	return out
}

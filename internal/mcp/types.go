// Package mcp exposes medical retrieval and answering as MCP tools.
package mcp

// SearchTextInput defines the input parameters for the search_medical_text tool.
type SearchTextInput struct {
	// Query is the natural-language search query.
	Query string `json:"query" jsonschema:"The medical question or phrase to search the indexed documents for"`
	// MaxResults is the maximum number of chunks to return.
	MaxResults int `json:"max_results,omitempty" jsonschema:"Maximum number of chunks to return, 1 to 20 (default 3)"`
	// MinScore drops chunks below this cosine similarity.
	MinScore float64 `json:"min_score,omitempty" jsonschema:"Minimum cosine similarity between 0 and 1 (default 0)"`
}

// SearchTextOutput contains the retrieved chunks, most similar first.
type SearchTextOutput struct {
	Results []ChunkResult `json:"results"`
	Message string        `json:"message,omitempty"`
}

// ChunkResult is one retrieved chunk.
type ChunkResult struct {
	SourcePath    string  `json:"source_path"`
	Page          int     `json:"page,omitempty"`
	SequenceIndex int     `json:"sequence_index"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
}

// AskQuestionInput defines the input parameters for the ask_medical_question tool.
type AskQuestionInput struct {
	Question string `json:"question" jsonschema:"The medical question to answer from the indexed documents"`
}

// AskQuestionOutput is the generated answer and the documents it drew on.
type AskQuestionOutput struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
	Model   string   `json:"model"`
}

// StatusInput takes no parameters.
type StatusInput struct{}

// StatusOutput describes the published indexes and the freshness of the
// mirrored sources.
type StatusOutput struct {
	Indexes       []IndexInfo `json:"indexes"`
	SourceRepo    string      `json:"source_repo,omitempty"`
	SourceCommit  string      `json:"source_commit,omitempty"`
	LastFetchTime string      `json:"last_fetch_time,omitempty"`
	CommitsBehind *int        `json:"commits_behind,omitempty"`
	StaleWarning  string      `json:"stale_warning,omitempty"`
}

// IndexInfo is one published index as reported by get_index_status.
type IndexInfo struct {
	Kind      string `json:"kind"`
	Location  string `json:"location"`
	Exists    bool   `json:"exists"`
	Rows      int    `json:"rows"`
	Dimension int    `json:"dimension,omitempty"`
	Metric    string `json:"metric,omitempty"`
	BuiltAt   string `json:"built_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

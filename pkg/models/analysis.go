package models

// IssueSeverity grades how disruptive a consistency issue is to a reader
type IssueSeverity string

const (
	SeverityLow    IssueSeverity = "low"
	SeverityMedium IssueSeverity = "medium"
	SeverityHigh   IssueSeverity = "high"
)

// ConsistencyIssue is a single finding in a manuscript
type ConsistencyIssue struct {
	Type        string        `json:"type"`
	Severity    IssueSeverity `json:"severity"`
	Location    string        `json:"location"`
	Explanation string        `json:"explanation"`
	Suggestion  string        `json:"suggestion,omitempty"`
	ChunkIndex  int           `json:"chunk_index,omitempty"`
}

// ConsistencyReport is the structured output of one analysis call
type ConsistencyReport struct {
	Issues  []ConsistencyIssue `json:"issues"`
	Summary string             `json:"summary,omitempty"`
}

// TokenUsage splits token consumption for billing-adjacent reporting.
// When a cache was used, CacheCreationTokens is zero and CacheHitTokens
// carries the provider's cached-token count; with no cache the reverse
// holds. Callers depend on this split and it must not be conflated.
type TokenUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheHitTokens      int `json:"cache_hit_tokens"`
}

// CacheInfo reports whether and which cache served an analysis
type CacheInfo struct {
	CacheHit bool   `json:"cache_hit"`
	CacheID  string `json:"cache_id,omitempty"`
}

// AnalysisResult is the full outcome of one consistency check call.
// Ownership transfers to the caller; nothing here is persisted by the engine.
type AnalysisResult struct {
	Report     ConsistencyReport `json:"report"`
	CacheInfo  CacheInfo         `json:"cache_info"`
	TokenUsage TokenUsage        `json:"token_usage"`
}

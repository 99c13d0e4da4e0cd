package consistency

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bearing-app/consistency-engine/pkg/errors"
	"github.com/bearing-app/consistency-engine/pkg/models"
	"github.com/bearing-app/consistency-engine/pkg/observability"
	"github.com/bearing-app/consistency-engine/pkg/resilience"
	"github.com/bearing-app/consistency-engine/pkg/retry"
	"github.com/bearing-app/consistency-engine/pkg/vertex"
)

// GenerateClient is the generation surface the analyzer drives.
// *vertex.Client satisfies this.
type GenerateClient interface {
	GenerateContent(ctx context.Context, req vertex.GenerateRequest) (*vertex.GenerateResponse, error)
}

// AnalyzeOptions selects the cached or uncached path and labels chunked
// calls.
type AnalyzeOptions struct {
	// CacheID references a provider-side cached-content resource. When set,
	// only the incremental instruction is sent.
	CacheID string
	// ChunkIndex and TotalChunks label one call of a chunked analysis.
	// TotalChunks <= 1 means the manuscript fit in a single request.
	ChunkIndex  int
	TotalChunks int
}

// Analyzer runs a single consistency-check call against the provider
type Analyzer struct {
	client  GenerateClient
	policy  retry.Policy
	breaker *resilience.Breaker
	logger  observability.Logger
}

// NewAnalyzer creates an analyzer. breaker may be nil to run unguarded.
func NewAnalyzer(client GenerateClient, policy retry.Policy, breaker *resilience.Breaker, logger observability.Logger) *Analyzer {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Analyzer{
		client:  client,
		policy:  policy,
		breaker: breaker,
		logger:  logger.WithPrefix("consistency"),
	}
}

// Analyze runs one consistency check over content. With a cache id the
// manuscript is not resent; without one the full prompt goes standalone.
// The generation call runs under the retry policy; provider failures reach
// the retry decision already classified.
func (a *Analyzer) Analyze(ctx context.Context, content string, opts AnalyzeOptions) (*models.AnalysisResult, error) {
	req := a.buildRequest(content, opts)

	resp, err := retry.Do(ctx, a.policy, "consistency analysis", func(ctx context.Context) (*vertex.GenerateResponse, error) {
		return a.generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	text := stripCodeFences(resp.Text())
	if text == "" {
		return nil, errors.New(502, errors.CodeEmptyResponse, "provider returned an empty analysis response", false)
	}

	var report models.ConsistencyReport
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		return nil, errors.Wrap(err, 502, errors.CodeMalformedResponse, "provider returned unparseable analysis JSON", false)
	}

	if opts.TotalChunks > 1 {
		for i := range report.Issues {
			report.Issues[i].ChunkIndex = opts.ChunkIndex
		}
	}

	usage := resp.UsageMetadata
	result := &models.AnalysisResult{
		Report: report,
		CacheInfo: models.CacheInfo{
			CacheHit: opts.CacheID != "",
			CacheID:  opts.CacheID,
		},
		TokenUsage: models.TokenUsage{
			PromptTokens:     usage.PromptTokenCount,
			CompletionTokens: usage.CandidatesTokenCount,
		},
	}
	// Load-bearing for usage reporting: a cached call bills hit tokens and
	// zero creation tokens; an uncached call the reverse.
	if opts.CacheID != "" {
		result.TokenUsage.CacheHitTokens = usage.CachedContentTokenCount
		result.TokenUsage.CacheCreationTokens = 0
	} else {
		result.TokenUsage.CacheHitTokens = 0
		result.TokenUsage.CacheCreationTokens = usage.PromptTokenCount
	}

	a.logger.Info("analysis complete", map[string]interface{}{
		"cache_hit":         result.CacheInfo.CacheHit,
		"issues":            len(report.Issues),
		"prompt_tokens":     usage.PromptTokenCount,
		"completion_tokens": usage.CandidatesTokenCount,
	})
	return result, nil
}

func (a *Analyzer) buildRequest(content string, opts AnalyzeOptions) vertex.GenerateRequest {
	gen := &vertex.GenerationConfig{
		Temperature:      0.1,
		MaxOutputTokens:  8192,
		ResponseMimeType: "application/json",
	}

	if opts.CacheID != "" {
		return vertex.GenerateRequest{
			CachedContent: opts.CacheID,
			Contents: []vertex.Content{
				{Role: "user", Parts: []vertex.Part{{Text: analysisInstruction(opts.ChunkIndex, opts.TotalChunks)}}},
			},
			GenerationConfig: gen,
		}
	}
	return vertex.GenerateRequest{
		SystemInstruction: &vertex.Content{Parts: []vertex.Part{{Text: SystemPrompt}}},
		Contents: []vertex.Content{
			{Role: "user", Parts: []vertex.Part{{Text: standalonePrompt(content, opts.ChunkIndex, opts.TotalChunks)}}},
		},
		GenerationConfig: gen,
	}
}

func (a *Analyzer) generate(ctx context.Context, req vertex.GenerateRequest) (*vertex.GenerateResponse, error) {
	call := func() (interface{}, error) {
		resp, err := a.client.GenerateContent(ctx, req)
		if err != nil {
			return nil, errors.ClassifyProviderMessage(err)
		}
		return resp, nil
	}

	var result interface{}
	var err error
	if a.breaker != nil {
		result, err = a.breaker.Execute(ctx, call)
	} else {
		result, err = call()
	}
	if err != nil {
		return nil, err
	}
	return result.(*vertex.GenerateResponse), nil
}

// stripCodeFences removes an optional markdown fence wrapper
// (```json ... ```) around the provider's JSON.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// drop the language tag line
		trimmed = trimmed[idx+1:]
	} else {
		trimmed = strings.TrimPrefix(trimmed, "json")
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

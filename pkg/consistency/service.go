package consistency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/bearing-app/consistency-engine/pkg/chunking"
	"github.com/bearing-app/consistency-engine/pkg/contentcache"
	"github.com/bearing-app/consistency-engine/pkg/models"
	"github.com/bearing-app/consistency-engine/pkg/observability"
	"github.com/bearing-app/consistency-engine/pkg/tokenizer"
)

// Service is the top-level consistency-check entry point: it fingerprints
// the manuscript, chunks oversized text, drives the cache lifecycle, and
// fans analysis out over chunks.
type Service struct {
	analyzer       *Analyzer
	cache          *contentcache.Manager
	counter        *tokenizer.Counter
	logger         observability.Logger
	maxChunkTokens int
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithMaxChunkTokens overrides the per-request token ceiling
func WithMaxChunkTokens(maxTokens int) ServiceOption {
	return func(s *Service) { s.maxChunkTokens = maxTokens }
}

// NewService creates the consistency-check service
func NewService(analyzer *Analyzer, cache *contentcache.Manager, counter *tokenizer.Counter, logger observability.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Service{
		analyzer:       analyzer,
		cache:          cache,
		counter:        counter,
		logger:         logger.WithPrefix("consistency"),
		maxChunkTokens: chunking.DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContentHash fingerprints manuscript content for staleness detection
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CheckManuscript runs a full consistency check. Manuscripts under the
// per-request ceiling go through the cache lifecycle; oversized ones are
// split at paragraph boundaries into independent uncached calls whose
// results are merged.
func (s *Service) CheckManuscript(ctx context.Context, manuscriptID, accountID, content string) (*models.AnalysisResult, error) {
	chunks := chunking.ChunkManuscript(content, s.maxChunkTokens)
	if len(chunks) == 1 {
		return s.checkSingle(ctx, manuscriptID, accountID, content)
	}
	return s.checkChunked(ctx, chunks)
}

func (s *Service) checkSingle(ctx context.Context, manuscriptID, accountID, content string) (*models.AnalysisResult, error) {
	inputHash := ContentHash(content)

	var cacheID string
	var createdTokens int

	entry, err := s.cache.GetCachedContent(ctx, manuscriptID, accountID, inputHash)
	if err != nil {
		// lookup errors degrade to an uncached analysis
		s.logger.Warn("cache lookup failed, proceeding uncached", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"error":         err.Error(),
		})
	}
	if entry != nil {
		cacheID = entry.CacheID
	} else {
		tokenCount := s.counter.Count(ctx, content)
		creation, err := s.cache.CreateCachedContent(ctx, manuscriptID, accountID, content, inputHash, tokenCount)
		if err != nil {
			s.logger.Warn("cache creation failed, proceeding uncached", map[string]interface{}{
				"manuscript_id": manuscriptID,
				"error":         err.Error(),
			})
		}
		if creation != nil {
			cacheID = creation.CacheName
			createdTokens = creation.TokensUsed
		}
	}

	result, err := s.analyzer.Analyze(ctx, content, AnalyzeOptions{CacheID: cacheID})
	if err != nil {
		return nil, err
	}
	if createdTokens > 0 {
		// the cache was created within this request; bill its creation here
		result.TokenUsage.CacheCreationTokens = createdTokens
	}
	return result, nil
}

func (s *Service) checkChunked(ctx context.Context, chunks []string) (*models.AnalysisResult, error) {
	merged := &models.AnalysisResult{}
	var summaries []string

	for i, chunk := range chunks {
		result, err := s.analyzer.Analyze(ctx, chunk, AnalyzeOptions{
			ChunkIndex:  i,
			TotalChunks: len(chunks),
		})
		if err != nil {
			return nil, err
		}
		merged.Report.Issues = append(merged.Report.Issues, result.Report.Issues...)
		if result.Report.Summary != "" {
			summaries = append(summaries, result.Report.Summary)
		}
		merged.TokenUsage.PromptTokens += result.TokenUsage.PromptTokens
		merged.TokenUsage.CompletionTokens += result.TokenUsage.CompletionTokens
		merged.TokenUsage.CacheCreationTokens += result.TokenUsage.CacheCreationTokens
	}

	merged.Report.Summary = strings.Join(summaries, "\n\n")
	return merged, nil
}

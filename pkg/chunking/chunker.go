// Package chunking splits oversized manuscripts into independently
// analyzable segments under a per-request token ceiling, breaking on
// paragraph boundaries so sentences are never severed.
package chunking

import (
	"strings"

	"github.com/bearing-app/consistency-engine/pkg/tokenizer"
)

// DefaultMaxTokens is the per-request token ceiling
const DefaultMaxTokens = 500_000

// ChunkManuscript splits text into chunks whose estimated token counts stay
// under maxTokens. Text already under the ceiling is returned unchanged as
// a single chunk. Paragraphs are packed greedily; a lone paragraph that
// alone exceeds the ceiling is emitted as its own oversized chunk rather
// than truncated.
func ChunkManuscript(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if tokenizer.Estimate(text) <= maxTokens {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		if tokenizer.Estimate(para) > maxTokens {
			// oversized single paragraph: emit whole, never truncate
			flush()
			chunks = append(chunks, para)
			continue
		}

		candidate := para
		if current.Len() > 0 {
			candidate = current.String() + "\n\n" + para
		}
		if tokenizer.Estimate(candidate) > maxTokens {
			flush()
			current.WriteString(para)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

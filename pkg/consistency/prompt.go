// Package consistency orchestrates manuscript consistency checks: prompt
// assembly, cached and uncached generation calls, response parsing, and
// token-usage accounting.
package consistency

import "fmt"

// SystemPrompt is the analysis persona. It is baked into cached content at
// creation time and sent inline on uncached calls, so the two paths see
// identical instructions.
const SystemPrompt = `You are a meticulous fiction editor performing a consistency check on a manuscript.
Find contradictions and continuity errors: character details that change without explanation
(names, ages, appearance, relationships), timeline impossibilities, setting details that shift,
plot threads that contradict earlier events, and factual inconsistencies within the story's own rules.

Respond with JSON only, matching this shape:
{
  "issues": [
    {
      "type": "character|timeline|setting|plot|other",
      "severity": "low|medium|high",
      "location": "brief quote or chapter/scene reference",
      "explanation": "what is inconsistent and with what",
      "suggestion": "optional fix"
    }
  ],
  "summary": "one-paragraph overview"
}

Report only genuine inconsistencies. An empty issues array is a valid answer.`

// analysisInstruction is the incremental instruction sent with every call.
// On cached calls this is the only text sent; the manuscript itself lives
// in the cached content.
func analysisInstruction(chunkIndex, totalChunks int) string {
	if totalChunks > 1 {
		return fmt.Sprintf("Analyze the manuscript for internal consistency issues. This is part %d of %d; report only issues visible within this part.", chunkIndex+1, totalChunks)
	}
	return "Analyze the manuscript for internal consistency issues."
}

// standalonePrompt wraps the manuscript text for an uncached call
func standalonePrompt(content string, chunkIndex, totalChunks int) string {
	return analysisInstruction(chunkIndex, totalChunks) + "\n\nMANUSCRIPT:\n\n" + content
}

package vertex

// Content is a single turn of conversation content
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one piece of content
type Part struct {
	Text string `json:"text"`
}

// GenerationConfig tunes a generation request
type GenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

// GenerateRequest is the generateContent request body. CachedContent, when
// set, references a server-side cached-content resource so the cached text
// is not resent.
type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	CachedContent     string            `json:"cachedContent,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// UsageMetadata reports token consumption for one call
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

// Candidate is one generated response alternative
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// GenerateResponse is the generateContent response body
type GenerateResponse struct {
	Candidates    []Candidate   `json:"candidates"`
	UsageMetadata UsageMetadata `json:"usageMetadata"`
}

// Text returns the first candidate's first text part, or empty
func (r *GenerateResponse) Text() string {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Parts[0].Text
}

// cachedContentRequest is the cachedContents create/patch body
type cachedContentRequest struct {
	Model             string    `json:"model,omitempty"`
	DisplayName       string    `json:"displayName,omitempty"`
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	Contents          []Content `json:"contents,omitempty"`
	TTL               string    `json:"ttl,omitempty"`
}

// CachedContent is the provider's cached-content resource
type CachedContent struct {
	Name          string `json:"name"`
	Model         string `json:"model,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	CreateTime    string `json:"createTime,omitempty"`
	ExpireTime    string `json:"expireTime,omitempty"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// countTokensRequest is the countTokens request body
type countTokensRequest struct {
	Contents []Content `json:"contents"`
}

// countTokensResponse is the countTokens response body
type countTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

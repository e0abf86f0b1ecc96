package domain

// ChatMessage is the provider-agnostic chat message shape sent to inference
// backends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a provider-agnostic text generation request.
type CompletionRequest struct {
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	TopP        float64
}

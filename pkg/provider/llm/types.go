package llm

import "strings"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation entry.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the message text.
	Content string
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens one completion may generate.
	MaxOutputTokens int
}

// ClampMaxTokens returns requested limited to the model's output cap. Zero
// requested means "provider default" and is returned unchanged.
func (c ModelCapabilities) ClampMaxTokens(requested int) int {
	if requested <= 0 || c.MaxOutputTokens <= 0 {
		return requested
	}
	return min(requested, c.MaxOutputTokens)
}

// defaultCapabilities applies to models no family prefix matches.
var defaultCapabilities = ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

// families maps model name prefixes to limits. The first match wins, so
// longer prefixes precede shorter ones of the same vendor.
var families = []struct {
	prefixes []string
	caps     ModelCapabilities
}{
	{[]string{"gpt-4o", "gpt-4.1"}, ModelCapabilities{128_000, 16_384}},
	{[]string{"gpt-4-turbo"}, ModelCapabilities{128_000, 4_096}},
	{[]string{"gpt-4"}, ModelCapabilities{8_192, 4_096}},
	{[]string{"gpt-3.5-turbo"}, ModelCapabilities{16_385, 4_096}},
	{[]string{"o1-mini"}, ModelCapabilities{128_000, 65_536}},
	{[]string{"o1", "o3", "o4"}, ModelCapabilities{200_000, 100_000}},

	{[]string{"claude-3-5-haiku", "claude-3-5-sonnet"}, ModelCapabilities{200_000, 8_192}},
	{[]string{"claude-sonnet-4", "claude-opus-4", "claude-haiku-4"}, ModelCapabilities{200_000, 64_000}},
	{[]string{"claude"}, ModelCapabilities{200_000, 4_096}},

	{[]string{"gemini-1.5-pro"}, ModelCapabilities{2_000_000, 8_192}},
	{[]string{"gemini-2.5"}, ModelCapabilities{1_048_576, 65_536}},
	{[]string{"gemini"}, ModelCapabilities{1_048_576, 8_192}},
}

// KnownCapabilities looks model up by case-insensitive prefix among the
// OpenAI, Anthropic and Google families. Anything else, local models
// included, gets a 128k context and 4096 output tokens.
func KnownCapabilities(model string) ModelCapabilities {
	lower := strings.ToLower(model)
	for _, f := range families {
		for _, prefix := range f.prefixes {
			if strings.HasPrefix(lower, prefix) {
				return f.caps
			}
		}
	}
	return defaultCapabilities
}

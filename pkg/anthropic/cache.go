package anthropic

// BuildCachedSystemBlocks puts text in a system block with a 1-hour cache
// breakpoint. The classifier sends the protocol this way so every cohort
// member after the first reads it from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}

// WithInstructions prepends an uncached instruction block to cached blocks.
func WithInstructions(instructions string, cached []SystemBlock) []SystemBlock {
	if instructions == "" {
		return cached
	}
	return append([]SystemBlock{{Text: instructions}}, cached...)
}

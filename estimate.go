package mealgate

// EstimateTokens gives a rough token count for a chat turn before it is sent.
// Uses ~4 chars per token plus per-message and per-request overhead.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += int64(len(m.Content)) / 4
		// role and formatting
		total += 4
	}
	return total + 3
}

package relay

// discordMessageLimit is the character cap per Discord message; Slack's cap
// is higher, so one limit serves both.
const discordMessageLimit = 2000

// chunkMessage splits text into chunks of at most maxLen characters.
// It prefers breaking at newlines when possible.
func chunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = discordMessageLimit
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Look for a newline in the second half of the chunk to break at.
		chunk := text[:maxLen]
		breakAt := -1
		half := maxLen / 2
		for i := maxLen - 1; i >= half; i-- {
			if chunk[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:] // skip the newline
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}

package tts

import "strings"

const sentenceEnds = ".!?"

// SplitSentences cuts text into sentence chunks so the first one can start
// playing while the rest are still being synthesized. Trailing text without
// terminal punctuation becomes the last chunk.
func SplitSentences(text string) []string {
	var chunks []string
	rest := strings.TrimSpace(text)
	for rest != "" {
		i := strings.IndexAny(rest, sentenceEnds)
		if i == -1 {
			chunks = append(chunks, rest)
			break
		}
		// Keep runs like "?!" or "..." together.
		for i+1 < len(rest) && strings.IndexByte(sentenceEnds, rest[i+1]) >= 0 {
			i++
		}
		if s := strings.TrimSpace(rest[:i+1]); s != "" {
			chunks = append(chunks, s)
		}
		rest = strings.TrimSpace(rest[i+1:])
	}
	return chunks
}

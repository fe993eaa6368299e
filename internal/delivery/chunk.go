// Package delivery turns finalized agent payloads into channel sends:
// chunking, block/final dedup, typing indicators, reply/thread routing.
package delivery

import (
	"strings"
)

// Per-channel outbound text limits.
const (
	DiscordMaxChars  = 2000
	TelegramMaxChars = 4096
	WhatsAppMaxChars = 65000
)

// ChunkOptions bounds one split pass.
type ChunkOptions struct {
	MinChars int
	MaxChars int
}

// SplitMessage splits text into chunks of at most MaxChars, preferring a
// paragraph break, then a newline, then a sentence end within
// [MinChars, MaxChars]. A split landing inside a fenced code block closes the
// fence on the current chunk and reopens it (with the language tag) on the
// next, so every chunk parses as a closed Markdown document. The appended
// closing fence ("\n```") can take such a chunk up to 4 characters past
// MaxChars.
func SplitMessage(text string, opts ChunkOptions) []string {
	maxChars := opts.MaxChars
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}
	minChars := opts.MinChars
	if minChars <= 0 || minChars >= maxChars {
		minChars = maxChars / 4
	}

	var chunks []string
	openFence := "" // language tag of the currently open fence, "" when closed

	remaining := text
	for len(remaining) > maxChars {
		cut := findBreak(remaining, minChars, maxChars)
		chunk := remaining[:cut]
		rest := strings.TrimLeft(remaining[cut:], "\n")

		fence := scanFences(chunk, openFence)
		if fence != "" {
			chunk = strings.TrimRight(chunk, "\n") + "\n```"
			rest = "```" + fence + "\n" + rest
			// rest reopens the fence; scanning continues from closed state
		}
		openFence = ""

		chunks = append(chunks, chunk)
		remaining = rest
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findBreak picks the split offset for the next chunk.
func findBreak(text string, minChars, maxChars int) int {
	window := text[:maxChars]

	if i := strings.LastIndex(window, "\n\n"); i >= minChars {
		return i
	}
	if i := strings.LastIndex(window, "\n"); i >= minChars {
		return i
	}
	if i := strings.LastIndex(window, ". "); i >= minChars {
		return i + 1 // keep the period on the left chunk
	}
	return maxChars
}

// scanFences walks chunk line by line and returns the language tag of the
// fence left open at the end ("" when balanced). openFence carries the state
// from the previous chunk.
func scanFences(chunk, openFence string) string {
	open := openFence != ""
	lang := openFence
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			lang = ""
		} else {
			open = true
			lang = strings.TrimPrefix(trimmed, "```")
		}
	}
	if open {
		return lang
	}
	return ""
}

// MaxCharsFor returns the outbound text limit for a channel, 0 for unlimited.
func MaxCharsFor(channel string) int {
	switch channel {
	case "discord":
		return DiscordMaxChars
	case "telegram":
		return TelegramMaxChars
	case "whatsapp":
		return WhatsAppMaxChars
	default:
		return 0
	}
}

package chat

import (
	"fmt"
	"strings"
	"time"
)

// MaxMessageLength is Discord's per-message character limit.
const MaxMessageLength = 2000

// Disclaimer is appended to every generated answer.
const Disclaimer = "-# *Respuesta generada por IA. Puede contener errores.*"

// transcriptTimeFormat matches the timestamps shown in the prompt history.
const transcriptTimeFormat = "2006-01-02 15:04"

// WithDisclaimer appends the AI disclaimer footer to text.
func WithDisclaimer(text string) string {
	return text + "\n\n" + Disclaimer
}

// SplitMessage breaks text into chunks of at most limit characters. It
// prefers to break at a newline, then at a space, in the second half of a
// chunk, and never splits a multi-byte character.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	r := []rune(text)
	var chunks []string
	for len(r) > limit {
		cut := breakPoint(r[:limit])
		chunks = append(chunks, strings.TrimRight(string(r[:cut]), " \n"))
		r = []rune(strings.TrimLeft(string(r[cut:]), " \n"))
	}
	if len(r) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}

// breakPoint returns where to cut window, preferring the last newline and
// then the last space in its second half.
func breakPoint(window []rune) int {
	half := len(window) / 2
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i >= half; i-- {
			if window[i] == sep {
				return i + 1
			}
		}
	}
	return len(window)
}

// formatSearchLine renders one transcript search hit.
func formatSearchLine(ts time.Time, channel, author, content string) string {
	return fmt.Sprintf("[%s] [%s] %s: %s", ts.UTC().Format(transcriptTimeFormat), channel, author, content)
}

// formatHistoryLine renders one recent-history line.
func formatHistoryLine(ts time.Time, author, content string) string {
	return fmt.Sprintf("[%s] %s: %s", ts.UTC().Format(transcriptTimeFormat), author, content)
}

// truncate returns s truncated to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

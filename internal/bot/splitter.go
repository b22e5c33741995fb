package bot

import "errors"

// MessageLimit is the transport's maximum message length in runes.
const MessageLimit = 4096

// ErrNoChunks signals a splitter contract violation: a non-empty reading
// produced nothing to send.
var ErrNoChunks = errors.New("splitter: produced no chunks for non-empty text")

// Split breaks text into ordered chunks of at most limit runes each. Split
// points prefer a paragraph break, then a newline, then a space, and only
// then a hard cut; a cut never lands inside a rune or an HTML entity escape.
// No characters are dropped: concatenating the chunks reproduces the input.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := splitPoint(runes, limit)
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func splitPoint(runes []rune, limit int) int {
	window := runes[:limit]
	if i := lastParagraphBreak(window); i > 0 {
		return i + 2
	}
	if i := lastRune(window, '\n'); i > 0 {
		return i + 1
	}
	if i := lastRune(window, ' '); i > 0 {
		return i + 1
	}
	return avoidEntity(window, limit)
}

// avoidEntity backs a hard cut out of an unterminated &...; sequence so an
// escape is never torn across two messages.
func avoidEntity(window []rune, cut int) int {
	const maxEntityLen = 10
	start := cut - maxEntityLen
	if start < 0 {
		start = 0
	}
	for i := cut - 1; i >= start; i-- {
		switch window[i] {
		case ';':
			return cut
		case '&':
			if i == 0 {
				return cut
			}
			return i
		}
	}
	return cut
}

func lastParagraphBreak(runes []rune) int {
	for i := len(runes) - 2; i >= 0; i-- {
		if runes[i] == '\n' && runes[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func lastRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

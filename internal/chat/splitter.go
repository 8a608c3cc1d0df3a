package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxPartLength keeps a safety margin under Telegram's 4096-character
// per-message ceiling.
const DefaultMaxPartLength = 4000

// SplitMessage breaks text into ordered parts of at most maxLen characters.
// Sentence boundaries are preferred, falling back to word boundaries for
// oversized sentences and to hard rune chunks for pathological single words.
// Parts are trimmed, never empty, and joined with single spaces at split points.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxPartLength
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}
	return packUnits(splitSentences(text), maxLen)
}

// splitSentences breaks text into sentence-like units: a unit ends after
// '.', '!' or '?' followed by whitespace. The separating whitespace is dropped.
func splitSentences(text string) []string {
	var units []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			units = append(units, current.String())
			current.Reset()
			for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				i++
			}
		}
	}
	if current.Len() > 0 {
		units = append(units, current.String())
	}
	return units
}

func packUnits(units []string, maxLen int) []string {
	var parts []string
	var current string

	flush := func() {
		if trimmed := strings.TrimSpace(current); trimmed != "" {
			parts = append(parts, trimmed)
		}
		current = ""
	}

	appendPiece := func(piece string) {
		candidate := piece
		if current != "" {
			candidate = current + " " + piece
		}
		if utf8.RuneCountInString(candidate) > maxLen {
			flush()
			current = piece
		} else {
			current = candidate
		}
	}

	for _, unit := range units {
		unit = strings.TrimSpace(unit)
		if unit == "" {
			continue
		}
		if utf8.RuneCountInString(unit) <= maxLen {
			appendPiece(unit)
			continue
		}

		// The sentence itself overflows a part, pack word by word.
		flush()
		for _, word := range strings.Fields(unit) {
			if utf8.RuneCountInString(word) <= maxLen {
				appendPiece(word)
				continue
			}
			// A single word longer than a part only happens with degenerate
			// input, hard-split it so every part stays under the cap.
			flush()
			parts = append(parts, chunkRunes(word, maxLen)...)
		}
	}

	flush()
	return parts
}

func chunkRunes(word string, maxLen int) []string {
	runes := []rune(word)
	var chunks []string
	for len(runes) > maxLen {
		chunks = append(chunks, string(runes[:maxLen]))
		runes = runes[maxLen:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

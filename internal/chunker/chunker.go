package chunker

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// DefaultMaxChunkChars keeps each request under the backend's input limit with headroom
const DefaultMaxChunkChars = 3900

var (
	ErrEmptyTranscript = errors.New("transcript is empty")
	ErrInvalidLimit    = errors.New("max chunk chars must be positive")
	ErrInvalidUTF8     = errors.New("transcript is not valid UTF-8")
)

// piece is a run of text and the whitespace that followed it in the source
type piece struct {
	text string
	sep  string
}

// splitter breaks a piece of text into smaller pieces
type splitter func(string) []piece

// Fallback order for pieces that are still too long
var splitters = []splitter{splitSentences, splitPhrases, splitWords}

// Split divides text into ordered segments of at most maxChunkChars runes.
// Segments only break at sentence, phrase or word boundaries, so a single
// word longer than the limit is returned as its own oversized segment.
// Whitespace inside a segment is kept as written; only the whitespace at a
// segment boundary is dropped.
func Split(text string, maxChunkChars int) ([]types.TextSegment, error) {
	if maxChunkChars <= 0 {
		return nil, types.NewError(types.KindChunking, "split", ErrInvalidLimit)
	}
	if !utf8.ValidString(text) {
		return nil, types.NewError(types.KindChunking, "split", ErrInvalidUTF8)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, types.NewError(types.KindChunking, "split", ErrEmptyTranscript)
	}

	var chunks []string
	if utf8.RuneCountInString(text) <= maxChunkChars {
		chunks = []string{text}
	} else {
		chunks = pack(splitters[0](text), maxChunkChars, 0)
	}

	segments := make([]types.TextSegment, len(chunks))
	for i, c := range chunks {
		segments[i] = types.TextSegment{Index: i, Text: c}
	}
	return segments, nil
}

// pack accumulates pieces into a buffer and flushes whenever the next piece
// would push it past max. Pieces that alone exceed max are re-split with the
// next splitter in line.
func pack(pieces []piece, max, level int) []string {
	var (
		out     []string
		buf     strings.Builder
		bufLen  int
		pending string
	)

	flush := func() {
		if bufLen > 0 {
			out = append(out, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, p := range pieces {
		n := utf8.RuneCountInString(p.text)

		if n > max {
			flush()
			if level+1 < len(splitters) {
				out = append(out, pack(splitters[level+1](p.text), max, level+1)...)
			} else {
				out = append(out, p.text)
			}
			pending = p.sep
			continue
		}

		sepLen := utf8.RuneCountInString(pending)
		if bufLen > 0 && bufLen+sepLen+n > max {
			flush()
		}
		if bufLen > 0 {
			buf.WriteString(pending)
			bufLen += sepLen
		}
		buf.WriteString(p.text)
		bufLen += n
		pending = p.sep
	}
	flush()

	return out
}

// splitSentences cuts after . ! ? followed by whitespace
func splitSentences(text string) []piece {
	return splitAfter(text, func(r rune) bool { return strings.ContainsRune(".!?", r) })
}

// splitPhrases cuts after , ; : followed by whitespace
func splitPhrases(text string) []piece {
	return splitAfter(text, func(r rune) bool { return strings.ContainsRune(",;:", r) })
}

// splitWords cuts at every whitespace run
func splitWords(text string) []piece {
	return splitAfter(text, func(r rune) bool { return !unicode.IsSpace(r) })
}

// splitAfter cuts after every rune matching cut that is followed by
// whitespace. text must not start or end with whitespace.
func splitAfter(text string, cut func(rune) bool) []piece {
	var pieces []piece
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !cut(runes[i]) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		end := i + 1
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		pieces = append(pieces, piece{text: string(runes[start : i+1]), sep: string(runes[i+1 : end])})
		start = end
		i = end - 1
	}
	if start < len(runes) {
		pieces = append(pieces, piece{text: string(runes[start:])})
	}

	return pieces
}

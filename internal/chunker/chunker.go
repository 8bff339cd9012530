package chunker

import (
	"strings"
	"unicode"
)

// Draft is a chunk produced from extracted text, not yet persisted.
// Start/End are byte offsets into the original text so that citation
// excerpts can be recovered exactly.
type Draft struct {
	Text      string
	Order     int
	WordCount int
	Start     int
	End       int
}

// Chunker splits extracted text into ordered word-bounded chunks,
// preferring sentence boundaries once a chunk reaches its minimum size.
type Chunker struct {
	minWords int
	maxWords int
}

// New builds a Chunker. Non-positive or inverted bounds fall back to the
// 150/300 word defaults.
func New(minWords, maxWords int) *Chunker {
	if minWords <= 0 {
		minWords = 150
	}
	if maxWords <= 0 {
		maxWords = 300
	}
	if minWords > maxWords {
		minWords = maxWords
	}
	return &Chunker{minWords: minWords, maxWords: maxWords}
}

type word struct {
	start int
	end   int
}

// Chunk splits text into ordered drafts. Empty or whitespace-only text
// returns an empty slice and no error.
func (c *Chunker) Chunk(text string) ([]Draft, error) {
	words := splitWords(text)
	if len(words) == 0 {
		return []Draft{}, nil
	}

	var drafts []Draft
	i := 0
	order := 0
	for i < len(words) {
		start := i
		count := 0
		for i < len(words) && count < c.maxWords {
			count++
			i++
			if count >= c.minWords && count < c.maxWords {
				if endsSentence(text[words[i-1].start:words[i-1].end]) {
					break
				}
			}
		}
		first := words[start]
		last := words[i-1]
		drafts = append(drafts, Draft{
			Text:      text[first.start:last.end],
			Order:     order,
			WordCount: count,
			Start:     first.start,
			End:       last.end,
		})
		order++
	}
	return drafts, nil
}

// splitWords locates whitespace-separated words and their byte offsets.
func splitWords(text string) []word {
	var words []word
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, word{start: start, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, word{start: start, end: len(text)})
	}
	return words
}

func endsSentence(w string) bool {
	w = strings.TrimRight(w, `"')]`)
	if w == "" {
		return false
	}
	switch w[len(w)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// WordCount counts whitespace-separated words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

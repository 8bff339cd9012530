package chunker

import (
	"fmt"
	"strings"
	"testing"
)

func TestChunkEmptyTextReturnsNoChunks(t *testing.T) {
	c := New(150, 300)
	drafts, err := c.Chunk("")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if drafts == nil || len(drafts) != 0 {
		t.Fatalf("expected empty chunk set, got %#v", drafts)
	}
}

func TestChunkWhitespaceOnlyReturnsNoChunks(t *testing.T) {
	c := New(150, 300)
	drafts, err := c.Chunk("   \n\t  ")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(drafts) != 0 {
		t.Fatalf("expected no chunks, got %d", len(drafts))
	}
}

func TestChunkShortTextYieldsSingleChunk(t *testing.T) {
	c := New(150, 300)
	text := "A short document. Just a couple of sentences."
	drafts, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("expected one chunk, got %d", len(drafts))
	}
	d := drafts[0]
	if d.Order != 0 {
		t.Fatalf("expected order 0, got %d", d.Order)
	}
	if d.WordCount != 8 {
		t.Fatalf("expected word count 8, got %d", d.WordCount)
	}
	if text[d.Start:d.End] != d.Text {
		t.Fatalf("offsets do not recover chunk text")
	}
}

func TestChunkOrderContiguousAndPositionsExact(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "word%d ", i)
		if i%17 == 16 {
			b.WriteString("End of sentence. ")
		}
	}
	text := b.String()

	c := New(50, 100)
	drafts, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(drafts) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(drafts))
	}
	for i, d := range drafts {
		if d.Order != i {
			t.Fatalf("chunk %d has order %d", i, d.Order)
		}
		if d.Start >= d.End || d.End > len(text) {
			t.Fatalf("chunk %d has invalid positions [%d,%d)", i, d.Start, d.End)
		}
		if text[d.Start:d.End] != d.Text {
			t.Fatalf("chunk %d offsets do not recover its text", i)
		}
		if d.WordCount > 100 {
			t.Fatalf("chunk %d exceeds max words: %d", i, d.WordCount)
		}
	}
}

func TestChunkPrefersSentenceBoundary(t *testing.T) {
	// 12 words, sentence ends at word 6; min 4 max 10 should break there.
	text := "one two three four five six. seven eight nine ten eleven twelve."
	c := New(4, 10)
	drafts, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(drafts))
	}
	if !strings.HasSuffix(drafts[0].Text, "six.") {
		t.Fatalf("expected first chunk to end at sentence boundary, got %q", drafts[0].Text)
	}
}

func TestChunkIdempotentOnSameText(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 80)
	c := New(20, 40)
	first, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	second, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestWordCount(t *testing.T) {
	if n := WordCount("  one two\nthree "); n != 3 {
		t.Fatalf("expected 3 words, got %d", n)
	}
}

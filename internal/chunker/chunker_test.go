package chunker

import (
	"strings"
	"testing"
)

func TestSplitSingleChunk(t *testing.T) {
	chunks, err := Split("Hello world.", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != "Hello world." {
		t.Fatalf("unexpected chunk: %q", chunks[0])
	}
}

func TestSplitEmptyText(t *testing.T) {
	if _, err := Split("", 100); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, err := Split("   \n\t ", 100); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText for whitespace, got %v", err)
	}
}

func TestSplitInvalidLimit(t *testing.T) {
	if _, err := Split("hello", 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestSplitLossless(t *testing.T) {
	inputs := []string{
		"One. Two. Three. Four. Five. Six. Seven. Eight. Nine. Ten.",
		"A long run of words without any sentence terminator at all just spaces between them",
		strings.Repeat("x", 137),
		"Ez egy teszt szöveg magyar nyelven. Árvíztűrő tükörfúrógép! Még egy mondat?",
		"第一句话。第二句话！第三句话？然后是一段没有标点的长文本继续继续继续",
		"Version 3.14 is out. See e.g. the release notes for details, which run long.",
	}
	for _, limit := range []int{5, 12, 30, 80} {
		for _, input := range inputs {
			chunks, err := Split(input, limit)
			if err != nil {
				t.Fatalf("limit=%d input=%q: %v", limit, input, err)
			}
			if got := strings.Join(chunks, ""); got != input {
				t.Fatalf("limit=%d: round trip mismatch\n got %q\nwant %q", limit, got, input)
			}
			for i, c := range chunks {
				if n := len([]rune(c)); n > limit {
					t.Fatalf("limit=%d: chunk %d has %d runes: %q", limit, i, n, c)
				}
				if c == "" {
					t.Fatalf("limit=%d: empty chunk at %d", limit, i)
				}
			}
		}
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	chunks, err := Split("First sentence. Second sentence continues here.", 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(chunks[0], "First sentence.") {
		t.Fatalf("expected sentence-aligned first chunk, got %q", chunks[0])
	}
	if strings.HasPrefix(chunks[1], " ") {
		t.Fatalf("expected follow-up chunk to start on content, got %q", chunks[1])
	}
}

func TestSplitHardSplitWithoutBoundaries(t *testing.T) {
	input := strings.Repeat("a", 25)
	chunks, err := Split(input, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 10) || chunks[2] != strings.Repeat("a", 5) {
		t.Fatalf("unexpected hard split: %q", chunks)
	}
}

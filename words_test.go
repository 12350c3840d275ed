package main

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestWordSource(t *testing.T) *SQLiteWordSource {
	t.Helper()

	cfg := &Config{
		dictionary: filepath.Join(t.TempDir(), "dictionary.db"),
	}

	source, err := openWordSource(cfg)
	if err != nil {
		t.Fatalf("openWordSource: %v", err)
	}
	t.Cleanup(func() {
		_ = source.Close()
	})

	return source
}

func TestWordSourceSeedsEmptyDictionary(t *testing.T) {
	source := openTestWordSource(t)

	count, err := source.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count < boardSize {
		t.Errorf("seeded dictionary has %d words, need at least %d", count, boardSize)
	}
}

func TestWordSourceFetchRangeOrdering(t *testing.T) {
	source := openTestWordSource(t)
	ctx := context.Background()

	words, err := source.FetchRange(ctx, 0, boardSize)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(words) != boardSize {
		t.Fatalf("fetched %d words, want %d", len(words), boardSize)
	}

	for i := 1; i < len(words); i++ {
		if words[i].ID <= words[i-1].ID {
			t.Fatalf("ids not ascending: %d after %d", words[i].ID, words[i-1].ID)
		}
	}
}

func TestWordSourceFetchRangeDeterministic(t *testing.T) {
	source := openTestWordSource(t)
	ctx := context.Background()

	first, err := source.FetchRange(ctx, 10, 5)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	second, err := source.FetchRange(ctx, 10, 5)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same offset returned different rows: %+v vs %+v", first[i], second[i])
		}
	}
}

func TestWordSourceTailRange(t *testing.T) {
	source := openTestWordSource(t)
	ctx := context.Background()

	count, err := source.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	words, err := source.FetchRange(ctx, count-boardSize, boardSize)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(words) != boardSize {
		t.Errorf("tail range returned %d words, want %d", len(words), boardSize)
	}
}

func TestWordSourceSeedOnlyOnce(t *testing.T) {
	cfg := &Config{
		dictionary: filepath.Join(t.TempDir(), "dictionary.db"),
	}

	first, err := openWordSource(cfg)
	if err != nil {
		t.Fatalf("openWordSource: %v", err)
	}
	count, err := first.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	_ = first.Close()

	second, err := openWordSource(cfg)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer second.Close()

	again, err := second.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if again != count {
		t.Errorf("word count changed across reopen: %d vs %d", again, count)
	}
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DictionaryWord is one row of the dictionary table.
type DictionaryWord struct {
	ID   int64  `json:"id"`
	Word string `json:"word"`
}

// WordSource is the contract the game core needs from the dictionary
// store: a row count, and a deterministic id-ordered slice so that a
// random offset always yields the same words for the same offset.
type WordSource interface {
	Count(ctx context.Context) (int, error)
	FetchRange(ctx context.Context, offset, limit int) ([]DictionaryWord, error)
}

// SQLiteWordSource backs WordSource with a local sqlite database,
// seeded once from the embedded word list when the table is empty.
type SQLiteWordSource struct {
	db *sql.DB
}

func openWordSource(cfg *Config) (*SQLiteWordSource, error) {
	db, err := sql.Open("sqlite", cfg.dictionary)
	if err != nil {
		return nil, fmt.Errorf("opening dictionary: %w", err)
	}

	// WAL keeps readers from blocking while a seed is in flight.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		logf(cfg, "WORDS: couldn't enable WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		logf(cfg, "WORDS: couldn't set busy timeout: %v", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dictionary (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		word TEXT UNIQUE NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dictionary table: %w", err)
	}

	source := &SQLiteWordSource{db: db}

	count, err := source.Count(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	if count == 0 {
		seeded, err := source.seed()
		if err != nil {
			db.Close()
			return nil, err
		}
		logf(cfg, "WORDS: Seeded dictionary with %d words", seeded)
	}

	return source, nil
}

func (s *SQLiteWordSource) Close() error {
	return s.db.Close()
}

func (s *SQLiteWordSource) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dictionary").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting dictionary rows: %w", err)
	}
	return count, nil
}

func (s *SQLiteWordSource) FetchRange(ctx context.Context, offset, limit int) ([]DictionaryWord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, word FROM dictionary ORDER BY id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching dictionary rows: %w", err)
	}
	defer rows.Close()

	words := make([]DictionaryWord, 0, limit)
	for rows.Next() {
		var w DictionaryWord
		if err := rows.Scan(&w.ID, &w.Word); err != nil {
			return nil, err
		}
		words = append(words, w)
	}

	return words, rows.Err()
}

// seed loads the embedded word list into an empty dictionary table.
func (s *SQLiteWordSource) seed() (int, error) {
	data, err := assets.ReadFile("assets/words.txt")
	if err != nil {
		return 0, fmt.Errorf("reading embedded word list: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO dictionary (word) VALUES (?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	seeded := 0
	for _, line := range strings.Split(string(data), "\n") {
		word := strings.TrimSpace(line)
		if word == "" {
			continue
		}
		if _, err := stmt.Exec(word); err != nil {
			return 0, err
		}
		seeded++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return seeded, nil
}

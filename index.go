package main

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	_ "modernc.org/sqlite" // SQLite driver
)

const searchResultLimit = 20

// searchResult is one ranked hit, as serialized by the /search endpoint.
type searchResult struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
}

// searchIndex is the full-text index over the documents under root. It lives
// in an in-memory SQLite database with an FTS5 virtual table and is rebuilt
// from disk on every startup; nothing is persisted.
//
// Writes are serialized by mu and applied inside one transaction per
// operation. Reads share the single pooled connection, so a search issued
// during a write transaction waits for the commit and never observes a
// half-applied update.
type searchIndex struct {
	mu   sync.Mutex
	db   *sql.DB
	root string
}

func newSearchIndex(root string) (*searchIndex, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	// One connection only: every pooled connection to :memory: would
	// otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE VIRTUAL TABLE docs USING fts5(
		path UNINDEXED,
		display_title UNINDEXED,
		name,
		title,
		content,
		tokenize = 'unicode61'
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating search table: %w", err)
	}

	return &searchIndex{db: db, root: root}, nil
}

func (s *searchIndex) close() error {
	return s.db.Close()
}

// indexAll walks the root and indexes every markdown file in one commit.
// Files that cannot be read are logged and skipped; the scan itself only
// fails on walk or transaction errors.
func (s *searchIndex) indexAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting index transaction: %w", err)
	}
	defer tx.Rollback()

	count := 0
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("Warning: skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != s.root && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isMarkdownFile(path) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: cannot read %s: %v", path, err)
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		if err := insertDoc(tx, filepath.ToSlash(rel), string(content)); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing %s: %w", s.root, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index: %w", err)
	}
	log.Printf("Indexed %d markdown file(s) under %s", count, s.root)
	return nil
}

// upsert re-reads a document from disk and replaces its index entry in one
// commit. Non-markdown paths are ignored; a path that vanished between the
// change notification and the read is treated as removed.
func (s *searchIndex) upsert(relPath string) error {
	if !isMarkdownFile(relPath) {
		return nil
	}

	abs := filepath.Join(s.root, filepath.FromSlash(relPath))
	content, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return s.remove(relPath)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", relPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting upsert transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM docs WHERE path = ?`, relPath); err != nil {
		return fmt.Errorf("deleting old entry for %s: %w", relPath, err)
	}
	if err := insertDoc(tx, relPath, string(content)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert of %s: %w", relPath, err)
	}
	return nil
}

// remove deletes the entry for an exact relative path.
func (s *searchIndex) remove(relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM docs WHERE path = ?`, relPath); err != nil {
		return fmt.Errorf("removing %s from index: %w", relPath, err)
	}
	return nil
}

func insertDoc(tx *sql.Tx, relPath, content string) error {
	title := titleOf(relPath, content)
	_, err := tx.Exec(
		`INSERT INTO docs (path, display_title, name, title, content) VALUES (?, ?, ?, ?, ?)`,
		relPath, title, fileStem(relPath), segmentText(title), segmentText(content),
	)
	if err != nil {
		return fmt.Errorf("inserting %s: %w", relPath, err)
	}
	return nil
}

// search runs a free-text query over name, title and content and returns up
// to limit results by descending relevance. An empty query returns nil
// without touching the index; a query FTS5 cannot parse returns errQuery.
func (s *searchIndex) search(query string, limit int) ([]searchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = searchResultLimit
	}

	rows, err := s.db.Query(
		`SELECT path, display_title, snippet(docs, 4, '<b>', '</b>', '…', 20)
		 FROM docs WHERE docs MATCH ? ORDER BY rank LIMIT ?`,
		buildMatchQuery(query), limit,
	)
	if err != nil {
		if isQuerySyntaxErr(err) {
			return nil, fmt.Errorf("parsing %q: %w: %v", query, errQuery, err)
		}
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}
	defer rows.Close()

	var results []searchResult
	for rows.Next() {
		var r searchResult
		if err := rows.Scan(&r.FilePath, &r.Title, &r.Snippet); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		r.FileName = fileStem(r.FilePath)
		r.Snippet = joinCJKSnippet(r.Snippet)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}
	return results, nil
}

func isQuerySyntaxErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "syntax error") ||
		strings.Contains(msg, "unterminated string") ||
		strings.Contains(msg, "unknown special query") ||
		strings.Contains(msg, "no such column")
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// segmentText spaces out CJK runes so the unicode61 tokenizer indexes each
// one as its own token. CJK scripts have no word boundaries, and unicode61
// would otherwise swallow a whole run as a single unsearchable token.
func segmentText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevCJK := false
	for _, r := range s {
		cjk := isCJK(r)
		if cjk || prevCJK {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prevCJK = cjk
	}
	return b.String()
}

// buildMatchQuery rewrites a user query for the segmented index: each
// contiguous CJK run becomes a quoted phrase of single-rune tokens, so
// "中文" matches the consecutive characters rather than any document
// containing both somewhere.
func buildMatchQuery(q string) string {
	var b strings.Builder
	var run []rune
	flush := func() {
		if len(run) == 0 {
			return
		}
		b.WriteByte('"')
		for i, r := range run {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
		}
		b.WriteString(`" `)
		run = run[:0]
	}
	for _, r := range q {
		if isCJK(r) {
			run = append(run, r)
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
	return strings.TrimSpace(b.String())
}

// joinCJKSnippet undoes the index-time segmentation in a generated snippet:
// a space between two CJK runes (possibly across highlight markers) was
// inserted by segmentText, not by the author.
func joinCJKSnippet(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if r == ' ' && isCJK(visibleBefore(runes, i-1)) && isCJK(visibleAfter(runes, i+1)) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// visibleBefore returns the preceding text rune, skipping highlight tags.
func visibleBefore(runes []rune, i int) rune {
	for i >= 0 {
		if runes[i] == '>' {
			for i >= 0 && runes[i] != '<' {
				i--
			}
			i--
			continue
		}
		return runes[i]
	}
	return 0
}

// visibleAfter returns the following text rune, skipping highlight tags.
func visibleAfter(runes []rune, i int) rune {
	for i < len(runes) {
		if runes[i] == '<' {
			for i < len(runes) && runes[i] != '>' {
				i++
			}
			i++
			continue
		}
		return runes[i]
	}
	return 0
}

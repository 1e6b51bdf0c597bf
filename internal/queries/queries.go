// Package queries manages the saved-query library: KQL documents with a
// structured comment header, stored one per file under a category
// directory. The library indexes them for keyword search so the calling
// agent can pull proven queries as context.
package queries

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// SavedQuery is one document in the library. Category comes from the
// file's parent directory, not the header — moving a file between
// directories recategorizes it without editing content.
type SavedQuery struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Purpose  string   `json:"purpose"`
	UseCase  string   `json:"use_case"`
	Created  string   `json:"created"`
	Tags     []string `json:"tags"`
	Body     string   `json:"body"`
	Path     string   `json:"path"`
}

// Library indexes the saved-query folder. Safe for concurrent use; the
// folder is shared with the UI collaborator, which reads and writes the
// same files directly.
type Library struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	index []*SavedQuery
}

// NewLibrary creates the folder if needed and builds the initial index.
func NewLibrary(dir string, logger *slog.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Library{
		dir:    dir,
		logger: logger.With("component", "queries"),
	}
	if err := l.Reindex(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the library root.
func (l *Library) Dir() string { return l.dir }

// Reindex rescans the folder tree. Unparseable files are skipped with a
// warning; a document with a missing or partial header still indexes,
// just with empty metadata.
func (l *Library) Reindex() error {
	var docs []*SavedQuery
	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isQueryFile(path) {
			return nil
		}
		q, err := l.load(path)
		if err != nil {
			l.logger.Warn("skipping unreadable saved query", "path", path, "error", err)
			return nil
		}
		docs = append(docs, q)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	l.mu.Lock()
	l.index = docs
	l.mu.Unlock()

	l.logger.Debug("saved-query index rebuilt", "documents", len(docs))
	return nil
}

func isQueryFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kql", ".csl":
		return true
	}
	return false
}

// load reads and parses one document. Category derives from the parent
// directory relative to the library root; files at the root get "general".
func (l *Library) load(path string) (*SavedQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	q := Parse(string(data))
	q.Path = path

	rel, err := filepath.Rel(l.dir, path)
	if err == nil {
		if dir := filepath.Dir(rel); dir != "." {
			// First path segment under the root is the category.
			q.Category = strings.Split(filepath.ToSlash(dir), "/")[0]
		}
	}
	if q.Category == "" {
		q.Category = "general"
	}
	return q, nil
}

// headerLine matches one "// Label: value" header line.
var headerLine = regexp.MustCompile(`^//\s*([A-Za-z ]+?)\s*:\s*(.*)$`)

// Parse extracts the comment header and body from document text. The
// header is the fixed ordered block (Query, Category, Purpose, Use
// Case, Created, Tags); missing lines leave fields empty rather than
// failing. The body is preserved verbatim.
func Parse(text string) *SavedQuery {
	q := &SavedQuery{}
	lines := strings.Split(text, "\n")

	i := 0
	for ; i < len(lines); i++ {
		m := headerLine.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		value := strings.TrimSpace(m[2])
		switch strings.ToLower(strings.TrimSpace(m[1])) {
		case "query":
			q.Name = value
		case "category":
			// Informational only; the directory wins (see load).
		case "purpose":
			q.Purpose = value
		case "use case":
			q.UseCase = value
		case "created":
			q.Created = value
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					q.Tags = append(q.Tags, tag)
				}
			}
		}
	}

	// Skip the blank separator line(s) between header and body.
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	q.Body = strings.Join(lines[i:], "\n")
	return q
}

// Render produces the document text for a saved query: the six header
// lines, a blank separator, then the body verbatim.
func Render(q *SavedQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// Query: %s\n", q.Name)
	fmt.Fprintf(&b, "// Category: %s\n", q.Category)
	fmt.Fprintf(&b, "// Purpose: %s\n", q.Purpose)
	fmt.Fprintf(&b, "// Use Case: %s\n", q.UseCase)
	fmt.Fprintf(&b, "// Created: %s\n", q.Created)
	fmt.Fprintf(&b, "// Tags: %s\n", strings.Join(q.Tags, ", "))
	b.WriteString("\n")
	b.WriteString(q.Body)
	return b.String()
}

// Save writes a query document under its category directory and updates
// the index. Returns the file path.
func (l *Library) Save(q *SavedQuery) (string, error) {
	if q.Name == "" {
		return "", fmt.Errorf("saved query needs a name")
	}
	if q.Category == "" {
		q.Category = "general"
	}
	if q.Created == "" {
		q.Created = time.Now().Format("2006-01-02")
	}

	dir := filepath.Join(l.dir, slugify(q.Category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, slugify(q.Name)+".kql")
	if err := os.WriteFile(path, []byte(Render(q)), 0o644); err != nil {
		return "", err
	}

	if err := l.Reindex(); err != nil {
		l.logger.Warn("reindex after save failed", "error", err)
	}
	return path, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns free text into a safe file/directory name.
func slugify(s string) string {
	s = slugPattern.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// List returns indexed queries, optionally filtered by tag
// (case-insensitive exact tag match).
func (l *Library) List(tagFilter string) []*SavedQuery {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if tagFilter == "" {
		return append([]*SavedQuery(nil), l.index...)
	}

	var out []*SavedQuery
	for _, q := range l.index {
		for _, tag := range q.Tags {
			if strings.EqualFold(tag, tagFilter) {
				out = append(out, q)
				break
			}
		}
	}
	return out
}

// Search ranks queries by keyword relevance. Name and tag matches count
// most, purpose and use case next, body least. Queries with no matches
// are omitted.
func (l *Library) Search(keywords []string) []*SavedQuery {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type scored struct {
		q     *SavedQuery
		score int
	}
	var results []scored

	for _, q := range l.index {
		score := 0
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if strings.Contains(strings.ToLower(q.Name), kw) {
				score += 3
			}
			for _, tag := range q.Tags {
				if strings.Contains(strings.ToLower(tag), kw) {
					score += 3
				}
			}
			if strings.Contains(strings.ToLower(q.Purpose), kw) {
				score += 2
			}
			if strings.Contains(strings.ToLower(q.UseCase), kw) {
				score += 2
			}
			if strings.Contains(strings.ToLower(q.Body), kw) {
				score++
			}
		}
		if score > 0 {
			results = append(results, scored{q: q, score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	out := make([]*SavedQuery, len(results))
	for i, r := range results {
		out[i] = r.q
	}
	return out
}

// Package yamlsource serves the agent's local YAML state as a memory
// source: the current-work snapshot, sprint traces, work logs, and any
// free-form documents stored under the state directory. It is the
// default durable store for learned knowledge.
package yamlsource

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/memory"
	"github.com/sprintbot/sprintbot/internal/utils"
)

// SourceName is the registry name of this adapter.
const SourceName = "yaml"

// currentWorkFile is the snapshot the issue executor maintains.
const currentWorkFile = "current_work.yaml"

const defaultQueryLimit = 5

func init() {
	memory.Register(memory.AdapterInfo{
		Name:           SourceName,
		DisplayName:    "Local YAML state",
		Module:         "memory/yamlsource",
		Capabilities:   []memory.Capability{memory.CapQuery, memory.CapSearch, memory.CapStore},
		IntentKeywords: []string{"working on", "current", "sprint", "state"},
		Priority:       10,
		Latency:        memory.LatencyFast,
		Factory: func(cfg *config.Config) (memory.Adapter, error) {
			return New(cfg.StateDir())
		},
	})
}

type cachedDoc struct {
	raw     []byte
	modTime time.Time
}

// Source reads and writes YAML documents under one root directory.
// Parsed files are cached; a filesystem watcher invalidates entries
// when something else touches the files.
type Source struct {
	root string
	log  zerolog.Logger

	mu      sync.RWMutex
	cache   map[string]cachedDoc
	watcher *fsnotify.Watcher
}

// New opens the source over root, creating the directory if needed.
func New(root string) (*Source, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create yaml source root: %w", err)
	}
	s := &Source{
		root:  root,
		log:   logging.Component("yamlsource"),
		cache: make(map[string]cachedDoc),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Cache falls back to modtime comparison.
		s.log.Warn().Err(err).Msg("filesystem watcher unavailable, caching by modtime only")
		return s, nil
	}
	if err := watcher.Add(root); err != nil {
		s.log.Warn().Err(err).Str("dir", root).Msg("cannot watch state dir")
		watcher.Close()
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Close stops the filesystem watcher.
func (s *Source) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Source) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(s.root, ev.Name)
			if err != nil {
				continue
			}
			s.mu.Lock()
			delete(s.cache, rel)
			s.mu.Unlock()
			// New subdirectories need their own watch.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = s.watcher.Add(ev.Name)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("state watcher error")
		}
	}
}

// Query answers from the current-work snapshot first, then scores the
// remaining documents by term overlap with the question.
func (s *Source) Query(ctx context.Context, question string, filter memory.SourceFilter) (memory.AdapterResult, error) {
	start := time.Now()
	result := memory.AdapterResult{Source: SourceName}

	if item, ok := s.currentWorkItem(question); ok {
		result.Items = append(result.Items, item)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	type scored struct {
		item  memory.MemoryItem
		score float64
	}
	var candidates []scored
	for _, doc := range s.listDocs() {
		if doc.rel == currentWorkFile {
			continue
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		raw, modTime, err := s.readDoc(doc.rel)
		if err != nil {
			continue
		}
		score := overlapScore(question, string(raw))
		if score <= 0 {
			continue
		}
		ts := modTime
		candidates = append(candidates, scored{
			item: memory.MemoryItem{
				Source:    SourceName,
				Type:      "document",
				Relevance: score,
				Summary:   doc.rel,
				Content:   excerpt(string(raw), question),
				Metadata:  map[string]any{"path": doc.rel},
				Timestamp: &ts,
			},
			score: score,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	for i, c := range candidates {
		if i >= limit {
			break
		}
		result.Items = append(result.Items, c.item)
	}

	result.LatencyMS = float64(time.Since(start).Milliseconds())
	return result, nil
}

// Search is literal case-insensitive lookup across all documents.
func (s *Source) Search(ctx context.Context, query string, filter memory.SourceFilter) (memory.AdapterResult, error) {
	start := time.Now()
	result := memory.AdapterResult{Source: SourceName}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		result.LatencyMS = float64(time.Since(start).Milliseconds())
		return result, nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	for _, doc := range s.listDocs() {
		if len(result.Items) >= limit {
			break
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		raw, modTime, err := s.readDoc(doc.rel)
		if err != nil {
			continue
		}
		text := string(raw)
		if !strings.Contains(strings.ToLower(text), needle) {
			continue
		}
		ts := modTime
		result.Items = append(result.Items, memory.MemoryItem{
			Source:    SourceName,
			Type:      "document",
			Relevance: 0.5,
			Summary:   doc.rel,
			Content:   excerpt(text, query),
			Metadata:  map[string]any{"path": doc.rel},
			Timestamp: &ts,
		})
	}

	result.LatencyMS = float64(time.Since(start).Milliseconds())
	return result, nil
}

// Store writes value as a YAML document at the key path, relative to
// the root. When the existing document is a list, the value is
// appended instead of replacing it, so repeated learnings accumulate.
func (s *Source) Store(ctx context.Context, key string, value any, filter memory.SourceFilter) (memory.AdapterResult, error) {
	start := time.Now()
	result := memory.AdapterResult{Source: SourceName}

	rel, err := sanitizeKey(key)
	if err != nil {
		return result, err
	}
	path := filepath.Join(s.root, rel)

	out := value
	if raw, err := os.ReadFile(path); err == nil {
		var existing []any
		if yaml.Unmarshal(raw, &existing) == nil && existing != nil {
			out = append(existing, value)
		}
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return result, fmt.Errorf("encode %q: %w", key, err)
	}
	if err := utils.WriteFileAtomic(path, data, 0o600); err != nil {
		return result, fmt.Errorf("write %q: %w", key, err)
	}

	s.mu.Lock()
	delete(s.cache, rel)
	s.mu.Unlock()

	result.Items = []memory.MemoryItem{{
		Source:  SourceName,
		Type:    "state",
		Summary: "stored " + rel,
	}}
	result.LatencyMS = float64(time.Since(start).Milliseconds())
	return result, nil
}

// HealthCheck verifies the root directory is usable.
func (s *Source) HealthCheck(ctx context.Context) memory.HealthStatus {
	fi, err := os.Stat(s.root)
	if err != nil {
		return memory.HealthStatus{Healthy: false, Error: err.Error()}
	}
	if !fi.IsDir() {
		return memory.HealthStatus{Healthy: false, Error: s.root + " is not a directory"}
	}
	return memory.HealthStatus{
		Healthy: true,
		Details: map[string]any{"root": s.root, "documents": len(s.listDocs())},
	}
}

type activeIssue struct {
	Key    string `yaml:"key"`
	Status string `yaml:"status"`
	Branch string `yaml:"branch"`
}

type currentWork struct {
	ActiveIssues []activeIssue `yaml:"active_issues"`
}

// currentWorkItem summarizes the current-work snapshot, when present.
func (s *Source) currentWorkItem(question string) (memory.MemoryItem, bool) {
	raw, modTime, err := s.readDoc(currentWorkFile)
	if err != nil {
		return memory.MemoryItem{}, false
	}
	var work currentWork
	if err := yaml.Unmarshal(raw, &work); err != nil {
		s.log.Warn().Err(err).Msg("current work snapshot is malformed")
		return memory.MemoryItem{}, false
	}
	if len(work.ActiveIssues) == 0 {
		return memory.MemoryItem{}, false
	}

	var b strings.Builder
	for _, issue := range work.ActiveIssues {
		fmt.Fprintf(&b, "- %s (%s)", issue.Key, issue.Status)
		if issue.Branch != "" {
			fmt.Fprintf(&b, " on %s", issue.Branch)
		}
		b.WriteString("\n")
	}

	noun := "issues"
	if len(work.ActiveIssues) == 1 {
		noun = "issue"
	}
	content := b.String()
	ts := modTime
	return memory.MemoryItem{
		Source:    SourceName,
		Type:      "state",
		Relevance: clamp(0.4+0.6*overlapScore(question, content+" working current status"), 0.4, 1.0),
		Summary:   fmt.Sprintf("%d active %s", len(work.ActiveIssues), noun),
		Content:   content,
		Timestamp: &ts,
	}, true
}

type docRef struct {
	rel string
}

// listDocs walks the root for YAML files, registering watches on
// subdirectories it discovers.
func (s *Source) listDocs() []docRef {
	var docs []docRef
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if s.watcher != nil && path != s.root {
				_ = s.watcher.Add(path)
			}
			return nil
		}
		ext := filepath.Ext(d.Name())
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		docs = append(docs, docRef{rel: rel})
		return nil
	})
	sort.Slice(docs, func(i, j int) bool { return docs[i].rel < docs[j].rel })
	return docs
}

// readDoc returns the raw document, from cache when fresh.
func (s *Source) readDoc(rel string) ([]byte, time.Time, error) {
	path := filepath.Join(s.root, rel)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}

	s.mu.RLock()
	doc, ok := s.cache[rel]
	s.mu.RUnlock()
	if ok && doc.modTime.Equal(fi.ModTime()) {
		return doc.raw, doc.modTime, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	s.mu.Lock()
	s.cache[rel] = cachedDoc{raw: raw, modTime: fi.ModTime()}
	s.mu.Unlock()
	return raw, fi.ModTime(), nil
}

// sanitizeKey keeps store paths inside the root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty store key")
	}
	if filepath.IsAbs(key) {
		return "", fmt.Errorf("store key must be relative: %q", key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("store key escapes the state dir: %q", key)
	}
	ext := filepath.Ext(clean)
	if ext != ".yaml" && ext != ".yml" {
		clean += ".yaml"
	}
	return clean, nil
}

// overlapScore is the fraction of significant query terms found in the
// text. Terms shorter than three characters are ignored.
func overlapScore(query, text string) float64 {
	lower := strings.ToLower(text)
	var terms []string
	for _, term := range strings.Fields(strings.ToLower(query)) {
		term = strings.Trim(term, "?!.,:;\"'")
		if len(term) >= 3 {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// excerpt returns the region of text around the first matching query
// term, capped to a prompt-friendly size.
func excerpt(text, query string) string {
	const window = 400
	lower := strings.ToLower(text)
	pos := -1
	for _, term := range strings.Fields(strings.ToLower(query)) {
		term = strings.Trim(term, "?!.,:;\"'")
		if len(term) < 3 {
			continue
		}
		if idx := strings.Index(lower, term); idx >= 0 && (pos < 0 || idx < pos) {
			pos = idx
		}
	}
	if pos < 0 {
		pos = 0
	}
	start := pos - window/4
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(text) {
		end = len(text)
	}
	snippet := strings.TrimSpace(text[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet += "..."
	}
	return snippet
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

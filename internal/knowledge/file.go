package knowledge

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blugelabs/bluge"
	"github.com/fsnotify/fsnotify"

	"github.com/qbot-ai/qbot/internal/config"
	"github.com/qbot-ai/qbot/internal/logging"
)

const defaultFileTop = 3

// fileProvider answers from a local tab-separated knowledge file, one
// "question<TAB>answer" pair per line. Questions are scored with an in-memory
// full-text index that is rebuilt whenever the file changes on disk.
type fileProvider struct {
	path           string
	top            int
	scoreThreshold float64

	mu    sync.RWMutex
	index *fileIndex

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type fileIndex struct {
	writer  *bluge.Writer
	reader  *bluge.Reader
	entries []fileEntry
}

type fileEntry struct {
	Question string
	Answer   string
}

func newFileProvider(cfg config.BaseConfig) (Provider, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("file path is required")
	}

	top := cfg.Top
	if top <= 0 {
		top = defaultFileTop
	}
	p := &fileProvider{
		path:           cfg.Path,
		top:            top,
		scoreThreshold: cfg.ScoreThreshold,
		done:           make(chan struct{}),
	}

	index, err := buildFileIndex(cfg.Path)
	if err != nil {
		return nil, err
	}
	p.index = index

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.index.close()
		return nil, fmt.Errorf("create knowledge file watcher: %w", err)
	}
	// Watch the directory rather than the file so atomic saves
	// (write-to-temp, rename) keep triggering events.
	if err := watcher.Add(filepath.Dir(cfg.Path)); err != nil {
		_ = watcher.Close()
		p.index.close()
		return nil, fmt.Errorf("watch knowledge file dir: %w", err)
	}
	p.watcher = watcher
	go p.watch()

	return p, nil
}

func (p *fileProvider) Name() string {
	return config.BaseKindFile
}

// GenerateAnswer scores indexed questions against the asked one. Scores are
// normalized relative to the best hit, so the first answer is always 1.0 and
// the threshold prunes weaker relatives.
func (p *fileProvider) GenerateAnswer(ctx context.Context, question string) ([]Answer, error) {
	// Hold the read lock for the whole search so a reload cannot close the
	// reader mid-iteration.
	p.mu.RLock()
	defer p.mu.RUnlock()
	index := p.index
	if index == nil {
		return nil, wrapLookup(p.Name(), fmt.Errorf("index is closed"))
	}

	query := bluge.NewMatchQuery(question).SetField("question")
	request := bluge.NewTopNSearch(p.top, query)

	iter, err := index.reader.Search(ctx, request)
	if err != nil {
		return nil, wrapLookup(p.Name(), fmt.Errorf("search: %w", err))
	}

	type hit struct {
		entry int
		score float64
	}
	var hits []hit
	for {
		match, err := iter.Next()
		if err != nil {
			return nil, wrapLookup(p.Name(), fmt.Errorf("iterate results: %w", err))
		}
		if match == nil {
			break
		}
		var entryID string
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				entryID = string(value)
			}
			return true
		})
		if err != nil {
			return nil, wrapLookup(p.Name(), fmt.Errorf("load stored fields: %w", err))
		}
		idx, err := strconv.Atoi(entryID)
		if err != nil || idx < 0 || idx >= len(index.entries) {
			continue
		}
		hits = append(hits, hit{entry: idx, score: match.Score})
	}

	if len(hits) == 0 {
		return []Answer{}, nil
	}

	best := hits[0].score
	answers := make([]Answer, 0, len(hits))
	for _, h := range hits {
		score := 1.0
		if best > 0 {
			score = h.score / best
		}
		if score < p.scoreThreshold {
			continue
		}
		entry := index.entries[h.entry]
		answers = append(answers, Answer{
			Text:      entry.Answer,
			Score:     score,
			ID:        h.entry + 1,
			Source:    filepath.Base(p.path),
			Questions: []string{entry.Question},
		})
	}
	return answers, nil
}

// Close stops the file watcher and releases the index.
func (p *fileProvider) Close() error {
	close(p.done)
	err := p.watcher.Close()

	p.mu.Lock()
	index := p.index
	p.index = nil
	p.mu.Unlock()
	if index != nil {
		index.close()
	}
	return err
}

func (p *fileProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.reload()
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *fileProvider) reload() {
	index, err := buildFileIndex(p.path)
	if err != nil {
		logging.Logger().Warn("knowledge file reload failed, keeping previous index", "path", p.path, "err", err)
		return
	}

	p.mu.Lock()
	old := p.index
	p.index = index
	p.mu.Unlock()
	if old != nil {
		old.close()
	}
	logging.Logger().Info("knowledge file reloaded", "path", p.path, "entries", len(index.entries))
}

func buildFileIndex(path string) (*fileIndex, error) {
	entries, err := parseKnowledgeFile(path)
	if err != nil {
		return nil, err
	}

	writer, err := bluge.OpenWriter(bluge.InMemoryOnlyConfig())
	if err != nil {
		return nil, fmt.Errorf("open knowledge index: %w", err)
	}

	batch := bluge.NewBatch()
	for i, entry := range entries {
		doc := bluge.NewDocument(strconv.Itoa(i))
		doc.AddField(bluge.NewTextField("question", entry.Question))
		batch.Update(doc.ID(), doc)
	}
	if err := writer.Batch(batch); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("index knowledge entries: %w", err)
	}

	reader, err := writer.Reader()
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open knowledge index reader: %w", err)
	}

	return &fileIndex{
		writer:  writer,
		reader:  reader,
		entries: entries,
	}, nil
}

func (idx *fileIndex) close() {
	_ = idx.reader.Close()
	_ = idx.writer.Close()
}

// parseKnowledgeFile reads "question<TAB>answer" lines. Blank lines and
// '#' comments are skipped; so are lines without a tab.
func parseKnowledgeFile(path string) ([]fileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge file: %w", err)
	}
	defer f.Close()

	var entries []fileEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		question, answer, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		question = strings.TrimSpace(question)
		answer = strings.TrimSpace(answer)
		if question == "" || answer == "" {
			continue
		}
		entries = append(entries, fileEntry{Question: question, Answer: answer})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	return entries, nil
}

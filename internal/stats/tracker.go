// Package stats tracks handled conversation turns in a JSONL log.
package stats

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/qbot-ai/qbot/internal/store"
)

// Record is one persisted turn entry.
type Record struct {
	Timestamp  time.Time `json:"time"`
	Channel    string    `json:"channel"`
	Kind       string    `json:"kind"`
	OK         bool      `json:"ok"`
	DurationMS int64     `json:"duration_ms"`
}

// Summary holds aggregated turn counts.
type Summary struct {
	Total  int
	Failed int
	ByKind map[string]int
}

// Tracker appends turn records and computes summaries. Writes are
// serialized by the store layer.
type Tracker struct {
	path string
}

// New returns a Tracker for the configured turns JSONL path.
func New(path string) *Tracker {
	return &Tracker{path: path}
}

// Append writes one turn record to the JSONL file.
func (t *Tracker) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.path == "" {
		return errors.New("turns path is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}
	if err := store.AppendFile(t.path, append(encoded, '\n')); err != nil {
		return fmt.Errorf("append turn record: %w", err)
	}
	return nil
}

// Summarize scans the turns file and aggregates counts per activity kind.
// Malformed lines are skipped. A missing file yields an empty summary.
func (t *Tracker) Summarize(ctx context.Context) (Summary, error) {
	summary := Summary{ByKind: map[string]int{}}

	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if t.path == "" {
		return Summary{}, errors.New("turns path is required")
	}

	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return summary, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("open turns file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		summary.Total++
		if !rec.OK {
			summary.Failed++
		}
		if rec.Kind != "" {
			summary.ByKind[rec.Kind]++
		}
	}
	if err := scanner.Err(); err != nil {
		return Summary{}, fmt.Errorf("scan turns file: %w", err)
	}

	return summary, nil
}

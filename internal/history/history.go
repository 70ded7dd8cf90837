// Package history persists run outcomes as an append-only JSON-lines file.
// The engine owns no other cross-run state; later events consult the store
// only for prior pipeline statuses.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantryci/gantry/internal/scheduler"
	"github.com/gantryci/gantry/internal/trigger"
)

// Record captures one completed run.
type Record struct {
	RunID      string                     `json:"run_id"`
	Event      trigger.Event              `json:"event"`
	Pipelines  []scheduler.PipelineStatus `json:"pipelines"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Failed     bool                       `json:"failed"`
}

// Store is a mutexed append-only history file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store that writes to the provided path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: ensure dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the file backing this store.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// NewRecord assembles a record for a finished run with a fresh run ID.
func NewRecord(ev trigger.Event, result *scheduler.Result) Record {
	return Record{
		RunID:      uuid.NewString(),
		Event:      ev,
		Pipelines:  result.Pipelines,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Failed:     result.Failed(),
	}
}

// Append writes a single record to the history file.
func (s *Store) Append(record Record) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("history: open: %w", err)
	}
	defer file.Close()
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("history: encode record: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Tail returns up to maxRecords of the most recent runs, oldest first.
func (s *Store) Tail(maxRecords int) ([]Record, error) {
	if s == nil || maxRecords <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: open: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("history: decode record: %w", err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("history: scan: %w", err)
	}
	if len(records) > maxRecords {
		records = records[len(records)-maxRecords:]
	}
	return records, nil
}

// LastStatus reports the most recent terminal state recorded for a
// pipeline, feeding status-conditioned triggers on later events.
func (s *Store) LastStatus(pipelineName string) (scheduler.State, bool, error) {
	records, err := s.Tail(1 << 16)
	if err != nil {
		return "", false, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		for _, status := range records[i].Pipelines {
			if status.Name == pipelineName {
				return status.State, true, nil
			}
		}
	}
	return "", false, nil
}

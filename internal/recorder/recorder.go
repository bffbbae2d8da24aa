package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultKeep is how many run logs survive rotation when no limit is given.
	DefaultKeep = 10
	RunDir      = "reports"

	filePrefix = "run_"
	fileExt    = ".jsonl"
)

// Event types written by the harness.
const (
	EventRunStarted  = "run_started"
	EventTurn        = "turn"
	EventCaseResult  = "case_result"
	EventRunFinished = "run_finished"
)

// Event is a single line in a run log.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data"`
}

// Turn is one prompt/response exchange.
type Turn struct {
	Case       string  `json:"case,omitempty"`
	Language   string  `json:"language,omitempty"`
	Prompt     string  `json:"prompt"`
	Response   string  `json:"response"`
	Outcome    string  `json:"outcome"`
	ElapsedMs  int64   `json:"elapsed_ms"`
	TTFTMs     int64   `json:"ttft_ms,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Passed     bool    `json:"passed"`
	Error      string  `json:"error,omitempty"`
}

// Recorder writes one JSONL file per run and keeps the newest runs on disk.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	dir     string
	keep    int
	runID   string
	now     func() time.Time
}

// NewRecorder creates a recorder rooted at dir, creating it if needed.
func NewRecorder(dir string, keep int) (*Recorder, error) {
	if dir == "" {
		dir = RunDir
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, keep: keep, now: time.Now}, nil
}

// Start opens the log for a new run, rotating out the oldest files so that at
// most keep logs exist afterwards. It returns the path of the new log.
func (r *Recorder) Start(runID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return "", fmt.Errorf("rotate run logs: %w", err)
	}

	// The millisecond prefix keeps lexical order chronological.
	name := fmt.Sprintf("%s%013d_%s%s", filePrefix, r.now().UnixMilli(), runID, fileExt)
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.encoder.SetEscapeHTML(false)
	r.runID = runID
	return path, nil
}

// Log appends an event to the current run. Calls before Start are dropped.
func (r *Recorder) Log(eventType, sessionID string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	_ = r.encoder.Encode(Event{
		Timestamp: r.now(),
		Type:      eventType,
		RunID:     r.runID,
		SessionID: sessionID,
		Data:      data,
	})
}

// Runs lists run log paths, newest first.
func (r *Recorder) Runs() ([]string, error) {
	names, err := r.runFiles()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(r.dir, n)
	}
	return out, nil
}

func (r *Recorder) runFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// rotate leaves room for one more log within the keep limit.
func (r *Recorder) rotate() error {
	names, err := r.runFiles()
	if err != nil {
		return err
	}
	keep := r.keep - 1
	for i := keep; i < len(names); i++ {
		_ = os.Remove(filepath.Join(r.dir, names[i]))
	}
	return nil
}

// Close finishes the current run.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}

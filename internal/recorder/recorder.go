// Package recorder writes one JSONL trace per test session and keeps only
// the newest few on disk.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultKeep = 5
	tracePrefix = "session_"
	traceExt    = ".jsonl"
)

// Event is one trace line.
type Event struct {
	Seq       int         `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder owns the trace directory. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	keep     int
	file     *os.File
	w        *bufio.Writer
	enc      *json.Encoder
	path     string
	session  string
	seq      int
	lastPath string
}

// New creates the directory if needed. keep <= 0 uses DefaultKeep.
func New(dir string, keep int) (*Recorder, error) {
	if dir == "" {
		return nil, errors.New("trace directory is required")
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, keep: keep}, nil
}

// Start opens a fresh trace for sessionID, closing any open one and pruning
// old traces so at most keep remain afterwards.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()
	if err := r.pruneLocked(r.keep - 1); err != nil {
		return fmt.Errorf("prune traces: %w", err)
	}

	name := fmt.Sprintf("%s%s_%d%s", tracePrefix, sanitize(sessionID), time.Now().UnixMilli(), traceExt)
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	r.file = f
	r.w = bufio.NewWriter(f)
	r.enc = json.NewEncoder(r.w)
	r.path = path
	r.lastPath = path
	r.session = sessionID
	r.seq = 0
	return nil
}

// Log appends an event to the open trace. Events for a session other than
// the open one, or with no trace open, are dropped.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil || (sessionID != "" && sessionID != r.session) {
		return
	}
	r.seq++
	_ = r.enc.Encode(Event{
		Seq:       r.seq,
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
	_ = r.w.Flush()
}

// Close finishes the open trace, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

// LastPath returns the most recently started trace file.
func (r *Recorder) LastPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPath
}

// Traces lists trace files, newest first.
func (r *Recorder) Traces() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	files, err := r.listLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = filepath.Join(r.dir, f.name)
	}
	return out, nil
}

// TraceFor returns the newest trace of sessionID. ok is false when none is
// on disk.
func (r *Recorder) TraceFor(sessionID string) (path string, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	files, err := r.listLocked()
	if err != nil {
		return "", false, err
	}
	prefix := tracePrefix + sanitize(sessionID) + "_"
	for _, f := range files {
		if strings.HasPrefix(f.name, prefix) {
			return filepath.Join(r.dir, f.name), true, nil
		}
	}
	return "", false, nil
}

// ReadTrace parses a trace file. Malformed lines are skipped. When limit > 0
// only the last limit events are returned.
func ReadTrace(path string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var evt Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	if err := sc.Err(); err != nil {
		return events, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	_ = r.w.Flush()
	err := r.file.Close()
	r.file, r.w, r.enc, r.path, r.session = nil, nil, nil, "", ""
	return err
}

type traceFile struct {
	name string
	mod  time.Time
}

func (r *Recorder) listLocked() ([]traceFile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var files []traceFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tracePrefix) || filepath.Ext(e.Name()) != traceExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, traceFile{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].name > files[j].name
		}
		return files[i].mod.After(files[j].mod)
	})
	return files, nil
}

// pruneLocked keeps the newest n traces.
func (r *Recorder) pruneLocked(n int) error {
	if n < 0 {
		n = 0
	}
	files, err := r.listLocked()
	if err != nil {
		return err
	}
	for i := n; i < len(files); i++ {
		_ = os.Remove(filepath.Join(r.dir, files[i].name))
	}
	return nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

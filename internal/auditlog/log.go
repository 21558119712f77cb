package auditlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Entry is one finished hand-off attempt.
type Entry struct {
	Time        time.Time `json:"time"`
	Kind        string    `json:"kind"`
	AgentID     string    `json:"agent_id"`
	FromRegion  string    `json:"from_region,omitempty"`
	ToRegion    string    `json:"to_region,omitempty"`
	ToServer    string    `json:"to_server,omitempty"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason,omitempty"`
	Version     string    `json:"version,omitempty"`
	Local       bool      `json:"local"`
	DurationMS  int64     `json:"duration_ms"`
	CircuitCode uint32    `json:"circuit_code,omitempty"`
}

const recentSize = 256

// Log writes entries to disk and keeps the latest ones in memory for the admin API.
type Log struct {
	w      *hourlyWriter
	logger *zap.Logger

	mu     sync.Mutex
	recent []Entry
	next   int
	full   bool
}

// New returns a Log under dir. An empty dir keeps entries in memory only.
func New(dir string, logger *zap.Logger) *Log {
	l := &Log{logger: logger.With(zap.String("component", "auditlog")), recent: make([]Entry, recentSize)}
	if dir != "" {
		l.w = newHourlyWriter(filepath.Join(dir, "handoffs"), "handoffs")
	}
	return l
}

// Record never fails the caller; write errors are logged.
func (l *Log) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.mu.Lock()
	l.recent[l.next] = e
	l.next = (l.next + 1) % len(l.recent)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.w == nil {
		return
	}
	if err := l.w.Write(e); err != nil {
		l.logger.Warn("audit write failed", zap.Error(err))
	}
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.next
	if l.full {
		count = len(l.recent)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.recent)) % len(l.recent)
		out = append(out, l.recent[idx])
	}
	return out
}

func (l *Log) Close() error {
	if l.w == nil {
		return nil
	}
	return l.w.Close()
}

// ReadFile decodes every entry in one hourly file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var out []Entry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

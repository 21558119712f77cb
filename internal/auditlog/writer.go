// Package auditlog appends hand-off outcomes to hourly zstd-compressed JSONL files.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const hourLayout = "2006-01-02-15"

// segment is the open file for one UTC hour.
type segment struct {
	hour string
	f    *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, f: f, enc: enc, buf: bufio.NewWriterSize(enc, 32*1024)}, nil
}

// appendLine writes one record and flushes a zstd block so tailing readers see it.
func (s *segment) appendLine(b []byte) error {
	if _, err := s.buf.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.enc.Flush()
}

func (s *segment) close() error {
	return errors.Join(s.buf.Flush(), s.enc.Close(), s.f.Close())
}

// hourlyWriter rotates to a new "<prefix>-<hour>.jsonl.zst" file every UTC hour.
type hourlyWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	cur *segment
}

func newHourlyWriter(dir, prefix string) *hourlyWriter {
	return &hourlyWriter{dir: dir, prefix: prefix, now: time.Now}
}

func (w *hourlyWriter) path(hour string) string {
	return filepath.Join(w.dir, w.prefix+"-"+hour+".jsonl.zst")
}

func (w *hourlyWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	hour := w.now().UTC().Format(hourLayout)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil || w.cur.hour != hour {
		if w.cur != nil {
			err := w.cur.close()
			w.cur = nil
			if err != nil {
				return err
			}
		}
		seg, err := openSegment(w.path(hour), hour)
		if err != nil {
			return err
		}
		w.cur = seg
	}
	return w.cur.appendLine(b)
}

func (w *hourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return nil
	}
	err := w.cur.close()
	w.cur = nil
	return err
}

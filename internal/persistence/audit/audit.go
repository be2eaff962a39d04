// Package audit appends one JSONL entry per committed mutation, compressed
// with zstd and rotated hourly. The trail is best-effort: a failed audit
// write never fails the mutation it describes.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry describes one committed mutation.
type Entry struct {
	At     string   `json:"at"`
	Domain string   `json:"domain"`
	Op     string   `json:"op"`
	IDs    []string `json:"ids,omitempty"`
}

type Log struct {
	baseDir string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func Open(baseDir string) *Log {
	return &Log{baseDir: baseDir}
}

// Record appends one entry. Errors are swallowed by the caller's contract;
// Record reports them only so tests can assert on them.
func (l *Log) Record(domain, op string, ids ...string) error {
	if l == nil {
		return nil
	}
	e := Entry{
		At:     time.Now().UTC().Format(time.RFC3339Nano),
		Domain: domain,
		Op:     op,
		IDs:    ids,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != l.curHour {
		if err := l.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Log) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	path := l.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 64*1024)
	l.curHour = hour
	return nil
}

func (l *Log) closeLocked() error {
	var err error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	return err
}

func (l *Log) pathForHour(hour string) string {
	return filepath.Join(l.baseDir, fmt.Sprintf("mutations-%s.jsonl.zst", hour))
}

// Package deliverylog appends delivered messages to a size-rotated file.
package deliverylog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"echoattime/internal/store"
)

const (
	defaultMaxFileSize = 10 * 1024 * 1024 // 10MB
	defaultMaxFiles    = 5

	currentName  = "deliveries.log"
	rotatedGlob  = "deliveries-*.log"
	rotatedStamp = "20060102T150405.000000000"
)

// Entry is one line of the delivery log.
type Entry struct {
	DeliveredAt   time.Time `json:"delivered_at"`
	MessageID     string    `json:"message_id"`
	ScheduledTime string    `json:"scheduled_time"`
	Message       string    `json:"message"`
}

type Log struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	size        int64
	seq         int
	maxFileSize int64
	maxFiles    int
	now         func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithMaxFileSize sets the size at which the current file is rotated.
func WithMaxFileSize(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxFileSize = n
		}
	}
}

// WithMaxFiles sets how many rotated files are kept.
func WithMaxFiles(n int) Option {
	return func(l *Log) {
		if n >= 0 {
			l.maxFiles = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open creates dir if needed and opens the current log file for appending.
func Open(dir string, opts ...Option) (*Log, error) {
	l := &Log{
		dir:         dir,
		maxFileSize: defaultMaxFileSize,
		maxFiles:    defaultMaxFiles,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create delivery log directory %s: %w", dir, err)
	}
	if err := l.openCurrent(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openCurrent() error {
	f, err := os.OpenFile(filepath.Join(l.dir, currentName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat delivery log: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Deliver appends msg as one JSON line.
func (l *Log) Deliver(_ context.Context, msg store.ScheduledMessage) error {
	line, err := json.Marshal(Entry{
		DeliveredAt:   l.now().UTC(),
		MessageID:     msg.ID,
		ScheduledTime: msg.ScheduledTime,
		Message:       msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal delivery entry: %w", err)
	}
	return l.write(append(line, '\n'))
}

func (l *Log) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if l.size > 0 && l.size+int64(len(data)) > l.maxFileSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate delivery log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write delivery log: %w", err)
	}
	return nil
}

// rotate renames the current file and prunes old ones. Caller holds mu.
func (l *Log) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	l.file = nil
	l.seq++
	rotated := fmt.Sprintf("deliveries-%s-%06d.log", l.now().UTC().Format(rotatedStamp), l.seq)
	if err := os.Rename(filepath.Join(l.dir, currentName), filepath.Join(l.dir, rotated)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	if err := l.openCurrent(); err != nil {
		return err
	}
	return l.prune()
}

func (l *Log) prune() error {
	files, err := l.rotatedFiles()
	if err != nil {
		return err
	}
	for len(files) > l.maxFiles {
		if err := os.Remove(files[0]); err != nil {
			return fmt.Errorf("remove old delivery log %s: %w", files[0], err)
		}
		files = files[1:]
	}
	return nil
}

// rotatedFiles lists rotated files, oldest first.
func (l *Log) rotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, rotatedGlob))
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Cleanup removes rotated files last modified before now minus retention.
func (l *Log) Cleanup(retention time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	files, err := l.rotatedFiles()
	if err != nil {
		return err
	}
	cutoff := l.now().Add(-retention)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove old delivery log %s: %w", file, err)
			}
		}
	}
	return nil
}

// Entries reads the current file.
func (l *Log) Entries() ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, currentName))
	if err != nil {
		return nil, fmt.Errorf("read delivery log: %w", err)
	}
	var entries []Entry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode delivery entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close delivery log: %w", err)
	}
	return nil
}

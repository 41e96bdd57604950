package labelscan

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// WriteMonitor receives an audit trail of every merge the writers apply.
// The default is a no-op; enable the file-backed monitor to get a durable
// log of exactly which bits changed and when.
type WriteMonitor interface {
	// Merge records one applied tuple: the masks and the resulting bitset.
	Merge(label LabelID, rangeID uint64, addMask, removeMask, result uint64)

	// Flush marks that a batch of pending tuples was written to the tree.
	Flush()

	// WriteSessionEnded marks a writer close.
	WriteSessionEnded()

	// Force marks a checkpoint.
	Force()

	Close() error
}

type noopWriteMonitor struct{}

func (noopWriteMonitor) Merge(LabelID, uint64, uint64, uint64, uint64) {}
func (noopWriteMonitor) Flush()                                        {}
func (noopWriteMonitor) WriteSessionEnded()                            {}
func (noopWriteMonitor) Force()                                        {}
func (noopWriteMonitor) Close() error                                  { return nil }

// WriteLogSuffix is appended to the store file name for the audit log.
const WriteLogSuffix = ".writelog"

// DefaultWriteLogRotation rotates the audit log at 200 MiB.
const DefaultWriteLogRotation = 200 * 1024 * 1024

type writeLogEvent struct {
	Event   string `json:"event"`
	Time    string `json:"ts"`
	Session string `json:"session,omitempty"`
	Label   *int32 `json:"label,omitempty"`
	Range   uint64 `json:"range"`
	Add     uint64 `json:"add"`
	Remove  uint64 `json:"remove"`
	Result  uint64 `json:"result"`
}

// FileWriteMonitor appends one JSON line per event to <storefile>.writelog.
// When the live log passes the rotation threshold it is sealed into a
// numbered gzip segment next to it, so the audit trail is unbounded in time
// but bounded in hot-file size. A fresh uuid identifies each store session
// in the log, letting offline tooling split the trail by process lifetime.
type FileWriteMonitor struct {
	mu       sync.Mutex
	path     string
	session  string
	rotateAt int64
	size     int64
	segment  int
	f        *os.File
	w        *bufio.Writer
	closed   bool
}

// NewFileWriteMonitor opens (or continues) the audit log for the store file
// at storePath. rotateAt bounds the live log size in bytes; zero means
// DefaultWriteLogRotation.
func NewFileWriteMonitor(storePath string, rotateAt int64) (*FileWriteMonitor, error) {
	if rotateAt <= 0 {
		rotateAt = DefaultWriteLogRotation
	}
	path := storePath + WriteLogSuffix
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("labelscan: open write log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("labelscan: stat write log: %w", err)
	}
	m := &FileWriteMonitor{
		path:     path,
		session:  uuid.NewString(),
		rotateAt: rotateAt,
		size:     info.Size(),
		segment:  highestSegment(path),
		f:        f,
		w:        bufio.NewWriter(f),
	}
	m.emit(writeLogEvent{Event: "session_start", Session: m.session})
	return m, nil
}

// highestSegment finds the largest existing rotated-segment number so a
// reopened monitor keeps numbering where the previous session stopped.
func highestSegment(path string) int {
	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil {
		return 0
	}
	highest := 0
	for _, m := range matches {
		trimmed := strings.TrimSuffix(strings.TrimPrefix(m, path+"."), ".gz")
		if n, err := strconv.Atoi(trimmed); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// Session returns this store session's id as written to the log.
func (m *FileWriteMonitor) Session() string { return m.session }

// Path returns the live log file path.
func (m *FileWriteMonitor) Path() string { return m.path }

func (m *FileWriteMonitor) emit(ev writeLogEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	ev.Time = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := m.w.Write(line); err != nil {
		return
	}
	m.size += int64(len(line))
	if m.size >= m.rotateAt {
		m.rotateLocked()
	}
}

// rotateLocked seals the live log into the next gzip segment and starts a
// fresh one. Best effort: on any failure the live log keeps growing.
func (m *FileWriteMonitor) rotateLocked() {
	if err := m.w.Flush(); err != nil {
		return
	}
	if err := m.f.Close(); err != nil {
		return
	}
	m.segment++
	if err := compressFile(m.path, fmt.Sprintf("%s.%d.gz", m.path, m.segment)); err == nil {
		_ = os.Remove(m.path)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.closed = true
		return
	}
	m.f = f
	m.w = bufio.NewWriter(f)
	m.size = 0
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func (m *FileWriteMonitor) Merge(label LabelID, rangeID uint64, addMask, removeMask, result uint64) {
	l := int32(label)
	m.emit(writeLogEvent{
		Event:  "merge",
		Label:  &l,
		Range:  rangeID,
		Add:    addMask,
		Remove: removeMask,
		Result: result,
	})
}

func (m *FileWriteMonitor) Flush() {
	m.emit(writeLogEvent{Event: "flush"})
}

func (m *FileWriteMonitor) WriteSessionEnded() {
	m.emit(writeLogEvent{Event: "session_end", Session: m.session})
	m.mu.Lock()
	_ = m.w.Flush()
	m.mu.Unlock()
}

func (m *FileWriteMonitor) Force() {
	m.emit(writeLogEvent{Event: "force"})
	m.mu.Lock()
	_ = m.w.Flush()
	m.mu.Unlock()
}

func (m *FileWriteMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.w.Flush(); err != nil {
		_ = m.f.Close()
		return err
	}
	return m.f.Close()
}

package log

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

	"github.com/klauspost/compress/zstd"

	"bastom.dev/internal/sim/world"
)

const ext = ".jsonl.zst"

// hourly appends JSON lines to zstd segments, one per UTC hour, named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst. Each line is flushed to the file as a
// zstd block before append returns.
type hourly[T any] struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	seg *segment
}

func newHourly[T any](dir, prefix string) *hourly[T] {
	return &hourly[T]{dir: dir, prefix: prefix, now: time.Now}
}

func (h *hourly[T]) append(v T) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	hour := h.now().UTC().Format("2006-01-02-15")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seg == nil || h.seg.hour != hour {
		if err := h.closeLocked(); err != nil {
			return err
		}
		seg, err := openSegment(filepath.Join(h.dir, h.prefix+"-"+hour+ext), hour)
		if err != nil {
			return err
		}
		h.seg = seg
	}
	return h.seg.writeLine(line)
}

func (h *hourly[T]) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *hourly[T]) closeLocked() error {
	if h.seg == nil {
		return nil
	}
	err := h.seg.close()
	h.seg = nil
	return err
}

type segment struct {
	hour string
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
}

// openSegment appends a new zstd frame to path; concatenated frames decode
// as one stream.
func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, f: f, zw: zw, bw: bufio.NewWriterSize(zw, 128*1024)}, nil
}

func (s *segment) writeLine(line []byte) error {
	if _, err := s.bw.Write(line); err != nil {
		return err
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	return s.zw.Flush()
}

func (s *segment) close() error {
	return errors.Join(s.bw.Flush(), s.zw.Close(), s.f.Close())
}

// TickLogger writes one entry per tick under <world>/events.
type TickLogger struct{ w *hourly[world.TickLogEntry] }

func NewTickLogger(worldDir string) *TickLogger {
	return &TickLogger{w: newHourly[world.TickLogEntry](filepath.Join(worldDir, "events"), "events")}
}

func (l *TickLogger) WriteTick(e world.TickLogEntry) error { return l.w.append(e) }
func (l *TickLogger) Close() error                         { return l.w.close() }

// AuditLogger writes block edits under <world>/audit.
type AuditLogger struct{ w *hourly[world.AuditEntry] }

func NewAuditLogger(worldDir string) *AuditLogger {
	return &AuditLogger{w: newHourly[world.AuditEntry](filepath.Join(worldDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(e world.AuditEntry) error { return l.w.append(e) }
func (l *AuditLogger) Close() error                        { return l.w.close() }

// TeeTick fans a tick entry out to several loggers. Every logger is
// written even if an earlier one fails.
type TeeTick []world.TickLogger

func (t TeeTick) WriteTick(e world.TickLogEntry) error {
	var errs []error
	for _, l := range t {
		if err := l.WriteTick(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type TeeAudit []world.AuditLogger

func (t TeeAudit) WriteAudit(e world.AuditEntry) error {
	var errs []error
	for _, l := range t {
		if err := l.WriteAudit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListFiles returns the <prefix>-* segment files in dir, oldest first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ext) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadTicks decodes every tick entry in the events files under dir, in
// order, and calls fn for each. It stops at the first error fn returns.
func ReadTicks(dir string, fn func(world.TickLogEntry) error) error {
	return readAll(dir, "events", fn)
}

// ReadAudits is ReadTicks for the audit files.
func ReadAudits(dir string, fn func(world.AuditEntry) error) error {
	return readAll(dir, "audit", fn)
}

func readAll[T any](dir, prefix string, fn func(T) error) error {
	files, err := ListFiles(dir, prefix)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := readFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

func readFile[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var entry T
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return sc.Err()
}

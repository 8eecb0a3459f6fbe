package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"estateplanner.dev/internal/sim/estate"
)

const DefaultRotateLayout = "2006-01-02-15"

type LoggerOptions struct {
	// RotateLayout is a time layout; a new segment starts whenever the
	// formatted UTC time changes. Empty means hourly.
	RotateLayout string
	// OnClose is called with the path of every finished segment.
	OnClose func(path string)

	now func() time.Time
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	opts    LoggerOptions

	mu     sync.Mutex
	curSeg string
	path   string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	if opts.RotateLayout == "" {
		opts.RotateLayout = DefaultRotateLayout
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix, opts: opts}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.opts.now().UTC().Format(w.opts.RotateLayout)
	if seg != w.curSeg || w.w == nil {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(seg string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForSegment(seg)
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
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSeg = seg
	w.path = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	closed := ""
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		closed = w.path
	}
	w.w = nil
	if closed != "" && w.opts.OnClose != nil {
		w.opts.OnClose(closed)
	}
	return err1
}

func (w *JSONLZstdWriter) pathForSegment(seg string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, seg))
}

// TickLogger writes one JSONL entry per tick (compressed).
type TickLogger struct{ w *JSONLZstdWriter }

func NewTickLogger(estateDir string) *TickLogger {
	return NewTickLoggerWithOptions(estateDir, LoggerOptions{})
}

func NewTickLoggerWithOptions(estateDir string, opts LoggerOptions) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(estateDir, "events"), "events", opts)}
}

func (l *TickLogger) WriteTick(v estate.TickLogEntry) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                          { return l.w.Close() }

// AuditLogger writes audit JSONL entries (compressed).
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(estateDir string) *AuditLogger {
	return NewAuditLoggerWithOptions(estateDir, LoggerOptions{})
}

func NewAuditLoggerWithOptions(estateDir string, opts LoggerOptions) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(estateDir, "audit"), "audit", opts)}
}

func (l *AuditLogger) WriteAudit(v estate.AuditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error                         { return l.w.Close() }

// Fanout duplicates tick and audit entries to several sinks. Nil sinks are
// skipped; the first error is returned after all sinks ran.
type Fanout struct {
	Ticks  []estate.TickLogger
	Audits []estate.AuditLogger
}

func (f Fanout) WriteTick(e estate.TickLogEntry) error {
	var first error
	for _, t := range f.Ticks {
		if t == nil {
			continue
		}
		if err := t.WriteTick(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) WriteAudit(e estate.AuditEntry) error {
	var first error
	for _, a := range f.Audits {
		if a == nil {
			continue
		}
		if err := a.WriteAudit(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

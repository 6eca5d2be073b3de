package obs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gansauditor/gansauditor/pkg/masking"
)

// Stream names one of the four operation-log files.
type Stream string

const (
	StreamAudit       Stream = "audit"
	StreamSession     Stream = "session"
	StreamPerformance Stream = "performance"
	StreamContext     Stream = "context"
)

var allStreams = []Stream{StreamAudit, StreamSession, StreamPerformance, StreamContext}

// Fields is the structured payload of one entry.
type Fields map[string]any

// Entry is one operation-log record. ID and TS are stamped on emit when unset.
type Entry struct {
	ID        string    `json:"id"`
	TS        time.Time `json:"ts"`
	Event     string    `json:"event"`
	SessionID string    `json:"session_id,omitempty"`
	LoopID    string    `json:"loop_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Fields    Fields    `json:"fields,omitempty"`
}

// OpLoggerConfig holds the sink settings the logger needs.
type OpLoggerConfig struct {
	LogDir        string
	MaxFileSizeMB int
	MaxFiles      int
	FlushInterval time.Duration
	BufferSize    int
}

type record struct {
	stream Stream
	entry  Entry
}

// OpLogger writes append-only JSON-per-line operation logs, one file set per
// stream, named <stream>-<YYYY-MM-DD>.jsonl with same-day size rollover and
// a retention count. Emission never blocks: entries go through a bounded
// in-memory queue drained by a background flusher; on overflow the oldest
// queued entry is dropped.
type OpLogger struct {
	cfg      OpLoggerConfig
	redactor *masking.Service

	queue   chan record
	dropped atomic.Int64

	cancel  context.CancelFunc
	done    chan struct{}
	writers map[Stream]*streamWriter
}

// NewOpLogger creates the log directory and the per-stream writers. Start
// must be called before entries flow.
func NewOpLogger(cfg OpLoggerConfig, redactor *masking.Service) (*OpLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	writers := make(map[Stream]*streamWriter, len(allStreams))
	for _, s := range allStreams {
		writers[s] = &streamWriter{
			dir:      cfg.LogDir,
			stream:   s,
			maxBytes: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
			maxFiles: cfg.MaxFiles,
		}
	}

	return &OpLogger{
		cfg:      cfg,
		redactor: redactor,
		queue:    make(chan record, cfg.BufferSize),
		writers:  writers,
	}, nil
}

// Start launches the background flusher.
func (l *OpLogger) Start(ctx context.Context) {
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go l.run(ctx)

	slog.Info("Operation logger started",
		"log_dir", l.cfg.LogDir,
		"buffer_size", l.cfg.BufferSize,
		"flush_interval", l.cfg.FlushInterval)
}

// Close stops the flusher, drains the queue, and flushes every stream.
func (l *OpLogger) Close() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	if n := l.dropped.Load(); n > 0 {
		slog.Warn("Operation logger dropped entries under backpressure", "dropped", n)
	}
	slog.Info("Operation logger stopped")
}

// Emit queues one entry. When the queue is full the oldest queued entry is
// shed in favor of the new one.
func (l *OpLogger) Emit(stream Stream, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	if l.redactor != nil && entry.Fields != nil {
		entry.Fields = l.redactor.RedactFields(entry.Fields)
	}

	rec := record{stream: stream, entry: entry}
	select {
	case l.queue <- rec:
		return
	default:
	}
	select {
	case <-l.queue:
		l.dropped.Add(1)
	default:
	}
	select {
	case l.queue <- rec:
	default:
		l.dropped.Add(1)
	}
}

func (l *OpLogger) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			l.closeAll()
			return
		case rec := <-l.queue:
			l.write(rec)
		case <-ticker.C:
			l.flushAll()
		}
	}
}

// drain empties whatever is still queued at shutdown.
func (l *OpLogger) drain() {
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		default:
			return
		}
	}
}

func (l *OpLogger) write(rec record) {
	w, ok := l.writers[rec.stream]
	if !ok {
		return
	}
	if err := w.write(rec.entry); err != nil {
		slog.Error("Operation log write failed", "stream", string(rec.stream), "error", err)
	}
}

func (l *OpLogger) flushAll() {
	for _, w := range l.writers {
		if err := w.flush(); err != nil {
			slog.Error("Operation log flush failed", "stream", string(w.stream), "error", err)
		}
	}
}

func (l *OpLogger) closeAll() {
	for _, w := range l.writers {
		if err := w.close(); err != nil {
			slog.Error("Operation log close failed", "stream", string(w.stream), "error", err)
		}
	}
}

// streamWriter owns the current file of one stream. Only the flusher
// goroutine touches it.
type streamWriter struct {
	dir      string
	stream   Stream
	maxBytes int64
	maxFiles int

	file *os.File
	bw   *bufio.Writer
	date string
	seq  int
	size int64
}

func (w *streamWriter) write(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	line = append(line, '\n')

	day := entry.TS.Format(time.DateOnly)
	if w.file == nil || day != w.date {
		if err := w.open(day, 0); err != nil {
			return err
		}
	} else if w.maxBytes > 0 && w.size+int64(len(line)) > w.maxBytes {
		if err := w.open(day, w.seq+1); err != nil {
			return err
		}
	}

	n, err := w.bw.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("appending entry: %w", err)
	}
	return nil
}

// open rotates to the file for the given date and sequence, then prunes the
// stream's oldest files beyond the retention count.
func (w *streamWriter) open(date string, seq int) error {
	if err := w.close(); err != nil {
		slog.Warn("Operation log rotation close failed", "stream", string(w.stream), "error", err)
	}

	name := fmt.Sprintf("%s-%s.jsonl", w.stream, date)
	if seq > 0 {
		name = fmt.Sprintf("%s-%s.%d.jsonl", w.stream, date, seq)
	}
	path := filepath.Join(w.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("statting %s: %w", path, err)
	}

	w.file = f
	w.bw = bufio.NewWriter(f)
	w.date = date
	w.seq = seq
	w.size = info.Size()

	w.prune()
	return nil
}

// prune removes the oldest files of this stream beyond maxFiles. Date-first
// names sort chronologically.
func (w *streamWriter) prune() {
	if w.maxFiles <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(w.dir, string(w.stream)+"-*.jsonl"))
	if err != nil || len(matches) <= w.maxFiles {
		return
	}
	sort.Strings(matches)
	for _, path := range matches[:len(matches)-w.maxFiles] {
		if err := os.Remove(path); err != nil {
			slog.Warn("Operation log retention prune failed", "path", path, "error", err)
		}
	}
}

func (w *streamWriter) flush() error {
	if w.bw == nil {
		return nil
	}
	return w.bw.Flush()
}

func (w *streamWriter) close() error {
	if w.file == nil {
		return nil
	}
	flushErr := w.bw.Flush()
	closeErr := w.file.Close()
	w.file = nil
	w.bw = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

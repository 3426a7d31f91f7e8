package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("journal writer is closed")
	// ErrBufferFull is returned when the write queue is saturated.
	ErrBufferFull = errors.New("journal buffer full")
)

// Writer appends JSON lines asynchronously to <baseDir>/<UTC date>/<name>.jsonl,
// rotating by size through lumberjack. Every file opened (one per UTC date)
// leaves one lumberjack mill goroutine alive for the life of the process;
// lumberjack's Close does not stop it.
type Writer struct {
	baseDir   string
	name      string
	maxSizeMB int

	writeCh chan any
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce   sync.Once
	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
	now         func() time.Time
}

// NewWriter creates a Writer and starts its write loop.
func NewWriter(baseDir, name string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize < 1 {
		bufferSize = 1
	}
	w := &Writer{
		baseDir:   baseDir,
		name:      name,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Write queues a record without blocking.
func (w *Writer) Write(record any) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("journal buffer full, dropping record", "journal", w.name)
		return ErrBufferFull
	}
}

// Close stops the write loop, flushes queued records and closes the file.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		// Drain whatever was queued before done closed.
		for drained := false; !drained; {
			select {
			case record := <-w.writeCh:
				w.writeRecord(record)
			default:
				drained = true
			}
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.logger != nil {
			err = w.logger.Close()
			w.logger = nil
		}
	})
	return err
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *Writer) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("failed to marshal journal record", "error", err, "journal", w.name)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if w.logger == nil || date != w.currentDate {
		if !w.rotateForDate(date) {
			return
		}
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write journal record", "error", err, "journal", w.name)
	}
}

func (w *Writer) rotateForDate(date string) bool {
	if w.logger != nil {
		if err := w.logger.Close(); err != nil {
			slog.Debug("journal close failed", "error", err, "journal", w.name)
		}
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create journal directory", "error", err, "dir", dir)
		return false
	}

	filename := filepath.Join(dir, w.name+".jsonl")
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("opened journal file", "file", filename, "journal", w.name)
	return true
}

// Package file provides a consumer-group sink that appends delivered items
// to a file, batching writes.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
)

// Formats.
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
)

// Config holds configuration for a file sink.
type Config struct {
	Path          string
	Format        string // jsonl (default) or json (indented)
	Append        bool
	BufferSize    int           // Items per batch, defaults to 100
	FlushInterval time.Duration // Defaults to 1s
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}

	switch c.Format {
	case "":
		c.Format = FormatJSONL
	case FormatJSONL, FormatJSON:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: json, jsonl")
	}

	if c.BufferSize < 0 || c.FlushInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"buffer_size and flush_interval cannot be negative")
	}
	if c.BufferSize == 0 {
		c.BufferSize = 100
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
	return nil
}

// Output writes items to one file.
type Output struct {
	cfg    Config
	logger *slog.Logger

	file   *os.File
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	itemsWritten atomic.Int64
	bytesWritten atomic.Int64
	errors       atomic.Int64
}

// New opens the file, creating its directory, and starts the flush loop.
func New(cfg Config, logger *slog.Logger) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, errors.WrapFatal(err, "file", "New", "create output directory")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0644)
	if err != nil {
		return nil, errors.WrapFatal(err, "file", "New", "open output file")
	}

	o := &Output{
		cfg:      cfg,
		logger:   logger.With("component", "file-output", "path", cfg.Path),
		file:     f,
		buffer:   make([][]byte, 0, cfg.BufferSize),
		shutdown: make(chan struct{}),
	}

	o.wg.Add(1)
	go o.flushLoop()

	o.logger.Info("File output opened", "format", cfg.Format, "append", cfg.Append)
	return o, nil
}

// Sink returns the delivery function to hand to a consumer group.
func (o *Output) Sink() flow.Sink {
	return o.Deliver
}

// Deliver buffers one item, flushing when the batch is full.
func (o *Output) Deliver(_ context.Context, item flow.Item) {
	var (
		data []byte
		err  error
	)
	if o.cfg.Format == FormatJSON {
		data, err = json.MarshalIndent(item, "", "  ")
	} else {
		data, err = json.Marshal(item)
	}
	if err != nil {
		o.errors.Add(1)
		o.logger.Warn("Failed to encode item", "source", item.Source, "seq", item.Seq, "error", err)
		return
	}

	o.bufferMu.Lock()
	o.buffer = append(o.buffer, append(data, '\n'))
	shouldFlush := len(o.buffer) >= o.cfg.BufferSize
	o.bufferMu.Unlock()

	if shouldFlush {
		o.flush()
	}
}

// flushLoop periodically flushes the buffer
func (o *Output) flushLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.shutdown:
			return
		case <-ticker.C:
			o.flush()
		}
	}
}

// flush writes buffered items to the file.
func (o *Output) flush() {
	o.bufferMu.Lock()
	if len(o.buffer) == 0 {
		o.bufferMu.Unlock()
		return
	}
	batch := o.buffer
	o.buffer = make([][]byte, 0, o.cfg.BufferSize)
	o.bufferMu.Unlock()

	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	if o.file == nil {
		o.errors.Add(int64(len(batch)))
		o.logger.Error("Items lost after close", "count", len(batch))
		return
	}

	for _, data := range batch {
		n, err := o.file.Write(data)
		if err != nil {
			o.errors.Add(1)
			o.logger.Error("Failed to write item", "error", err)
			continue
		}
		o.itemsWritten.Add(1)
		o.bytesWritten.Add(int64(n))
	}
}

// Written returns how many items reached the file.
func (o *Output) Written() int64 { return o.itemsWritten.Load() }

// Errors returns how many items failed to encode or write.
func (o *Output) Errors() int64 { return o.errors.Load() }

// Close flushes what is buffered and closes the file. Safe to call more
// than once.
func (o *Output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.shutdown)
		o.wg.Wait()
		o.flush()

		o.fileMu.Lock()
		defer o.fileMu.Unlock()
		if cerr := o.file.Close(); cerr != nil {
			err = errors.Wrap(cerr, "file", "Close", fmt.Sprintf("close %s", o.cfg.Path))
		}
		o.file = nil

		o.logger.Info("File output closed",
			"written", o.itemsWritten.Load(),
			"bytes", o.bytesWritten.Load(),
			"errors", o.errors.Load())
	})
	return err
}

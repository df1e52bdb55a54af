package flow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/queue"
)

const (
	readChunk     = 64 * 1024
	readerBackoff = 5 * time.Millisecond

	// DefaultPatternBytes matches the byte count the send harness has
	// always written.
	DefaultPatternBytes = 819200
)

// StdStream selects stdin or stdout in file block configs.
const StdStream = "-"

// FileSourceConfig configures a file_source block.
type FileSourceConfig struct {
	ItemSize   int    `mapstructure:"item_size" yaml:"item_size"`
	VecLen     int    `mapstructure:"vec_len" yaml:"vec_len"`
	Path       string `mapstructure:"path" yaml:"path"`
	QueueBytes int    `mapstructure:"queue_bytes" yaml:"queue_bytes"`
}

// ReaderSource delivers the bytes of an io.Reader as items. A goroutine reads
// into a queue so Work never blocks. A trailing partial item is discarded at
// end of file.
type ReaderSource struct {
	name     string
	itemSize int
	r        io.Reader
	closer   io.Closer
	logger   *slog.Logger
	stats    core.Counters
	q        *queue.ByteQueue

	eof     atomic.Bool
	readErr atomic.Value // error
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewReaderSource wraps r. When r is an io.Closer it is closed on Stop.
func NewReaderSource(name string, itemSize, queueBytes int, r io.Reader, logger *slog.Logger) (*ReaderSource, error) {
	if itemSize <= 0 {
		return nil, fmt.Errorf("%w: item size must be positive", core.ErrConfigInvalid)
	}
	if queueBytes <= 0 {
		queueBytes = 4 * readChunk
	}
	queueBytes = max(queueBytes/itemSize, 1) * itemSize
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("block", name)
	s := &ReaderSource{
		name:     name,
		itemSize: itemSize,
		r:        r,
		logger:   logger,
		q:        queue.New(queueBytes, queue.WithLogger(logger), queue.WithName(name)),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// NewFileSource opens cfg.Path, or stdin when the path is "-".
func NewFileSource(name string, cfg FileSourceConfig, logger *slog.Logger) (*ReaderSource, error) {
	if cfg.VecLen == 0 {
		cfg.VecLen = 1
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", core.ErrConfigInvalid)
	}
	if cfg.ItemSize <= 0 || cfg.VecLen <= 0 {
		return nil, fmt.Errorf("%w: item_size and vec_len must be positive", core.ErrConfigInvalid)
	}
	// stdin is never closed, so Stop cannot interrupt a pending read on it
	var r io.Reader = struct{ io.Reader }{os.Stdin}
	if cfg.Path != StdStream {
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
		}
		r = f
	}
	return NewReaderSource(name, cfg.ItemSize*cfg.VecLen, cfg.QueueBytes, r, logger)
}

func (s *ReaderSource) Name() string { return s.name }

func (s *ReaderSource) ItemSize() int { return s.itemSize }

func (s *ReaderSource) OutputMultiple() int { return 1 }

// Start launches the read goroutine.
func (s *ReaderSource) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.readLoop(ctx)
	return nil
}

// Work drains whole items. It returns ErrEndOfStream once the reader is
// exhausted and fewer than one item remains.
func (s *ReaderSource) Work(out []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	items := min(len(out), s.q.Len()) / s.itemSize
	if items == 0 {
		if s.eof.Load() {
			if s.q.Len() < s.itemSize {
				return 0, core.ErrEndOfStream
			}
			return 0, nil
		}
		s.stats.Underruns.Add(1)
		return 0, nil
	}
	n := s.q.DrainInto(out[:items*s.itemSize])
	s.stats.ItemsOut.Add(uint64(n / s.itemSize))
	s.stats.BytesOut.Add(uint64(n))
	return n / s.itemSize, nil
}

// Stop ends the read goroutine and closes the reader. A reader blocked in
// Read is released by closing it; one that cannot be closed is abandoned.
func (s *ReaderSource) Stop() error {
	var err error
	s.once.Do(func() {
		if s.running.CompareAndSwap(true, false) {
			s.cancel()
		}
		if s.closer != nil {
			err = s.closer.Close()
			s.wg.Wait()
		}
		if rest := s.q.Reset(); rest > 0 {
			s.stats.DroppedBytes.Add(uint64(rest))
		}
	})
	return err
}

// Stats returns a snapshot of the source counters.
func (s *ReaderSource) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	st.Overruns = s.q.Overruns()
	st.QueueLen = s.q.Len()
	st.QueueCap = s.q.Cap()
	st.State = "reading"
	if s.eof.Load() {
		st.State = "eof"
	}
	return st
}

// Err returns the read error that ended the stream, if any.
func (s *ReaderSource) Err() error {
	if err, ok := s.readErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *ReaderSource) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.eof.Store(true)

	buf := make([]byte, readChunk)
	for ctx.Err() == nil {
		free := s.q.Free()
		if free == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(readerBackoff):
			}
			continue
		}
		n, err := s.r.Read(buf[:min(free, len(buf))])
		if n > 0 {
			s.q.Push(buf[:n])
			s.stats.BytesIn.Add(uint64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.readErr.Store(err)
				s.logger.Error("read failed, ending stream", "error", err)
			}
			if tail := s.q.Len() % s.itemSize; tail > 0 {
				s.q.DiscardTail(tail)
				s.stats.DroppedBytes.Add(uint64(tail))
			}
			return
		}
	}
}

// PatternSourceConfig configures a pattern_source block.
type PatternSourceConfig struct {
	ItemSize   int `mapstructure:"item_size" yaml:"item_size"`
	VecLen     int `mapstructure:"vec_len" yaml:"vec_len"`
	TotalBytes int `mapstructure:"total_bytes" yaml:"total_bytes"`
}

// PatternSource emits the ASCII digits 0123456789 repeating until the byte
// budget is spent. The budget is rounded down to whole items.
type PatternSource struct {
	name     string
	itemSize int
	total    int
	offset   int
	stats    core.Counters
	running  atomic.Bool
	mu       sync.Mutex
}

// NewPatternSource creates a source for cfg.
func NewPatternSource(name string, cfg PatternSourceConfig) (*PatternSource, error) {
	if cfg.VecLen == 0 {
		cfg.VecLen = 1
	}
	if cfg.TotalBytes == 0 {
		cfg.TotalBytes = DefaultPatternBytes
	}
	if cfg.ItemSize <= 0 || cfg.VecLen <= 0 || cfg.TotalBytes < 0 {
		return nil, fmt.Errorf("%w: item_size, vec_len and total_bytes must be positive", core.ErrConfigInvalid)
	}
	itemSize := cfg.ItemSize * cfg.VecLen
	return &PatternSource{
		name:     name,
		itemSize: itemSize,
		total:    cfg.TotalBytes / itemSize * itemSize,
	}, nil
}

// PatternByte returns the pattern byte at stream offset i.
func PatternByte(i int) byte { return '0' + byte(i%10) }

func (s *PatternSource) Name() string { return s.name }

func (s *PatternSource) ItemSize() int { return s.itemSize }

func (s *PatternSource) OutputMultiple() int { return 1 }

func (s *PatternSource) Start(context.Context) error {
	s.running.Store(true)
	return nil
}

// Work fills out with the next part of the pattern.
func (s *PatternSource) Work(out []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	left := s.total - s.offset
	if left == 0 {
		return 0, core.ErrEndOfStream
	}
	n := min(len(out), left) / s.itemSize * s.itemSize
	for i := range out[:n] {
		out[i] = PatternByte(s.offset + i)
	}
	s.offset += n
	s.stats.ItemsOut.Add(uint64(n / s.itemSize))
	s.stats.BytesOut.Add(uint64(n))
	return n / s.itemSize, nil
}

func (s *PatternSource) Stop() error {
	s.running.Store(false)
	return nil
}

func (s *PatternSource) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	s.mu.Lock()
	if s.offset == s.total {
		st.State = "done"
	} else {
		st.State = "generating"
	}
	s.mu.Unlock()
	return st
}

// FileSinkConfig configures a file_sink block.
type FileSinkConfig struct {
	ItemSize int    `mapstructure:"item_size" yaml:"item_size"`
	VecLen   int    `mapstructure:"vec_len" yaml:"vec_len"`
	Path     string `mapstructure:"path" yaml:"path"`
	Append   bool   `mapstructure:"append" yaml:"append"`
}

// WriterSink writes every item to an io.Writer through a buffer.
type WriterSink struct {
	name     string
	itemSize int
	w        *bufio.Writer
	closer   io.Closer
	logger   *slog.Logger
	stats    core.Counters
	running  atomic.Bool
	failed   atomic.Bool
	mu       sync.Mutex
	once     sync.Once
}

// NewWriterSink wraps w. When w is an io.Closer it is closed on Stop.
func NewWriterSink(name string, itemSize int, w io.Writer, logger *slog.Logger) (*WriterSink, error) {
	if itemSize <= 0 {
		return nil, fmt.Errorf("%w: item size must be positive", core.ErrConfigInvalid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &WriterSink{
		name:     name,
		itemSize: itemSize,
		w:        bufio.NewWriterSize(w, readChunk),
		logger:   logger.With("block", name),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// NewFileSink creates or truncates cfg.Path, or writes stdout when the path
// is "-".
func NewFileSink(name string, cfg FileSinkConfig, logger *slog.Logger) (*WriterSink, error) {
	if cfg.VecLen == 0 {
		cfg.VecLen = 1
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", core.ErrConfigInvalid)
	}
	if cfg.ItemSize <= 0 || cfg.VecLen <= 0 {
		return nil, fmt.Errorf("%w: item_size and vec_len must be positive", core.ErrConfigInvalid)
	}
	var w io.Writer = os.Stdout
	if cfg.Path != StdStream {
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if cfg.Append {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(cfg.Path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
		}
		w = f
	}
	return NewWriterSink(name, cfg.ItemSize*cfg.VecLen, w, logger)
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) ItemSize() int { return s.itemSize }

func (s *WriterSink) Start(context.Context) error {
	s.running.Store(true)
	return nil
}

// Work writes all whole items of in. A write error ends the stream.
func (s *WriterSink) Work(in []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	if s.failed.Load() {
		return 0, core.ErrEndOfStream
	}
	n := len(in) / s.itemSize * s.itemSize

	s.mu.Lock()
	_, err := s.w.Write(in[:n])
	s.mu.Unlock()
	if err != nil {
		s.failed.Store(true)
		s.logger.Error("write failed, ending stream", "error", err)
		return 0, core.ErrEndOfStream
	}
	s.stats.ItemsIn.Add(uint64(n / s.itemSize))
	s.stats.BytesIn.Add(uint64(n))
	return n / s.itemSize, nil
}

// Flush pushes buffered bytes to the writer.
func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Stop flushes and closes the writer.
func (s *WriterSink) Stop() error {
	var err error
	s.once.Do(func() {
		s.running.Store(false)
		err = s.Flush()
		if s.closer != nil {
			if cerr := s.closer.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (s *WriterSink) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	st.State = "writing"
	if s.failed.Load() {
		st.State = "failed"
	}
	return st
}

// NullSinkConfig configures a null_sink block.
type NullSinkConfig struct {
	ItemSize int `mapstructure:"item_size" yaml:"item_size"`
	VecLen   int `mapstructure:"vec_len" yaml:"vec_len"`
}

// NullSink accepts and discards everything.
type NullSink struct {
	name     string
	itemSize int
	stats    core.Counters
}

func NewNullSink(name string, cfg NullSinkConfig) (*NullSink, error) {
	if cfg.VecLen == 0 {
		cfg.VecLen = 1
	}
	if cfg.ItemSize <= 0 || cfg.VecLen <= 0 {
		return nil, fmt.Errorf("%w: item_size and vec_len must be positive", core.ErrConfigInvalid)
	}
	return &NullSink{name: name, itemSize: cfg.ItemSize * cfg.VecLen}, nil
}

func (s *NullSink) Name() string { return s.name }

func (s *NullSink) ItemSize() int { return s.itemSize }

func (s *NullSink) Start(context.Context) error { return nil }

func (s *NullSink) Work(in []byte) (int, error) {
	n := len(in) / s.itemSize
	s.stats.ItemsIn.Add(uint64(n))
	s.stats.BytesIn.Add(uint64(n * s.itemSize))
	return n, nil
}

func (s *NullSink) Stop() error { return nil }

func (s *NullSink) Stats() core.BlockStats { return s.stats.Snapshot(s.name) }

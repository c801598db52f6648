// Package usage implements a non-blocking, batched usage logger.
//
// Records are written to an internal buffered channel and flushed in batches
// to a Writer by a background goroutine, so metering never blocks the relay
// hot path. If the channel fills up, new records are dropped and counted.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	writeTimeout         = 10 * time.Second
)

// Record is the metering row of one finished request.
type Record struct {
	ID                 uuid.UUID
	RequestID          string
	KeyID              int64
	UserID             int64
	SessionID          string
	ProviderID         int64
	Provider           string
	Format             string
	Model              string
	BilledModel        string
	StatusCode         int
	Reason             string
	Attempts           int
	Stream             bool
	InputTokens        int64
	OutputTokens       int64
	CacheWrite5mTokens int64
	CacheWrite1hTokens int64
	CacheReadTokens    int64
	CostUSD            decimal.Decimal
	LatencyMs          int64
	CreatedAt          time.Time
}

// Writer persists one batch. Implementations need not be safe for
// concurrent use: the logger calls Write from a single goroutine.
type Writer interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(u *Logger) {
		if l != nil {
			u.log = l
		}
	}
}

// WithBatchSize sets the number of records that triggers an early flush.
func WithBatchSize(n int) Option {
	return func(u *Logger) {
		if n > 0 {
			u.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(u *Logger) {
		if d > 0 {
			u.flushEvery = d
		}
	}
}

// WithBuffer sets the channel capacity.
func WithBuffer(n int) Option {
	return func(u *Logger) {
		if n > 0 {
			u.buffer = n
		}
	}
}

// WithDropHook registers fn, called once per dropped record.
func WithDropHook(fn func()) Option {
	return func(u *Logger) { u.onDrop = fn }
}

// Logger batches Records to a Writer.
type Logger struct {
	w          Writer
	ch         chan Record
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	buffer     int
	batchSize  int
	flushEvery time.Duration
	onDrop     func()

	dropped atomic.Int64
	written atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts a Logger writing to w.
func New(ctx context.Context, w Writer, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if w == nil {
		return nil, fmt.Errorf("usage: writer must not be nil")
	}

	u := &Logger{
		w:          w,
		done:       make(chan struct{}),
		buffer:     defaultBuffer,
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushInterval,
		baseCtx:    context.WithoutCancel(ctx),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	u.ch = make(chan Record, u.buffer)

	u.wg.Add(1)
	go u.run()

	return u, nil
}

// Log enqueues r. It never blocks; a full buffer drops the record.
func (u *Logger) Log(r Record) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC()

	select {
	case u.ch <- r:
	default:
		u.dropped.Add(1)
		if u.onDrop != nil {
			u.onDrop()
		}
	}
}

// Dropped returns the number of records dropped on a full buffer.
func (u *Logger) Dropped() int64 { return u.dropped.Load() }

// Written returns the number of records handed to the writer successfully.
func (u *Logger) Written() int64 { return u.written.Load() }

// Close flushes pending records and closes the writer.
func (u *Logger) Close() error {
	u.closeOnce.Do(func() {
		close(u.done)
	})
	u.wg.Wait()
	return u.w.Close()
}

func (u *Logger) run() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.flushEvery)
	defer ticker.Stop()

	batch := make([]Record, 0, u.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(u.baseCtx, writeTimeout)
		err := u.w.Write(ctx, batch)
		cancel()
		if err != nil {
			u.log.Error("usage_write_failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		} else {
			u.written.Add(int64(len(batch)))
		}
		batch = make([]Record, 0, u.batchSize)
	}

	for {
		select {
		case r := <-u.ch:
			batch = append(batch, r)
			if len(batch) >= u.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-u.done:
			for {
				select {
				case r := <-u.ch:
					batch = append(batch, r)
					if len(batch) >= u.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

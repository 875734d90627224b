package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/easymkt/internal/buffer"
	"github.com/rickgao/easymkt/internal/database"
	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
)

// Config holds batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats are recorder counters.
type Stats struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Dropped int64
}

// Copier is the subset of *pgxpool.Pool used for writes.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Update is one routed market data update awaiting a write.
type Update struct {
	Security   string
	Token      feed.Token
	ReceivedAt time.Time
	Payload    json.RawMessage
}

type updateRow struct {
	ID         uuid.UUID
	ReceivedAt time.Time
	Security   string
	Token      string
	Payload    []byte
}

var updateColumns = []string{"id", "received_at", "security", "token", "payload"}

// UpdateWriter batches updates into the market_updates table.
type UpdateWriter struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	input *buffer.GrowableBuffer[Update]
	db    Copier

	batch   []updateRow
	batchMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	consumed chan struct{}
	wg       sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// NewUpdateWriter creates a writer. db may be any Copier; in production it
// is a *pgxpool.Pool.
func NewUpdateWriter(cfg Config, db Copier, logger *slog.Logger, m *metrics.Metrics) *UpdateWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	return &UpdateWriter{
		cfg:     cfg,
		logger:  logger.With("component", "recorder"),
		metrics: m,
		input:   buffer.NewGrowableBuffer[Update](cfg.BufferSize),
		db:      db,
		batch:   make([]updateRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming updates and writing to the database.
func (w *UpdateWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.consumed = make(chan struct{})
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("update writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the queue, ends the goroutines and writes what remains
// using ctx.
func (w *UpdateWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping update writer")

	// The consumer exits once the closed queue is empty.
	w.input.Close()
	if w.cancel == nil {
		for _, u := range w.input.DrainTo(0) {
			w.add(u)
		}
		w.flush(ctx)
		return nil
	}

	select {
	case <-w.consumed:
	case <-ctx.Done():
		w.logger.Warn("update writer stop timed out")
		w.cancel()
		return ctx.Err()
	}

	w.cancel()
	w.wg.Wait()

	// Left behind if the parent context ended first.
	for _, u := range w.input.DrainTo(0) {
		w.add(u)
	}
	w.flush(ctx)

	w.logger.Info("update writer stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current counters.
func (w *UpdateWriter) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// Record queues msg for security. It never blocks.
func (w *UpdateWriter) Record(security string, msg feed.Message) {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, ok := w.input.Send(Update{
		Security:   security,
		Token:      msg.Token,
		ReceivedAt: receivedAt,
		Payload:    msg.Data,
	})
	if !ok {
		w.statsMu.Lock()
		w.stats.Dropped++
		w.statsMu.Unlock()
	}
}

// Wrap returns a handler that records each update for security and then
// passes it to next, if any.
func (w *UpdateWriter) Wrap(security string, next feed.Handler) feed.Handler {
	return feed.HandlerFunc(func(msg feed.Message) {
		w.Record(security, msg)
		if next != nil {
			next.HandleUpdate(msg)
		}
	})
}

func (w *UpdateWriter) consumeLoop() {
	defer close(w.consumed)

	for {
		u, ok, err := w.input.ReceiveContext(w.ctx)
		if err != nil || !ok {
			return
		}
		if w.add(u) {
			w.flush(w.ctx)
		}
	}
}

func (w *UpdateWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends u to the batch and reports whether the batch is full.
func (w *UpdateWriter) add(u Update) bool {
	row := transform(u)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func transform(u Update) updateRow {
	payload := []byte(u.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return updateRow{
		ID:         uuid.New(),
		ReceivedAt: u.ReceivedAt.UTC(),
		Security:   u.Security,
		Token:      string(u.Token),
		Payload:    payload,
	}
}

// flush writes the current batch with COPY.
func (w *UpdateWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]updateRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	rows := make([][]any, len(batch))
	for i, r := range batch {
		rows[i] = []any{r.ID, r.ReceivedAt, r.Security, r.Token, r.Payload}
	}

	n, err := w.db.CopyFrom(ctx, pgx.Identifier{database.UpdatesTable}, updateColumns, pgx.CopyFromRows(rows))
	w.metrics.ObserveFlush(start, int(n), err)
	if err != nil {
		w.logger.Error("copy failed", "error", err, "count", len(batch))
		w.statsMu.Lock()
		w.stats.Errors++
		w.statsMu.Unlock()
		return
	}

	w.statsMu.Lock()
	w.stats.Inserts += n
	w.stats.Flushes++
	w.statsMu.Unlock()

	w.logger.Debug("flushed updates",
		"count", n,
		"duration", time.Since(start),
	)
}
